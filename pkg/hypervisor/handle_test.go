package hypervisor

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunHandleFinishOnce(t *testing.T) {
	h := newRunHandle("h1")
	if h.hasExited() {
		t.Fatal("new handle reports exited")
	}

	first := errors.New("first")
	h.finish(first)
	h.finish(errors.New("second"))

	if !h.hasExited() {
		t.Error("handle should report exited after finish")
	}
	err, ok := <-h.Done()
	if !ok || err != first {
		t.Errorf("Done() = %v, %v; want first result", err, ok)
	}
	if _, ok := <-h.Done(); ok {
		t.Error("Done() should be closed after the result")
	}
}

func TestRunHandleWaitExit(t *testing.T) {
	h := newRunHandle("h2")
	if h.waitExit(context.Background(), 10*time.Millisecond) {
		t.Error("waitExit returned true before exit")
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		h.finish(nil)
	}()
	if !h.waitExit(context.Background(), time.Second) {
		t.Error("waitExit returned false after exit")
	}
}

func TestRunHandleWaitExitCanceled(t *testing.T) {
	h := newRunHandle("h3")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if h.waitExit(ctx, time.Second) {
		t.Error("waitExit returned true on canceled context")
	}
}
