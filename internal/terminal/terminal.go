// Package terminal attaches the user's terminal to a machine's serial
// console.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// ErrEscapeSequence is returned when the user triggers the escape sequence.
var ErrEscapeSequence = errors.New("escape sequence detected")

// Console wraps terminal operations for console attachment.
type Console struct {
	stdin  io.Reader
	stdout io.Writer
	fd     int
	tty    bool
	escape byte
}

// Current returns the process terminal with escape as the detach key. A
// zero escape selects DefaultEscapeKey.
func Current(escape byte) *Console {
	fd := int(os.Stdin.Fd())
	return New(os.Stdin, os.Stdout, fd, term.IsTerminal(fd), escape)
}

// New returns a Console over the given streams. Raw mode is only set when
// tty is true.
func New(stdin io.Reader, stdout io.Writer, fd int, tty bool, escape byte) *Console {
	if escape == 0 {
		escape = DefaultEscapeKey
	}
	return &Console{stdin: stdin, stdout: stdout, fd: fd, tty: tty, escape: escape}
}

// IsTTY returns true if stdin is a terminal.
func IsTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// SetRaw puts the terminal into raw mode and returns restore function.
func (c *Console) SetRaw() (func(), error) {
	if !c.tty {
		return func() {}, nil
	}
	oldState, err := term.MakeRaw(c.fd)
	if err != nil {
		return nil, err
	}
	return func() {
		term.Restore(c.fd, oldState)
	}, nil
}

// Size returns the current terminal size.
func (c *Console) Size() (width, height int, err error) {
	return term.GetSize(c.fd)
}

// Hint describes how to detach.
func (c *Console) Hint() string {
	name := KeyName(c.escape)
	return fmt.Sprintf("Escape sequence: %s %s (press twice quickly to detach)", name, name)
}

// Attach connects the terminal to the guest console. It blocks until ctx
// is cancelled, the escape sequence is typed, or the guest closes its
// output. Detaching leaves the guest running and returns ErrEscapeSequence.
func (c *Console) Attach(ctx context.Context, guestIn io.Writer, guestOut io.Reader) error {
	restore, err := c.SetRaw()
	if err != nil {
		return err
	}
	defer restore()

	fmt.Fprintf(c.stdout, "%s\r\n", c.Hint())

	input := NewEscapeReader(c.stdin, c.escape)

	// Input is not waited for: a blocked stdin read must not keep the
	// guest attached after its output closes.
	go forwardInput(guestIn, input)

	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		io.Copy(c.stdout, guestOut)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-input.Escaped():
		fmt.Fprintf(c.stdout, "\r\nDetached.\r\n")
		return ErrEscapeSequence
	case <-outputDone:
		return nil
	}
}

// forwardInput copies keystrokes to the guest. Reading continues after the
// guest rejects input so the escape sequence still detaches.
func forwardInput(guestIn io.Writer, input io.Reader) {
	buf := make([]byte, 1024)
	accepting := true
	for {
		n, err := input.Read(buf)
		if n > 0 && accepting {
			if _, werr := guestIn.Write(buf[:n]); werr != nil {
				accepting = false
			}
		}
		if err != nil {
			return
		}
	}
}
