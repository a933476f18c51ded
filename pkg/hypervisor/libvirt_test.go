package hypervisor

import (
	"errors"
	"testing"
)

func TestLibvirtConsoleInputUnsupported(t *testing.T) {
	var in outputOnlyConsole
	n, err := in.Write([]byte("ls\n"))
	if n != 0 {
		t.Errorf("Write consumed %d bytes, want 0", n)
	}
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("Write error = %v, want ErrUnsupported", err)
	}
}
