package terminal

import (
	"io"
	"sync"
	"time"
)

const (
	// DefaultEscapeKey is Ctrl+] (0x1D).
	DefaultEscapeKey byte = 0x1D

	// EscapeCount is the number of consecutive escape keys needed.
	EscapeCount = 2

	// EscapeTimeout is the maximum time between escape key presses.
	EscapeTimeout = 500 * time.Millisecond
)

// KeyName renders a control byte as "Ctrl+X".
func KeyName(key byte) string {
	if key < 0x20 {
		return "Ctrl+" + string(rune(key+'@'))
	}
	return string(rune(key))
}

// EscapeReader wraps console input and watches for the escape key pressed
// EscapeCount times within EscapeTimeout. Once seen, Escaped is closed and
// every further Read returns io.EOF. A single press is held back and then
// passed through when the next byte is not another press.
type EscapeReader struct {
	r   io.Reader
	key byte
	now func() time.Time

	escaped chan struct{}
	once    sync.Once

	mu      sync.Mutex
	presses int
	last    time.Time
	spill   []byte
}

// NewEscapeReader wraps r. A zero key selects DefaultEscapeKey.
func NewEscapeReader(r io.Reader, key byte) *EscapeReader {
	if key == 0 {
		key = DefaultEscapeKey
	}
	return &EscapeReader{
		r:       r,
		key:     key,
		now:     time.Now,
		escaped: make(chan struct{}),
	}
}

// Escaped returns a channel that is closed when the escape sequence is detected.
func (e *EscapeReader) Escaped() <-chan struct{} {
	return e.escaped
}

func (e *EscapeReader) isEscaped() bool {
	select {
	case <-e.escaped:
		return true
	default:
		return false
	}
}

func (e *EscapeReader) Read(p []byte) (int, error) {
	e.mu.Lock()
	if len(e.spill) > 0 {
		n := copy(p, e.spill)
		e.spill = e.spill[n:]
		e.mu.Unlock()
		return n, nil
	}
	e.mu.Unlock()
	if e.isEscaped() {
		return 0, io.EOF
	}

	n, err := e.r.Read(p)

	e.mu.Lock()
	defer e.mu.Unlock()

	in := append([]byte(nil), p[:n]...)
	out := make([]byte, 0, n+e.presses)
	for _, b := range in {
		if b != e.key {
			out = e.release(out)
			out = append(out, b)
			continue
		}

		now := e.now()
		if e.presses > 0 && now.Sub(e.last) > EscapeTimeout {
			out = e.release(out)
		}
		e.presses++
		e.last = now
		if e.presses >= EscapeCount {
			e.presses = 0
			e.once.Do(func() { close(e.escaped) })
			return e.deliver(p, out, io.EOF)
		}
	}
	if err != nil {
		out = e.release(out)
	}
	return e.deliver(p, out, err)
}

// release emits the held escape presses.
func (e *EscapeReader) release(out []byte) []byte {
	for ; e.presses > 0; e.presses-- {
		out = append(out, e.key)
	}
	return out
}

// deliver copies out into p, keeping what does not fit for the next Read.
// err is reported only once nothing is left to return.
func (e *EscapeReader) deliver(p, out []byte, err error) (int, error) {
	n := copy(p, out)
	if n < len(out) {
		e.spill = append(e.spill, out[n:]...)
		return n, nil
	}
	if n > 0 && err == io.EOF {
		return n, nil
	}
	return n, err
}
