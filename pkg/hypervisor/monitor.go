package hypervisor

import (
	"bufio"
	"fmt"
	"strings"
)

// mediumLocked reports whether the guest has locked the tray of the device
// whose alias is given, according to the output of the HMP "info block"
// command. Each entry starts on an unindented line; its indented lines carry
// the "Attached to:" device path and the "Removable device:" lock state.
func mediumLocked(infoBlock, alias string) (found, locked bool) {
	var attached, lockedEntry bool
	flush := func() {
		if attached {
			found = true
			locked = lockedEntry
		}
		attached, lockedEntry = false, false
	}

	sc := bufio.NewScanner(strings.NewReader(infoBlock))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if line[0] != ' ' && line[0] != '\t' {
			flush()
			if found {
				return found, locked
			}
			continue
		}
		field := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(field, "Attached to:"):
			dev := strings.TrimSpace(strings.TrimPrefix(field, "Attached to:"))
			if dev == alias || strings.HasSuffix(dev, "/"+alias) {
				attached = true
			}
		case strings.HasPrefix(field, "Removable device:"):
			state := strings.TrimSpace(strings.TrimPrefix(field, "Removable device:"))
			lockedEntry = strings.HasPrefix(state, "locked")
		}
	}
	flush()
	return found, locked
}

// Linux input event codes used to type text into the guest.
const (
	keyLeftShift = 42
	keyEnter     = 28
	keyTab       = 15
	keySpace     = 57
)

var unshiftedKeys = map[rune]uint32{
	'1': 2, '2': 3, '3': 4, '4': 5, '5': 6, '6': 7, '7': 8, '8': 9, '9': 10, '0': 11,
	'-': 12, '=': 13,
	'q': 16, 'w': 17, 'e': 18, 'r': 19, 't': 20, 'y': 21, 'u': 22, 'i': 23, 'o': 24, 'p': 25,
	'[': 26, ']': 27,
	'a': 30, 's': 31, 'd': 32, 'f': 33, 'g': 34, 'h': 35, 'j': 36, 'k': 37, 'l': 38,
	';': 39, '\'': 40, '`': 41, '\\': 43,
	'z': 44, 'x': 45, 'c': 46, 'v': 47, 'b': 48, 'n': 49, 'm': 50,
	',': 51, '.': 52, '/': 53,
	' ': keySpace, '\n': keyEnter, '\t': keyTab,
}

var shiftedKeys = map[rune]rune{
	'!': '1', '@': '2', '#': '3', '$': '4', '%': '5', '^': '6', '&': '7', '*': '8', '(': '9', ')': '0',
	'_': '-', '+': '=', '{': '[', '}': ']', ':': ';', '"': '\'', '~': '`', '|': '\\',
	'<': ',', '>': '.', '?': '/',
}

// keyCodes returns the key chord that types r on a US layout.
func keyCodes(r rune) ([]uint32, error) {
	if r >= 'A' && r <= 'Z' {
		return []uint32{keyLeftShift, unshiftedKeys[r-'A'+'a']}, nil
	}
	if base, ok := shiftedKeys[r]; ok {
		return []uint32{keyLeftShift, unshiftedKeys[base]}, nil
	}
	if code, ok := unshiftedKeys[r]; ok {
		return []uint32{code}, nil
	}
	return nil, fmt.Errorf("%w: no key for %q", ErrUnsupported, r)
}

// mouseButtonMask maps a button to the HMP mouse_button state mask.
func mouseButtonMask(b MouseButton) int {
	switch b {
	case MouseRight:
		return 2
	case MouseMiddle:
		return 4
	default:
		return 1
	}
}
