package hypervisor

import (
	"errors"
	"testing"
)

const infoBlockOutput = `libvirt-2-format: /images/root.img (raw)
    Attached to:      /machine/peripheral/ua-drive0/virtio-backend
    Cache mode:       writeback

libvirt-1-format: /images/install.iso (raw, read-only)
    Attached to:      ua-drive1
    Removable device: locked, tray closed
    Cache mode:       writeback

ua-drive2: [not inserted]
    Attached to:      ua-drive2
    Removable device: not locked, tray closed
`

func TestMediumLocked(t *testing.T) {
	tests := []struct {
		alias  string
		found  bool
		locked bool
	}{
		{"ua-drive1", true, true},
		{"ua-drive2", true, false},
		{"ua-drive9", false, false},
	}
	for _, tt := range tests {
		found, locked := mediumLocked(infoBlockOutput, tt.alias)
		if found != tt.found || locked != tt.locked {
			t.Errorf("mediumLocked(%s) = %v, %v; want %v, %v", tt.alias, found, locked, tt.found, tt.locked)
		}
	}
}

func TestMediumLockedEmpty(t *testing.T) {
	if found, locked := mediumLocked("", "ua-drive0"); found || locked {
		t.Errorf("empty output reported found=%v locked=%v", found, locked)
	}
}

func TestKeyCodes(t *testing.T) {
	tests := []struct {
		r    rune
		want []uint32
	}{
		{'a', []uint32{30}},
		{'A', []uint32{keyLeftShift, 30}},
		{'1', []uint32{2}},
		{'!', []uint32{keyLeftShift, 2}},
		{' ', []uint32{keySpace}},
		{'\n', []uint32{keyEnter}},
		{'?', []uint32{keyLeftShift, 53}},
	}
	for _, tt := range tests {
		got, err := keyCodes(tt.r)
		if err != nil {
			t.Errorf("keyCodes(%q): %v", tt.r, err)
			continue
		}
		if len(got) != len(tt.want) {
			t.Errorf("keyCodes(%q) = %v, want %v", tt.r, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("keyCodes(%q) = %v, want %v", tt.r, got, tt.want)
				break
			}
		}
	}
}

func TestKeyCodesUnsupported(t *testing.T) {
	if _, err := keyCodes('é'); !errors.Is(err, ErrUnsupported) {
		t.Errorf("keyCodes('é') error = %v, want ErrUnsupported", err)
	}
}
