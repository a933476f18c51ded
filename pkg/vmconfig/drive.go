package vmconfig

import (
	"fmt"
	"strings"
)

// DriveStatus describes the media state of a drive.
type DriveStatus int

const (
	// DriveFixed is a non-removable disk. It has no eject action.
	DriveFixed DriveStatus = iota
	// DriveEjected is a removable drive with no media inserted.
	DriveEjected
	// DriveAttached is a removable drive with media inserted.
	DriveAttached
)

func (s DriveStatus) String() string {
	switch s {
	case DriveFixed:
		return "fixed"
	case DriveEjected:
		return "ejected"
	case DriveAttached:
		return "attached"
	default:
		return "unknown"
	}
}

func (s DriveStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *DriveStatus) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "fixed":
		*s = DriveFixed
	case "ejected":
		*s = DriveEjected
	case "attached":
		*s = DriveAttached
	default:
		return fmt.Errorf("%w: unknown drive status %q", ErrInvalidConfiguration, b)
	}
	return nil
}

// DriveInterface is the bus a drive is attached to.
type DriveInterface string

const (
	InterfaceVirtIO DriveInterface = "virtio"
	InterfaceNVMe   DriveInterface = "nvme"
	InterfaceUSB    DriveInterface = "usb"
	InterfaceIDE    DriveInterface = "ide"
	InterfaceSCSI   DriveInterface = "scsi"
	InterfaceSD     DriveInterface = "sd"
	InterfaceFloppy DriveInterface = "floppy"
)

// Drive is one entry of the ordered drive list. Index equals the drive's
// position and is renumbered on every structural edit.
type Drive struct {
	Index     int            `yaml:"index"`
	ImagePath string         `yaml:"image,omitempty"`
	Interface DriveInterface `yaml:"interface"`
	Removable bool           `yaml:"removable,omitempty"`
	ReadOnly  bool           `yaml:"read_only,omitempty"`
	Status    DriveStatus    `yaml:"status"`

	// SizeMB is used when a backing image has to be created.
	SizeMB int64 `yaml:"size_mb,omitempty"`
}

// NewFixedDrive returns a non-removable disk backed by image.
func NewFixedDrive(image string, iface DriveInterface) Drive {
	return Drive{ImagePath: image, Interface: iface, Status: DriveFixed}
}

// NewRemovableDrive returns a removable drive, attached if image is set.
func NewRemovableDrive(image string, iface DriveInterface) Drive {
	d := Drive{ImagePath: image, Interface: iface, Removable: true, ReadOnly: true, Status: DriveEjected}
	if image != "" {
		d.Status = DriveAttached
	}
	return d
}

// HasMedia reports whether an image is inserted.
func (d Drive) HasMedia() bool {
	return d.ImagePath != ""
}

// AddDrive appends d and returns its index.
func (c *Configuration) AddDrive(d Drive) int {
	c.Drives = append(c.Drives, d)
	c.renumberDrives()
	return len(c.Drives) - 1
}

// InsertDrive inserts d at position at, where at may equal the drive count.
func (c *Configuration) InsertDrive(at int, d Drive) error {
	if at < 0 || at > len(c.Drives) {
		return fmt.Errorf("%w: insert at %d with %d drives", ErrIndexOutOfRange, at, len(c.Drives))
	}
	c.Drives = append(c.Drives, Drive{})
	copy(c.Drives[at+1:], c.Drives[at:])
	c.Drives[at] = d
	c.renumberDrives()
	return nil
}

// RemoveDrive removes and returns the drive at position at.
func (c *Configuration) RemoveDrive(at int) (Drive, error) {
	if err := c.checkDriveIndex(at); err != nil {
		return Drive{}, err
	}
	d := c.Drives[at]
	c.Drives = append(c.Drives[:at], c.Drives[at+1:]...)
	c.renumberDrives()
	return d, nil
}

// MoveDrive moves the drive at from so it ends up at position to. The
// drives in between shift by one and every index is renumbered.
func (c *Configuration) MoveDrive(from, to int) error {
	if err := c.checkDriveIndex(from); err != nil {
		return err
	}
	if err := c.checkDriveIndex(to); err != nil {
		return err
	}
	if from == to {
		return nil
	}
	d := c.Drives[from]
	if from < to {
		copy(c.Drives[from:to], c.Drives[from+1:to+1])
	} else {
		copy(c.Drives[to+1:from+1], c.Drives[to:from])
	}
	c.Drives[to] = d
	c.renumberDrives()
	return nil
}

// MoveDriveUp moves the drive one position towards the front.
func (c *Configuration) MoveDriveUp(at int) error {
	return c.MoveDrive(at, at-1)
}

// MoveDriveDown moves the drive one position towards the back.
func (c *Configuration) MoveDriveDown(at int) error {
	return c.MoveDrive(at, at+1)
}

// Drive returns a copy of the drive at position at.
func (c *Configuration) Drive(at int) (Drive, error) {
	if err := c.checkDriveIndex(at); err != nil {
		return Drive{}, err
	}
	return c.Drives[at], nil
}

// UpdateDrive applies fn to the drive at position at. The index is restored
// afterwards so fn cannot break numbering.
func (c *Configuration) UpdateDrive(at int, fn func(d *Drive)) error {
	if err := c.checkDriveIndex(at); err != nil {
		return err
	}
	fn(&c.Drives[at])
	c.Drives[at].Index = at
	return nil
}

func (c *Configuration) checkDriveIndex(at int) error {
	if at < 0 || at >= len(c.Drives) {
		return fmt.Errorf("%w: drive %d of %d", ErrIndexOutOfRange, at, len(c.Drives))
	}
	return nil
}

func (c *Configuration) renumberDrives() {
	for i := range c.Drives {
		c.Drives[i].Index = i
	}
}
