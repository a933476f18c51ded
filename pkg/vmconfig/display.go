package vmconfig

import (
	"fmt"
	"strconv"
	"strings"
)

// Pixel densities used for the HiDPI toggle.
const (
	HidpiPixelsPerInch   = 226
	NormalPixelsPerInch  = 80
	defaultDisplayWidth  = 1920
	defaultDisplayHeight = 1200
)

// Resolution is a display size in pixels.
type Resolution struct {
	Width  int
	Height int
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// ParseResolution parses "WIDTHxHEIGHT".
func ParseResolution(s string) (Resolution, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return Resolution{}, fmt.Errorf("%w: resolution %q is not WIDTHxHEIGHT", ErrInvalidConfiguration, s)
	}
	width, err := strconv.Atoi(w)
	if err != nil || width <= 0 {
		return Resolution{}, fmt.Errorf("%w: bad width in %q", ErrInvalidConfiguration, s)
	}
	height, err := strconv.Atoi(h)
	if err != nil || height <= 0 {
		return Resolution{}, fmt.Errorf("%w: bad height in %q", ErrInvalidConfiguration, s)
	}
	return Resolution{Width: width, Height: height}, nil
}

// NamedResolutions are the resolutions offered for Apple displays.
var NamedResolutions = []Resolution{
	{1024, 640}, {1024, 665}, {1024, 768}, {1147, 745}, {1152, 720},
	{1168, 755}, {1280, 800}, {1280, 1024}, {1312, 848}, {1344, 840},
	{1352, 878}, {1440, 900}, {1496, 967}, {1512, 982}, {1680, 1050},
	{1728, 1117}, {1792, 1120}, {1800, 1169}, {1920, 1080}, {1920, 1200},
	{2048, 1280}, {2056, 1329}, {2240, 1260}, {2560, 1440}, {2560, 1600},
	{2880, 1800}, {3024, 1964}, {3072, 1920}, {3456, 2234}, {4480, 2520},
	{5120, 2880},
}

// Display is a virtual display attached to the machine.
type Display struct {
	Width         int `yaml:"width"`
	Height        int `yaml:"height"`
	PixelsPerInch int `yaml:"ppi"`
}

// NewDisplay returns a display of the given size.
func NewDisplay(r Resolution, hidpi bool) Display {
	ppi := NormalPixelsPerInch
	if hidpi {
		ppi = HidpiPixelsPerInch
	}
	return Display{Width: r.Width, Height: r.Height, PixelsPerInch: ppi}
}

// DefaultDisplay is 1920x1200 at normal density.
func DefaultDisplay() Display {
	return NewDisplay(Resolution{defaultDisplayWidth, defaultDisplayHeight}, false)
}

// Hidpi reports whether the display uses retina density.
func (d Display) Hidpi() bool {
	return d.PixelsPerInch >= HidpiPixelsPerInch
}

func (d Display) Resolution() Resolution {
	return Resolution{Width: d.Width, Height: d.Height}
}

// SetPrimaryDisplay replaces the first display, keeping its density unless
// hidpi is given, or creates one if the list is empty.
func (c *Configuration) SetPrimaryDisplay(r Resolution, hidpi *bool) {
	var d Display
	if len(c.Displays) == 0 {
		d = DefaultDisplay()
	} else {
		d = c.Displays[0]
	}
	d.Width, d.Height = r.Width, r.Height
	if hidpi != nil {
		d.PixelsPerInch = NormalPixelsPerInch
		if *hidpi {
			d.PixelsPerInch = HidpiPixelsPerInch
		}
	}
	if len(c.Displays) == 0 {
		c.Displays = []Display{d}
		return
	}
	c.Displays[0] = d
}

// AddDisplay appends a display.
func (c *Configuration) AddDisplay(d Display) {
	c.Displays = append(c.Displays, d)
}

// RemoveDisplay removes the display at position at.
func (c *Configuration) RemoveDisplay(at int) error {
	if at < 0 || at >= len(c.Displays) {
		return fmt.Errorf("%w: display %d of %d", ErrIndexOutOfRange, at, len(c.Displays))
	}
	c.Displays = append(c.Displays[:at], c.Displays[at+1:]...)
	return nil
}
