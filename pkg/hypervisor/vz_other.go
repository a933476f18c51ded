//go:build !darwin

package hypervisor

import "fmt"

func newAppleDriver(opts Options) (Driver, error) {
	return nil, fmt.Errorf("%w: Apple Virtualization requires macOS", ErrUnsupportedPlatform)
}
