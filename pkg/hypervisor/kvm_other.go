//go:build !linux

package hypervisor

import "fmt"

func newKVMDriver(opts Options) (Driver, error) {
	return nil, fmt.Errorf("%w: in-process KVM requires Linux, configure a libvirt socket instead", ErrUnsupportedPlatform)
}
