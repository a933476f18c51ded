package hypervisor

import (
	"fmt"
	"strings"

	"libvirt.org/go/libvirtxml"

	"github.com/javanstorm/vmdeck/pkg/vmconfig"
)

// DomainPrefix is prepended to machine names to form libvirt domain names.
const DomainPrefix = "vmdeck-"

// DomainName returns the libvirt domain name for a machine. Characters
// libvirt rejects are replaced by '-'.
func DomainName(machine string) string {
	var b strings.Builder
	b.WriteString(DomainPrefix)
	for _, r := range machine {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// DriveAlias is the user alias given to a drive's device node.
func DriveAlias(d vmconfig.Drive) string {
	return fmt.Sprintf("ua-drive%d", d.Index)
}

// DomainXML renders the transient libvirt domain for a QEMU configuration.
func DomainXML(cfg *vmconfig.Configuration) (string, error) {
	if cfg.QEMU == nil {
		return "", fmt.Errorf("%w: missing qemu settings", ErrEngineMismatch)
	}
	q := cfg.QEMU

	domType := "qemu"
	if q.UseHypervisor {
		domType = "kvm"
	}

	domain := &libvirtxml.Domain{
		Type: domType,
		Name: DomainName(cfg.Name),
		Memory: &libvirtxml.DomainMemory{
			Value: uint(cfg.MemoryMB),
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Value: uint(cfg.CPUCount),
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch:    q.Architecture,
				Machine: q.Target,
				Type:    "hvm",
			},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
		},
		Clock: &libvirtxml.DomainClock{
			Offset: "utc",
		},
		Devices: &libvirtxml.DomainDeviceList{
			Consoles: []libvirtxml.DomainConsole{
				{
					Source: &libvirtxml.DomainChardevSource{
						Pty: &libvirtxml.DomainChardevSourcePty{},
					},
					Target: &libvirtxml.DomainConsoleTarget{
						Type: "serial",
						Port: uintPtr(0),
					},
				},
			},
			Inputs: []libvirtxml.DomainInput{
				{Type: "tablet", Bus: "usb"},
			},
			Graphics: []libvirtxml.DomainGraphic{
				{
					VNC: &libvirtxml.DomainGraphicVNC{
						Port:     -1,
						AutoPort: "yes",
					},
				},
			},
			MemBalloon: &libvirtxml.DomainMemBalloon{
				Model: "none",
			},
		},
	}

	if q.Architecture == "x86_64" || q.Architecture == "i386" {
		domain.Features.APIC = &libvirtxml.DomainFeatureAPIC{}
	}
	if q.RTCLocalTime {
		domain.Clock.Offset = "localtime"
	}

	if cfg.Boot.Kernel != "" {
		domain.OS.Kernel = cfg.Boot.Kernel
		domain.OS.Initrd = cfg.Boot.Initrd
		domain.OS.Cmdline = cfg.Boot.Cmdline
	} else {
		domain.OS.BootDevices = []libvirtxml.DomainBootDevice{
			{Dev: "cdrom"},
			{Dev: "hd"},
		}
	}
	if q.UEFIBoot {
		domain.OS.Firmware = "efi"
	}

	for _, d := range cfg.Drives {
		domain.Devices.Disks = append(domain.Devices.Disks, diskDevice(d))
	}

	if len(cfg.SharedDirectories) > 0 {
		// virtiofs requires shared guest memory.
		domain.MemoryBacking = &libvirtxml.DomainMemoryBacking{
			MemorySource: &libvirtxml.DomainMemorySource{Type: "memfd"},
			MemoryAccess: &libvirtxml.DomainMemoryAccess{Mode: "shared"},
		}
		for _, s := range cfg.SharedDirectories {
			domain.Devices.Filesystems = append(domain.Devices.Filesystems, filesystemDevice(s))
		}
	}

	video := libvirtxml.DomainVideo{
		Model: libvirtxml.DomainVideoModel{Type: "virtio"},
	}
	if q.GLAcceleration {
		video.Model.Accel = &libvirtxml.DomainVideoAccel{Accel3D: "yes"}
	}
	domain.Devices.Videos = []libvirtxml.DomainVideo{video}

	if q.RNG {
		domain.Devices.RNGs = []libvirtxml.DomainRNG{
			{
				Model: "virtio",
				Backend: &libvirtxml.DomainRNGBackend{
					Random: &libvirtxml.DomainRNGBackendRandom{Device: "/dev/urandom"},
				},
			},
		}
	}
	if q.Balloon {
		domain.Devices.MemBalloon.Model = "virtio"
	}
	if q.Sound {
		domain.Devices.Sounds = []libvirtxml.DomainSound{{Model: "ich9"}}
	}

	xmlDoc, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal domain XML: %w", err)
	}
	return xmlDoc, nil
}

// DiskXML renders a single drive for live attach, detach or media change.
func DiskXML(d vmconfig.Drive) (string, error) {
	disk := diskDevice(d)
	xmlDoc, err := disk.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal disk XML: %w", err)
	}
	return xmlDoc, nil
}

// FilesystemXML renders a shared directory for live attach or detach.
func FilesystemXML(s vmconfig.SharedDirectory) (string, error) {
	fs := filesystemDevice(s)
	xmlDoc, err := fs.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal filesystem XML: %w", err)
	}
	return xmlDoc, nil
}

func diskDevice(d vmconfig.Drive) libvirtxml.DomainDisk {
	prefix, bus := diskBus(d.Interface)
	disk := libvirtxml.DomainDisk{
		Device: diskKind(d, bus),
		Driver: &libvirtxml.DomainDiskDriver{
			Name: "qemu",
			Type: "raw",
		},
		Target: &libvirtxml.DomainDiskTarget{
			Dev: prefix + diskLetters(d.Index),
			Bus: bus,
		},
		Alias: &libvirtxml.DomainAlias{Name: DriveAlias(d)},
	}
	if d.HasMedia() {
		disk.Source = &libvirtxml.DomainDiskSource{
			File: &libvirtxml.DomainDiskSourceFile{File: d.ImagePath},
		}
	}
	if d.ReadOnly {
		disk.ReadOnly = &libvirtxml.DomainDiskReadOnly{}
	}
	return disk
}

func filesystemDevice(s vmconfig.SharedDirectory) libvirtxml.DomainFilesystem {
	fs := libvirtxml.DomainFilesystem{
		AccessMode: "passthrough",
		Driver: &libvirtxml.DomainFilesystemDriver{
			Type: "virtiofs",
		},
		Source: &libvirtxml.DomainFilesystemSource{
			Mount: &libvirtxml.DomainFilesystemSourceMount{Dir: s.Path},
		},
		Target: &libvirtxml.DomainFilesystemTarget{
			Dir: s.MountTag(),
		},
	}
	if s.ReadOnly {
		fs.ReadOnly = &libvirtxml.DomainFilesystemReadOnly{}
	}
	return fs
}

// diskBus maps a drive interface to its target device prefix and libvirt bus.
// NVMe drives are presented on SATA.
func diskBus(iface vmconfig.DriveInterface) (prefix, bus string) {
	switch iface {
	case vmconfig.InterfaceIDE:
		return "hd", "ide"
	case vmconfig.InterfaceSCSI:
		return "sd", "scsi"
	case vmconfig.InterfaceUSB:
		return "sd", "usb"
	case vmconfig.InterfaceNVMe:
		return "sd", "sata"
	case vmconfig.InterfaceSD:
		return "sd", "sd"
	case vmconfig.InterfaceFloppy:
		return "fd", "fdc"
	default:
		return "vd", "virtio"
	}
}

func diskKind(d vmconfig.Drive, bus string) string {
	switch {
	case bus == "fdc":
		return "floppy"
	case d.Removable && d.ReadOnly && bus != "virtio":
		return "cdrom"
	default:
		return "disk"
	}
}

// diskLetters names the index'th target device: a..z, aa..az, and so on.
func diskLetters(i int) string {
	name := ""
	for i >= 0 {
		name = string(rune('a'+i%26)) + name
		i = i/26 - 1
	}
	return name
}

func uintPtr(v uint) *uint {
	return &v
}
