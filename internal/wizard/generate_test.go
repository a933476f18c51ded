package wizard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/vmdeck/pkg/vmconfig"
)

func flag(t *testing.T, cfg *vmconfig.Configuration, f vmconfig.Flag) bool {
	t.Helper()
	v, err := cfg.Flag(f)
	require.NoError(t, err)
	return v
}

func TestGenerateLinuxWithoutKernel(t *testing.T) {
	for _, engine := range []vmconfig.EngineKind{vmconfig.EngineQEMU, vmconfig.EngineApple} {
		t.Run(engine.String(), func(t *testing.T) {
			st := NewState()
			st.Engine = engine
			st.OperatingSystem = vmconfig.OSLinux
			st.LinuxRootImage = "/images/root.img"

			_, err := GenerateConfig(st, appleSiliconHost, nil)
			assert.ErrorIs(t, err, ErrIncompleteWizardState)
		})
	}
}

func TestGenerateAppleLinux(t *testing.T) {
	st := NewState()
	st.Engine = vmconfig.EngineApple
	linuxState(st)
	st.LinuxInitrd = "/boot/initrd"
	st.LinuxBootArguments = "console=hvc0"
	st.StorageGiB = 8
	st.SharedDirectory = "/Users/me/src"
	st.SharingReadOnly = true

	var asked string
	cfg, err := GenerateConfig(st, appleSiliconHost, func(base string) string {
		asked = base
		return base + " 2"
	})
	require.NoError(t, err)

	assert.Equal(t, "Linux", asked)
	assert.Equal(t, "Linux 2", cfg.Name)
	assert.Equal(t, vmconfig.EngineApple, cfg.Kind)
	assert.Nil(t, cfg.QEMU)
	for _, f := range []vmconfig.Flag{
		vmconfig.FlagAudio, vmconfig.FlagBalloon, vmconfig.FlagEntropy,
		vmconfig.FlagKeyboard, vmconfig.FlagPointing, vmconfig.FlagSerial,
	} {
		assert.True(t, flag(t, cfg, f), f)
	}

	assert.Equal(t, "/boot/vmlinuz", cfg.Boot.Kernel)
	assert.Equal(t, "/boot/initrd", cfg.Boot.Initrd)
	assert.Equal(t, "console=hvc0", cfg.Boot.Cmdline)

	require.Len(t, cfg.Drives, 1)
	assert.Equal(t, vmconfig.DriveFixed, cfg.Drives[0].Status)
	assert.Equal(t, vmconfig.InterfaceVirtIO, cfg.Drives[0].Interface)
	assert.Equal(t, int64(8*1024), cfg.Drives[0].SizeMB)

	require.Len(t, cfg.SharedDirectories, 1)
	assert.True(t, cfg.SharedDirectories[0].ReadOnly)
}

func TestGenerateQEMULinux(t *testing.T) {
	st := NewState()
	linuxState(st)
	st.LinuxRootImage = "/images/root.img"
	st.BootImage = "/iso/live.iso"
	st.GLEnabled = true
	st.SharedDirectory = "/home/me/share"

	cfg, err := GenerateConfig(st, linuxHost, nil)
	require.NoError(t, err)

	assert.Equal(t, "Linux", cfg.Name)
	assert.Equal(t, vmconfig.EngineQEMU, cfg.Kind)
	assert.Nil(t, cfg.Apple)
	assert.Equal(t, "x86_64", cfg.QEMU.Architecture)
	assert.Equal(t, "q35", cfg.QEMU.Target)
	assert.True(t, flag(t, cfg, vmconfig.FlagHypervisor))
	assert.True(t, flag(t, cfg, vmconfig.FlagGLAcceleration))
	assert.False(t, flag(t, cfg, vmconfig.FlagUEFIBoot))

	require.Len(t, cfg.Drives, 3)
	assert.Equal(t, "/images/root.img", cfg.Drives[0].ImagePath)
	assert.Equal(t, int64(DefaultStorageGiB*1024), cfg.Drives[1].SizeMB)
	assert.Equal(t, "/iso/live.iso", cfg.Drives[2].ImagePath)
	assert.Equal(t, vmconfig.DriveAttached, cfg.Drives[2].Status)
	assert.Equal(t, vmconfig.InterfaceUSB, cfg.Drives[2].Interface)
	assert.True(t, cfg.HasSharedDirectory("/home/me/share"))
}

func TestGenerateQEMUWindows(t *testing.T) {
	st := NewState()
	st.OperatingSystem = vmconfig.OSWindows
	st.BootImage = "/iso/win11.iso"
	st.GLEnabled = true
	st.UseVirtualization = false
	st.Architecture = "aarch64"
	st.Name = "  Work PC "

	cfg, err := GenerateConfig(st, linuxHost, nil)
	require.NoError(t, err)

	assert.Equal(t, "Work PC", cfg.Name)
	assert.Equal(t, "aarch64", cfg.QEMU.Architecture)
	assert.Equal(t, "virt", cfg.QEMU.Target)
	assert.False(t, flag(t, cfg, vmconfig.FlagHypervisor))
	assert.False(t, flag(t, cfg, vmconfig.FlagGLAcceleration), "GL is only offered to Linux guests")
	assert.True(t, flag(t, cfg, vmconfig.FlagUEFIBoot))
	assert.Equal(t, vmconfig.InterfaceNVMe, cfg.Drives[0].Interface)
	assert.Equal(t, "/iso/win11.iso", cfg.Boot.Image)
}

func TestGenerateBootImage(t *testing.T) {
	st := NewState()
	st.OperatingSystem = vmconfig.OSOther

	_, err := GenerateConfig(st, linuxHost, nil)
	assert.ErrorIs(t, err, ErrIncompleteWizardState)

	st.BootImage = "/iso/ignored.iso"
	st.SkipBootImage = true
	cfg, err := GenerateConfig(st, linuxHost, nil)
	require.NoError(t, err)
	assert.Equal(t, fallbackName, cfg.Name)
	assert.Empty(t, cfg.Boot.Image)
	assert.True(t, cfg.Boot.SkipImage)
	assert.Len(t, cfg.Drives, 1)
}

func TestGenerateMacOS(t *testing.T) {
	st := NewState()
	st.Engine = vmconfig.EngineApple
	st.OperatingSystem = vmconfig.OSMacOS

	_, err := GenerateConfig(st, intelMacHost, nil)
	assert.ErrorIs(t, err, ErrIncompleteWizardState)

	st.IPSW = "/Downloads/UniversalMac.ipsw"
	cfg, err := GenerateConfig(st, appleSiliconHost, nil)
	require.NoError(t, err)
	assert.Equal(t, "macOS", cfg.Name)
	assert.Equal(t, "/Downloads/UniversalMac.ipsw", cfg.Boot.IPSW)
	assert.False(t, flag(t, cfg, vmconfig.FlagSerial))
	assert.Empty(t, cfg.SharedDirectories)

	st.IPSW = ""
	st.SkipBootImage = true
	_, err = GenerateConfig(st, intelMacHost, nil)
	assert.NoError(t, err)
}

func TestGenerateRejectsInvalidStepInput(t *testing.T) {
	st := NewState()
	st.Engine = vmconfig.EngineApple
	linuxState(st)

	_, err := GenerateConfig(st, linuxHost, nil)
	assert.ErrorIs(t, err, ErrInvalidStepInput)

	st = NewState()
	linuxState(st)
	st.MemoryMB = 64
	_, err = GenerateConfig(st, linuxHost, nil)
	assert.ErrorIs(t, err, ErrInvalidStepInput)

	st = NewState()
	linuxState(st)
	st.StorageGiB = 0
	_, err = GenerateConfig(st, linuxHost, nil)
	assert.ErrorIs(t, err, ErrIncompleteWizardState)
}

func TestGenerateDoesNotModifyState(t *testing.T) {
	st := NewState()
	linuxState(st)
	st.SharedDirectory = "/srv/share/"
	before := *st

	_, err := GenerateConfig(st, linuxHost, func(string) string { return "x" })
	require.NoError(t, err)
	assert.Equal(t, before, *st)
}
