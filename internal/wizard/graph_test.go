package wizard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/vmdeck/pkg/vmconfig"
)

var (
	appleSiliconHost = Host{AppleVirtualization: true, MacGuests: true, Architecture: "aarch64"}
	intelMacHost     = Host{AppleVirtualization: true, MacGuests: false, Architecture: "x86_64"}
	linuxHost        = Host{Architecture: "x86_64"}
)

func stateWith(edit func(st *State)) *State {
	st := NewState()
	if edit != nil {
		edit(st)
	}
	return st
}

func linuxState(st *State) {
	st.OperatingSystem = vmconfig.OSLinux
	st.LinuxKernel = "/boot/vmlinuz"
}

func appleState(edit func(st *State)) func(st *State) {
	return func(st *State) {
		st.Engine = vmconfig.EngineApple
		edit(st)
	}
}

func TestNextEdges(t *testing.T) {
	tests := []struct {
		name string
		step Step
		edit func(st *State)
		host Host
		want Step
	}{
		{"start", StepStart, nil, linuxHost, StepOperatingSystem},
		{"linux boot", StepOperatingSystem, linuxState, linuxHost, StepLinuxBoot},
		{"windows boot", StepOperatingSystem, func(st *State) { st.OperatingSystem = vmconfig.OSWindows }, linuxHost, StepWindowsBoot},
		{"other boot", StepOperatingSystem, func(st *State) { st.OperatingSystem = vmconfig.OSOther }, linuxHost, StepOtherBoot},
		{"macos boot", StepOperatingSystem, appleState(func(st *State) { st.OperatingSystem = vmconfig.OSMacOS }), appleSiliconHost, StepMacBoot},
		{"macos on unsupported host", StepOperatingSystem, appleState(func(st *State) { st.OperatingSystem = vmconfig.OSMacOS }), intelMacHost, StepHardware},
		{"boot to hardware", StepLinuxBoot, linuxState, linuxHost, StepHardware},
		{"hardware", StepHardware, nil, linuxHost, StepDrives},
		{"qemu shares", StepDrives, linuxState, linuxHost, StepSharing},
		{"qemu windows shares", StepDrives, func(st *State) { st.OperatingSystem = vmconfig.OSWindows }, linuxHost, StepSharing},
		{"apple linux shares", StepDrives, appleState(linuxState), appleSiliconHost, StepSharing},
		{"apple macos skips sharing", StepDrives, appleState(func(st *State) { st.OperatingSystem = vmconfig.OSMacOS }), appleSiliconHost, StepSummary},
		{"sharing", StepSharing, nil, linuxHost, StepSummary},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Next(tt.step, stateWith(tt.edit), tt.host)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextFromSummary(t *testing.T) {
	got, err := Next(StepSummary, NewState(), linuxHost)
	assert.ErrorIs(t, err, ErrNoNextStep)
	assert.Equal(t, StepSummary, got)
}

func TestNextRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		step Step
		edit func(st *State)
		host Host
	}{
		{"apple without host support", StepStart, func(st *State) { st.Engine = vmconfig.EngineApple }, linuxHost},
		{"unknown engine", StepStart, func(st *State) { st.Engine = vmconfig.EngineKind(9) }, linuxHost},
		{"no operating system", StepOperatingSystem, nil, linuxHost},
		{"macos on qemu", StepOperatingSystem, func(st *State) { st.OperatingSystem = vmconfig.OSMacOS }, appleSiliconHost},
		{"windows on apple", StepOperatingSystem, appleState(func(st *State) { st.OperatingSystem = vmconfig.OSWindows }), appleSiliconHost},
		{"macos without restore image", StepMacBoot, appleState(func(st *State) { st.OperatingSystem = vmconfig.OSMacOS }), appleSiliconHost},
		{"linux without kernel", StepLinuxBoot, func(st *State) { st.OperatingSystem = vmconfig.OSLinux; st.BootImage = "/iso/live.iso" }, linuxHost},
		{"apple linux with boot image", StepLinuxBoot, appleState(func(st *State) { linuxState(st); st.BootImage = "/iso/live.iso" }), appleSiliconHost},
		{"windows without image", StepWindowsBoot, func(st *State) { st.OperatingSystem = vmconfig.OSWindows }, linuxHost},
		{"other without image", StepOtherBoot, func(st *State) { st.OperatingSystem = vmconfig.OSOther }, linuxHost},
		{"no cpus", StepHardware, func(st *State) { st.CPUCount = 0 }, linuxHost},
		{"too little memory", StepHardware, func(st *State) { st.MemoryMB = 64 }, linuxHost},
		{"too little memory for apple", StepHardware, appleState(func(st *State) { st.MemoryMB = 256 }), appleSiliconHost},
		{"no storage", StepDrives, func(st *State) { st.StorageGiB = 0 }, linuxHost},
		{"relative share", StepSharing, func(st *State) { st.SharedDirectory = "projects" }, linuxHost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Next(tt.step, stateWith(tt.edit), tt.host)
			assert.ErrorIs(t, err, ErrInvalidStepInput)
			assert.Equal(t, tt.step, got)
		})
	}
}

func TestSkippedBootImageIsAccepted(t *testing.T) {
	st := stateWith(func(st *State) {
		st.OperatingSystem = vmconfig.OSWindows
		st.SkipBootImage = true
	})
	got, err := Next(StepWindowsBoot, st, linuxHost)
	require.NoError(t, err)
	assert.Equal(t, StepHardware, got)
}

func TestReachable(t *testing.T) {
	assert.Equal(t,
		[]Step{StepStart, StepOperatingSystem, StepLinuxBoot, StepHardware, StepDrives, StepSharing, StepSummary},
		Reachable(stateWith(linuxState), linuxHost))

	assert.Equal(t,
		[]Step{StepStart, StepOperatingSystem, StepHardware, StepDrives, StepSummary},
		Reachable(stateWith(appleState(func(st *State) { st.OperatingSystem = vmconfig.OSMacOS })), intelMacHost))

	assert.Equal(t, []Step{StepStart, StepOperatingSystem}, Reachable(NewState(), linuxHost))
}

func TestStepNames(t *testing.T) {
	for _, s := range Steps {
		assert.NotContains(t, s.String(), "step(", "step %d has no name", int(s))
		assert.NotEmpty(t, s.Title())
	}
	assert.Equal(t, "step(42)", Step(42).String())
	assert.True(t, StepLinuxBoot.IsBoot())
	assert.False(t, StepHardware.IsBoot())
}
