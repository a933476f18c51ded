package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/javanstorm/vmdeck/pkg/hypervisor"
	"github.com/javanstorm/vmdeck/pkg/vmconfig"
)

// isolate points every config location at a temp directory.
func isolate(t *testing.T) *Paths {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, "data"))
	paths, err := GetPaths()
	if err != nil {
		t.Fatalf("GetPaths failed: %v", err)
	}
	if err := paths.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	return paths
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig should not return nil")
	}
	if cfg.URLScheme != "vmdeck" {
		t.Errorf("URLScheme should be 'vmdeck', got %q", cfg.URLScheme)
	}
	if cfg.ListenAddr != "127.0.0.1:7420" {
		t.Errorf("ListenAddr should be '127.0.0.1:7420', got %q", cfg.ListenAddr)
	}
	if cfg.DefaultCPUs != 2 || cfg.DefaultMemoryMB != 4096 || cfg.DefaultStorageGiB != 64 {
		t.Errorf("unexpected machine defaults: %d CPUs, %d MB, %d GiB",
			cfg.DefaultCPUs, cfg.DefaultMemoryMB, cfg.DefaultStorageGiB)
	}
	if cfg.StopGracePeriod != 30*time.Second {
		t.Errorf("StopGracePeriod should be 30s, got %s", cfg.StopGracePeriod)
	}
	if cfg.EscapeByte() != DefaultEscapeByte {
		t.Errorf("default escape should be Ctrl+], got %#x", cfg.EscapeByte())
	}
}

func TestLoadFromDefaults(t *testing.T) {
	paths := isolate(t)

	cfg, err := LoadFrom(viper.New())
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.DataDir != paths.DataDir {
		t.Errorf("DataDir should be %q, got %q", paths.DataDir, cfg.DataDir)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Errorf("unexpected log settings %q/%q", cfg.LogLevel, cfg.LogFormat)
	}
	if !cfg.MetricsEnabled {
		t.Error("MetricsEnabled should be true by default")
	}
}

func TestLoadFromFileAndEnv(t *testing.T) {
	paths := isolate(t)

	yaml := strings.Join([]string{
		"log_level: debug",
		"log_format: json",
		"url_scheme: lab",
		"stop_grace_period: 5s",
		"default_cpus: 6",
		"console_escape: ctrl-a",
	}, "\n")
	if err := os.WriteFile(filepath.Join(paths.ConfigDir, "config.yaml"), []byte(yaml), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("VMDECK_DEFAULT_CPUS", "8")
	t.Setenv("VMDECK_LIBVIRT_SOCKET", "/run/libvirt/libvirt-sock")

	v := viper.New()
	cfg, err := LoadFrom(v)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}

	if cfg.LogLevel != "debug" || cfg.LogFormat != "json" {
		t.Errorf("file settings not applied: %q/%q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.URLScheme != "lab" {
		t.Errorf("URLScheme should be 'lab', got %q", cfg.URLScheme)
	}
	if cfg.StopGracePeriod != 5*time.Second {
		t.Errorf("StopGracePeriod should be 5s, got %s", cfg.StopGracePeriod)
	}
	if cfg.DefaultCPUs != 8 {
		t.Errorf("environment should override the file: got %d CPUs", cfg.DefaultCPUs)
	}
	if cfg.LibvirtSocket != "/run/libvirt/libvirt-sock" {
		t.Errorf("LibvirtSocket from env not applied, got %q", cfg.LibvirtSocket)
	}
	if cfg.EscapeByte() != 0x01 {
		t.Errorf("ctrl-a should map to 0x01, got %#x", cfg.EscapeByte())
	}
	if got := v.ConfigFileUsed(); got != filepath.Join(paths.ConfigDir, "config.yaml") {
		t.Errorf("unexpected config file %q", got)
	}
}

func TestLoadFromRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"log format", map[string]string{"VMDECK_LOG_FORMAT": "xml"}},
		{"escape", map[string]string{"VMDECK_CONSOLE_ESCAPE": "alt-x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := LoadFrom(viper.New()); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestParseEscapeKey(t *testing.T) {
	tests := []struct {
		key     string
		want    byte
		wantErr bool
	}{
		{"", 0x1d, false},
		{"ctrl-]", 0x1d, false},
		{"Ctrl-A", 0x01, false},
		{"^c", 0x03, false},
		{"ctrl-[", 0x1b, false},
		{"ctrl-\\", 0x1c, false},
		{"ctrl-1", 0, true},
		{"ctrl-ab", 0, true},
		{"q", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, err := ParseEscapeKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseEscapeKey(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseEscapeKey(%q) = %#x, want %#x", tt.key, got, tt.want)
			}
		})
	}
}

func TestGetPaths(t *testing.T) {
	paths := isolate(t)

	if paths.DataDir == "" || paths.ConfigDir == "" || paths.ConfigFile == "" {
		t.Fatalf("paths should all be set: %+v", paths)
	}
	if !filepath.IsAbs(paths.DataDir) {
		t.Error("DataDir should be absolute path")
	}
	if filepath.Dir(paths.ConfigFile) != paths.ConfigDir {
		t.Errorf("ConfigFile %q should live in %q", paths.ConfigFile, paths.ConfigDir)
	}
	if runtime.GOOS != "darwin" && !strings.HasSuffix(paths.DataDir, filepath.Join("data", "vmdeck")) {
		t.Errorf("DataDir should honour XDG_DATA_HOME, got %q", paths.DataDir)
	}
}

func TestValidateConfiguration(t *testing.T) {
	full := hypervisor.Capabilities{
		Pause: true, Reset: true, GracefulStop: true, HotPlugDrives: true,
		SharedDirs: true, Console: true, Graphics: true,
	}

	cfg := vmconfig.New("ok", vmconfig.EngineQEMU)
	cfg.Boot.OperatingSystem = vmconfig.OSLinux
	if errs := ValidateConfiguration(cfg, full); len(errs) != 0 {
		t.Errorf("expected no findings, got:\n%s", FormatValidationErrors(errs))
	}

	cfg.AddDrive(vmconfig.NewRemovableDrive("/iso/install.iso", vmconfig.InterfaceUSB))
	if err := cfg.AddSharedDirectory(vmconfig.SharedDirectory{Path: "/srv/share"}); err != nil {
		t.Fatalf("AddSharedDirectory failed: %v", err)
	}
	limited := hypervisor.Capabilities{Console: true}
	errs := ValidateConfiguration(cfg, limited)
	if HasFatal(errs) {
		t.Errorf("capability gaps should only warn:\n%s", FormatValidationErrors(errs))
	}
	fields := map[string]bool{}
	for _, e := range errs {
		fields[e.Field] = true
	}
	for _, f := range []string{"SharedDirectories", "Drives", "Stop"} {
		if !fields[f] {
			t.Errorf("expected a %s warning", f)
		}
	}

	cfg.CPUCount = 0
	cfg.MemoryMB = 1
	errs = ValidateConfiguration(cfg, full)
	if !HasFatal(errs) {
		t.Fatal("invalid configuration should be fatal")
	}
	fatal := 0
	for _, e := range errs {
		if e.Fatal {
			fatal++
		}
	}
	if fatal != 2 {
		t.Errorf("each configuration error should be listed, got %d", fatal)
	}
	out := FormatValidationErrors(errs)
	if !strings.Contains(out, "Error [Configuration]") {
		t.Errorf("formatted output missing error prefix:\n%s", out)
	}
}

func TestFormatValidationErrorsEmpty(t *testing.T) {
	if got := FormatValidationErrors(nil); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}
