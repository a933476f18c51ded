// Package config provides configuration management for vmdeck.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds platform-specific directory paths for vmdeck.
type Paths struct {
	// ConfigDir is the directory for configuration files.
	// macOS: ~/Library/Application Support/vmdeck
	// Linux: ~/.config/vmdeck (or XDG_CONFIG_HOME)
	ConfigDir string

	// DataDir is the machine library root.
	// macOS: ~/Library/Application Support/vmdeck/Library
	// Linux: ~/.local/share/vmdeck (or XDG_DATA_HOME)
	DataDir string

	// ConfigFile is the path to the main config file.
	ConfigFile string
}

// GetPaths returns platform-aware paths for vmdeck.
func GetPaths() (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	p := &Paths{}
	switch runtime.GOOS {
	case "darwin":
		p.ConfigDir = filepath.Join(home, "Library", "Application Support", "vmdeck")
		p.DataDir = filepath.Join(p.ConfigDir, "Library")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			p.ConfigDir = filepath.Join(xdgConfig, "vmdeck")
		} else {
			p.ConfigDir = filepath.Join(home, ".config", "vmdeck")
		}
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			p.DataDir = filepath.Join(xdgData, "vmdeck")
		} else {
			p.DataDir = filepath.Join(home, ".local", "share", "vmdeck")
		}
	}
	p.ConfigFile = filepath.Join(p.ConfigDir, "config.yaml")

	return p, nil
}

// EnsureDirectories creates the config and data directories if they don't exist.
func (p *Paths) EnsureDirectories() error {
	if err := os.MkdirAll(p.ConfigDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(p.DataDir, 0755); err != nil {
		return err
	}
	return nil
}
