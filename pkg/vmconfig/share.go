package vmconfig

import (
	"fmt"
	"path/filepath"
)

// SharedDirectory is a host directory exposed to the guest. The cleaned
// host path is its identity.
type SharedDirectory struct {
	Path     string `yaml:"path"`
	ReadOnly bool   `yaml:"read_only,omitempty"`
	// Tag is the guest mount tag. Defaults to the directory's base name.
	Tag string `yaml:"tag,omitempty"`
}

func (s SharedDirectory) key() string {
	return filepath.Clean(s.Path)
}

// MountTag returns Tag, or the base name of Path when Tag is empty.
func (s SharedDirectory) MountTag() string {
	if s.Tag != "" {
		return s.Tag
	}
	return filepath.Base(filepath.Clean(s.Path))
}

// AddSharedDirectory appends s. A directory already shared fails with
// ErrDuplicateResource.
func (c *Configuration) AddSharedDirectory(s SharedDirectory) error {
	if s.Path == "" {
		return fmt.Errorf("%w: shared directory path is required", ErrInvalidConfiguration)
	}
	if c.HasSharedDirectory(s.Path) {
		return fmt.Errorf("%w: shared directory %s", ErrDuplicateResource, s.Path)
	}
	s.Path = filepath.Clean(s.Path)
	c.SharedDirectories = append(c.SharedDirectories, s)
	return nil
}

// RemoveSharedDirectory removes the share for path and returns it.
func (c *Configuration) RemoveSharedDirectory(path string) (SharedDirectory, error) {
	key := filepath.Clean(path)
	for i, s := range c.SharedDirectories {
		if s.key() == key {
			c.SharedDirectories = append(c.SharedDirectories[:i], c.SharedDirectories[i+1:]...)
			return s, nil
		}
	}
	return SharedDirectory{}, fmt.Errorf("%w: shared directory %s", ErrNotFound, path)
}

// HasSharedDirectory reports whether path is already shared.
func (c *Configuration) HasSharedDirectory(path string) bool {
	key := filepath.Clean(path)
	for _, s := range c.SharedDirectories {
		if s.key() == key {
			return true
		}
	}
	return false
}
