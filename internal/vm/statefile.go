package vm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// BootRecord holds per-machine run history that survives restarts.
type BootRecord struct {
	LastBoot     time.Time `json:"last_boot,omitempty"`
	LastShutdown time.Time `json:"last_shutdown,omitempty"`
	BootCount    int       `json:"boot_count"`

	// CleanShutdown is false while the guest runs and after an engine error.
	CleanShutdown bool `json:"clean_shutdown"`

	// LastError is the engine error that ended the previous run, if any.
	LastError string `json:"last_error,omitempty"`
}

// StateFile stores a machine's BootRecord as state.json in its directory.
// A nil *StateFile discards all records.
type StateFile struct {
	path string
}

// NewStateFile returns the state file inside a machine directory.
func NewStateFile(dataDir string) *StateFile {
	return &StateFile{
		path: filepath.Join(dataDir, "state.json"),
	}
}

// Load reads the record. A missing file yields an empty record.
func (s *StateFile) Load() (*BootRecord, error) {
	if s == nil {
		return &BootRecord{}, nil
	}
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &BootRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var rec BootRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}

	return &rec, nil
}

// Save writes the record atomically.
func (s *StateFile) Save(rec *BootRecord) error {
	if s == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}

	return os.Rename(tmpPath, s.path)
}

// RecordBoot counts a new boot and marks the run as not yet cleanly ended.
func (s *StateFile) RecordBoot() error {
	if s == nil {
		return nil
	}
	rec, err := s.Load()
	if err != nil {
		return err
	}

	rec.LastBoot = time.Now()
	rec.BootCount++
	rec.CleanShutdown = false
	rec.LastError = ""

	return s.Save(rec)
}

// RecordShutdown records the end of a run. A nil cause is a clean shutdown.
func (s *StateFile) RecordShutdown(cause error) error {
	if s == nil {
		return nil
	}
	rec, err := s.Load()
	if err != nil {
		return err
	}

	rec.LastShutdown = time.Now()
	rec.CleanShutdown = cause == nil
	rec.LastError = ""
	if cause != nil {
		rec.LastError = cause.Error()
	}

	return s.Save(rec)
}
