package vm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// LibraryEntry records one machine known to the library.
type LibraryEntry struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// LibraryData holds the library file contents.
type LibraryData struct {
	Machines []LibraryEntry `json:"machines"`
}

// Library is the on-disk index of machines. Each machine owns a directory
// under machines/ holding its configuration, boot records and images.
// Updates through one Library are serialized.
type Library struct {
	baseDir     string
	libraryPath string
	activePath  string

	mu sync.Mutex
}

// NewLibrary creates a library rooted at baseDir.
func NewLibrary(baseDir string) *Library {
	return &Library{
		baseDir:     baseDir,
		libraryPath: filepath.Join(baseDir, "library.json"),
		activePath:  filepath.Join(baseDir, "active"),
	}
}

// Load reads the library from disk. A missing file is an empty library.
func (l *Library) Load() (*LibraryData, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load()
}

func (l *Library) load() (*LibraryData, error) {
	data, err := os.ReadFile(l.libraryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &LibraryData{Machines: []LibraryEntry{}}, nil
		}
		return nil, fmt.Errorf("read library: %w", err)
	}

	var lib LibraryData
	if err := json.Unmarshal(data, &lib); err != nil {
		return nil, fmt.Errorf("parse library: %w", err)
	}
	return &lib, nil
}

// Save writes the library to disk.
func (l *Library) Save(lib *LibraryData) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.save(lib)
}

// save replaces the library file through a uniquely named temporary file in
// the same directory.
func (l *Library) save(lib *LibraryData) error {
	if err := os.MkdirAll(l.baseDir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	sort.Slice(lib.Machines, func(i, j int) bool {
		return lib.Machines[i].Name < lib.Machines[j].Name
	})
	data, err := json.MarshalIndent(lib, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal library: %w", err)
	}

	tmp, err := os.CreateTemp(l.baseDir, "library-*.json.tmp")
	if err != nil {
		return fmt.Errorf("write library: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write library: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write library: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write library: %w", err)
	}
	if err := os.Rename(tmpPath, l.libraryPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace library: %w", err)
	}
	return nil
}

// Add registers a machine and creates its directory.
func (l *Library) Add(entry LibraryEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	lib, err := l.load()
	if err != nil {
		return err
	}

	for _, e := range lib.Machines {
		if e.Name == entry.Name {
			return fmt.Errorf("%w: %q", ErrDuplicateName, entry.Name)
		}
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	lib.Machines = append(lib.Machines, entry)

	if err := os.MkdirAll(l.MachineDir(entry.Name), 0755); err != nil {
		return fmt.Errorf("create machine directory: %w", err)
	}
	return l.save(lib)
}

// Get returns the entry for name.
func (l *Library) Get(name string) (*LibraryEntry, error) {
	lib, err := l.Load()
	if err != nil {
		return nil, err
	}
	for _, e := range lib.Machines {
		if e.Name == name {
			return &e, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrMachineNotFound, name)
}

// List returns all entries sorted by name.
func (l *Library) List() ([]LibraryEntry, error) {
	lib, err := l.Load()
	if err != nil {
		return nil, err
	}
	sort.Slice(lib.Machines, func(i, j int) bool {
		return lib.Machines[i].Name < lib.Machines[j].Name
	})
	return lib.Machines, nil
}

// Delete removes name from the index. Its directory is left alone; see
// DeleteData.
func (l *Library) Delete(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	lib, err := l.load()
	if err != nil {
		return err
	}

	found := false
	kept := make([]LibraryEntry, 0, len(lib.Machines))
	for _, e := range lib.Machines {
		if e.Name == name {
			found = true
		} else {
			kept = append(kept, e)
		}
	}
	if !found {
		return fmt.Errorf("%w: %q", ErrMachineNotFound, name)
	}
	lib.Machines = kept

	if active, _ := l.Active(); active == name {
		l.ClearActive()
	}
	return l.save(lib)
}

// SetActive selects the machine commands act on by default.
func (l *Library) SetActive(name string) error {
	if _, err := l.Get(name); err != nil {
		return err
	}
	if err := os.MkdirAll(l.baseDir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(l.activePath, []byte(name), 0644); err != nil {
		return fmt.Errorf("write active file: %w", err)
	}
	return nil
}

// Active returns the name of the active machine, or "" when none is set.
func (l *Library) Active() (string, error) {
	data, err := os.ReadFile(l.activePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read active file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ClearActive removes the active machine setting.
func (l *Library) ClearActive() error {
	if err := os.Remove(l.activePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove active file: %w", err)
	}
	return nil
}

// MachineDir returns the data directory for a machine.
func (l *Library) MachineDir(name string) string {
	return filepath.Join(l.baseDir, "machines", name)
}

// ConfigPath returns the configuration file of a machine.
func (l *Library) ConfigPath(name string) string {
	return filepath.Join(l.MachineDir(name), "config.yaml")
}

// DeleteData removes the machine's directory and everything in it.
func (l *Library) DeleteData(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("refusing to delete data for machine %q", name)
	}
	if err := os.RemoveAll(l.MachineDir(name)); err != nil {
		return fmt.Errorf("remove machine data: %w", err)
	}
	return nil
}
