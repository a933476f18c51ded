package vm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const imageExt = ".img"

// ImageManager creates the raw backing images of one machine's drives.
type ImageManager struct {
	dataDir string
}

// NewImageManager creates an image manager for the given machine directory.
func NewImageManager(dataDir string) *ImageManager {
	return &ImageManager{dataDir: dataDir}
}

// NewDriveImage creates a sparse image named drive-N.img, where N is the
// first number not already taken, and returns its path.
func (m *ImageManager) NewDriveImage(sizeMB int64) (string, error) {
	if sizeMB <= 0 {
		return "", fmt.Errorf("create drive image: size must be positive, got %dMB", sizeMB)
	}
	if err := os.MkdirAll(m.dataDir, 0755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	for n := 0; ; n++ {
		path := m.imagePath(n)
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create drive image: %w", err)
		}
		// Truncate leaves the file sparse on Linux and macOS.
		err = f.Truncate(sizeMB * 1024 * 1024)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path)
			return "", fmt.Errorf("create drive image: %w", err)
		}
		return path, nil
	}
}

func (m *ImageManager) imagePath(n int) string {
	return filepath.Join(m.dataDir, fmt.Sprintf("drive-%d%s", n, imageExt))
}
