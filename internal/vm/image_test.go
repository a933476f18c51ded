package vm

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewDriveImage(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "machines", "alpha")
	im := NewImageManager(dir)

	path, err := im.NewDriveImage(16)
	if err != nil {
		t.Fatalf("NewDriveImage: %v", err)
	}
	if want := filepath.Join(dir, "drive-0.img"); path != want {
		t.Errorf("path = %q, want %q", path, want)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != 16*1024*1024 {
		t.Errorf("size = %d, want %d", info.Size(), 16*1024*1024)
	}
}

func TestNewDriveImageNumbering(t *testing.T) {
	dir := t.TempDir()
	im := NewImageManager(dir)

	// drive-1 is taken by something else; numbering skips it.
	if err := os.WriteFile(filepath.Join(dir, "drive-1.img"), []byte("keep"), 0644); err != nil {
		t.Fatal(err)
	}

	var got []string
	for i := 0; i < 3; i++ {
		path, err := im.NewDriveImage(1)
		if err != nil {
			t.Fatalf("NewDriveImage #%d: %v", i, err)
		}
		got = append(got, filepath.Base(path))
	}
	want := []string{"drive-0.img", "drive-2.img", "drive-3.img"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("image %d = %s, want %s", i, got[i], want[i])
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, "drive-1.img"))
	if err != nil || string(data) != "keep" {
		t.Errorf("existing image was touched: %q, %v", data, err)
	}
}

func TestNewDriveImageRejectsZeroSize(t *testing.T) {
	im := NewImageManager(t.TempDir())
	for _, size := range []int64{0, -5} {
		if _, err := im.NewDriveImage(size); err == nil {
			t.Errorf("NewDriveImage(%d) should fail", size)
		}
	}
}
