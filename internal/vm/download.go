package vm

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/javanstorm/vmdeck/pkg/vmconfig"
)

// bundleConfig is the configuration file at the root of a machine bundle.
const bundleConfig = "config.yaml"

// Import downloads a zipped machine bundle from rawURL and registers it
// under a name not yet in use. The bundle holds config.yaml and the drive
// images it references by relative path.
func (mg *Manager) Import(ctx context.Context, rawURL string) (*Machine, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("import: unsupported bundle URL %q", rawURL)
	}

	downloads := filepath.Join(mg.opts.DataDir, "downloads")
	if err := os.MkdirAll(downloads, 0755); err != nil {
		return nil, fmt.Errorf("create downloads dir: %w", err)
	}
	staging := filepath.Join(downloads, uuid.NewString())
	archive := staging + ".zip"
	defer func() {
		for _, p := range []string{archive, staging} {
			if err := os.RemoveAll(p); err != nil {
				mg.log.WithError(err).Warn("Failed to clean import staging")
			}
		}
	}()

	if err := mg.download(ctx, u, archive); err != nil {
		return nil, err
	}
	if err := extractZip(archive, staging); err != nil {
		return nil, err
	}

	root, err := bundleRoot(staging)
	if err != nil {
		return nil, err
	}
	cfg, err := vmconfig.NewFileStore(filepath.Join(root, bundleConfig)).Load()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}

	base := cfg.Name
	if base == "" {
		base = strings.TrimSuffix(path.Base(u.Path), path.Ext(u.Path))
	}
	mg.createMu.Lock()
	cfg.Name = mg.NewDefaultName(base)
	if err := validName(cfg.Name); err != nil {
		mg.createMu.Unlock()
		return nil, err
	}
	stored, err := mg.registerLocked(cfg.Name, time.Time{})
	mg.createMu.Unlock()
	if err != nil {
		return nil, err
	}

	m, err := mg.adopt(*stored, cfg, root)
	if err != nil {
		mg.library.Delete(cfg.Name)
		mg.library.DeleteData(cfg.Name)
		return nil, err
	}
	mg.log.WithFields(logrus.Fields{"machine": m.Name(), "url": rawURL}).Info("Machine imported")
	return m, nil
}

// adopt moves the bundle contents into the machine directory, points the
// drives at their new location and registers the machine.
func (mg *Manager) adopt(entry LibraryEntry, cfg *vmconfig.Configuration, root string) (*Machine, error) {
	dir := mg.library.MachineDir(entry.Name)

	files, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	for _, f := range files {
		if f.Name() == bundleConfig {
			continue
		}
		if err := os.Rename(filepath.Join(root, f.Name()), filepath.Join(dir, f.Name())); err != nil {
			return nil, fmt.Errorf("move bundle file: %w", err)
		}
	}

	for i, d := range cfg.Drives {
		if !d.HasMedia() {
			continue
		}
		if filepath.IsAbs(d.ImagePath) {
			// Host paths from the machine that built the bundle mean nothing here.
			if d.Status == vmconfig.DriveFixed {
				return nil, fmt.Errorf("%w: drive %d uses host path %s", ErrInvalidBundle, i, d.ImagePath)
			}
			cfg.Drives[i].ImagePath = ""
			cfg.Drives[i].Status = vmconfig.DriveEjected
			continue
		}
		local, err := withinDir(dir, d.ImagePath)
		if err != nil {
			return nil, err
		}
		cfg.Drives[i].ImagePath = local
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	return mg.install(entry, cfg)
}

// download fetches u into dest through a .tmp file, drawing a progress bar
// when the manager has a progress writer.
func (mg *Manager) download(ctx context.Context, u *url.URL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("download %s: %w", u, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: %s", u, resp.Status)
	}

	tmpPath := dest + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create download file: %w", err)
	}

	var (
		body     io.Reader = resp.Body
		progress *mpb.Progress
		bar      *mpb.Bar
	)
	if mg.opts.Progress != nil {
		progress, bar = progressBar(mg.opts.Progress, "Downloading "+path.Base(u.Path), resp.ContentLength)
		proxy := bar.ProxyReader(resp.Body)
		defer proxy.Close()
		body = proxy
	}

	_, err = io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if progress != nil {
		switch {
		case err != nil:
			bar.Abort(false)
		case resp.ContentLength <= 0:
			// Unknown length: whatever arrived is the total.
			bar.SetTotal(-1, true)
		}
		progress.Wait()
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("download %s: %w", u, err)
	}
	return os.Rename(tmpPath, dest)
}

func progressBar(out io.Writer, prefix string, size int64) (*mpb.Progress, *mpb.Bar) {
	p := mpb.New(
		mpb.WithOutput(out),
		mpb.WithWidth(80),
		mpb.WithRefreshRate(180*time.Millisecond),
	)
	bar := p.AddBar(size,
		mpb.BarFillerClearOnComplete(),
		mpb.PrependDecorators(
			decor.OnComplete(decor.Name(prefix), prefix+": done"),
		),
		mpb.AppendDecorators(
			decor.OnComplete(decor.CountersKibiByte("%.1f / %.1f"), ""),
		),
	)
	return p, bar
}

// extractZip unpacks archive into dest. Entries that would land outside
// dest are rejected.
func extractZip(archive, dest string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	defer r.Close()

	if err := os.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	for _, zf := range r.File {
		target, err := withinDir(dest, zf.Name)
		if err != nil {
			return err
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("extract %s: %w", zf.Name, err)
			}
			continue
		}
		if !zf.Mode().IsRegular() {
			return fmt.Errorf("%w: %s is not a regular file", ErrInvalidBundle, zf.Name)
		}
		if err := extractFile(zf, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(zf *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("extract %s: %w", zf.Name, err)
	}
	src, err := zf.Open()
	if err != nil {
		return fmt.Errorf("extract %s: %w", zf.Name, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("extract %s: %w", zf.Name, err)
	}
	_, err = io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("extract %s: %w", zf.Name, err)
	}
	return nil
}

// withinDir joins name onto dir and fails if the result escapes dir.
func withinDir(dir, name string) (string, error) {
	target := filepath.Join(dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q escapes the bundle", ErrInvalidBundle, name)
	}
	return target, nil
}

// bundleRoot finds the directory holding config.yaml: the staging dir
// itself or its only subdirectory.
func bundleRoot(staging string) (string, error) {
	if _, err := os.Stat(filepath.Join(staging, bundleConfig)); err == nil {
		return staging, nil
	}
	entries, err := os.ReadDir(staging)
	if err != nil {
		return "", fmt.Errorf("read bundle: %w", err)
	}
	if len(entries) == 1 && entries[0].IsDir() {
		root := filepath.Join(staging, entries[0].Name())
		if _, err := os.Stat(filepath.Join(root, bundleConfig)); err == nil {
			return root, nil
		}
	}
	return "", fmt.Errorf("%w: no %s found", ErrInvalidBundle, bundleConfig)
}
