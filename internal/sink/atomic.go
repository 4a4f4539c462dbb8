package sink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// File is one destination of an atomic write.
type File struct {
	Path string
	Data []byte
}

// WriteFileAtomic writes data to a temporary file next to path and renames it into
// place, so readers see either the old file or the complete new one.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	return WriteFilesAtomic(perm, File{Path: path, Data: data})
}

// WriteFilesAtomic stages every file completely before any of them is renamed into
// place. A failure while staging leaves all destinations untouched.
func WriteFilesAtomic(perm os.FileMode, files ...File) (err error) {
	pending := make([]*renameio.PendingFile, 0, len(files))
	defer func() {
		for _, p := range pending {
			_ = p.Cleanup()
		}
	}()

	for _, f := range files {
		p, err := stage(f, perm)
		if err != nil {
			return err
		}
		pending = append(pending, p)
	}

	dirs := make(map[string]struct{}, len(files))
	for i, p := range pending {
		if err = p.CloseAtomicallyReplace(); err != nil {
			return fmt.Errorf("replace %s: %w", files[i].Path, err)
		}
		dirs[filepath.Dir(files[i].Path)] = struct{}{}
	}
	for dir := range dirs {
		if err = syncDir(dir); err != nil {
			return err
		}
	}
	return nil
}

func stage(f File, perm os.FileMode) (*renameio.PendingFile, error) {
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dir %s: %w", dir, err)
	}
	if fi, err := os.Stat(f.Path); err == nil && fi.IsDir() {
		return nil, fmt.Errorf("write %s: %w", f.Path, errors.New("destination is a directory"))
	}
	p, err := renameio.NewPendingFile(f.Path, renameio.WithTempDir(dir), renameio.WithStaticPermissions(perm))
	if err != nil {
		return nil, fmt.Errorf("create temp file for %s: %w", f.Path, err)
	}
	if _, err = p.Write(f.Data); err != nil {
		_ = p.Cleanup()
		return nil, fmt.Errorf("write %s: %w", p.Name(), err)
	}
	if err = p.Sync(); err != nil {
		_ = p.Cleanup()
		return nil, fmt.Errorf("sync %s: %w", p.Name(), err)
	}
	return p, nil
}

// syncDir makes the renames in dir durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir %s: %w", dir, err)
	}
	defer d.Close()
	if err = d.Sync(); err != nil {
		return fmt.Errorf("sync dir %s: %w", dir, err)
	}
	return nil
}
