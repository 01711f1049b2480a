package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jaennil/guide_helper/backend/tileloader/internal/tile"
)

const (
	defaultDirPerm  = 0o755
	defaultFilePerm = 0o644
)

// Disk maps tile keys to files under one directory. Files are written once
// through a temp file and a rename, so readers never see partial tiles.
type Disk struct {
	dir string
	ext map[string]string

	mu       sync.Mutex
	dirReady bool
}

// NewDisk does not touch the filesystem; the directory is created on first write.
func NewDisk(dir string, sources ...*tile.Source) (*Disk, error) {
	if dir == "" {
		return nil, errors.New("cache dir is empty")
	}

	ext := make(map[string]string, len(sources))
	for _, s := range sources {
		ext[s.ID] = s.ImageExt
	}

	return &Disk{dir: dir, ext: ext}, nil
}

func (c *Disk) Dir() string {
	return c.dir
}

// Path is {dir}/{source}_{z}_{x}_{y}.{ext}.
func (c *Disk) Path(k tile.Key) string {
	ext, ok := c.ext[k.Source]
	if !ok || ext == "" {
		ext = "png"
	}
	return filepath.Join(c.dir, fmt.Sprintf("%s_%d_%d_%d.%s", k.Source, k.Zoom(), k.Col(), k.Row(), ext))
}

func (c *Disk) Exists(k tile.Key) bool {
	return c.ExistsAt(c.Path(k))
}

// ExistsAt reports whether a regular file is in place at path.
func (c *Disk) ExistsAt(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func (c *Disk) Read(k tile.Key) (TileCacheValue, bool, error) {
	content, err := os.ReadFile(c.Path(k))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}

	return content, true, nil
}

// Write stores v for k. A file already in place is left untouched.
func (c *Disk) Write(k tile.Key, v TileCacheValue) error {
	return c.WriteAt(c.Path(k), v)
}

// WriteAt stores v at path, which may lie outside the cache dir. The temp file
// is created next to path so the rename never crosses filesystems.
func (c *Disk) WriteAt(path string, v TileCacheValue) error {
	dir := filepath.Dir(path)
	if err := c.ensureDir(dir); err != nil {
		return err
	}

	if _, err := os.Stat(path); err == nil {
		return nil
	}

	tmp, err := os.CreateTemp(dir, ".tile-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(v); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, defaultFilePerm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		if _, statErr := os.Stat(path); statErr == nil {
			return nil
		}
		return fmt.Errorf("rename into place: %w", err)
	}

	return nil
}

func (c *Disk) ensureDir(dir string) error {
	if dir != filepath.Clean(c.dir) {
		if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
			return fmt.Errorf("create tile dir: %w", err)
		}
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dirReady {
		return nil
	}
	if err := os.MkdirAll(c.dir, defaultDirPerm); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	c.dirReady = true
	return nil
}
