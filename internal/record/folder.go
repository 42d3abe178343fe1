package record

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gitNoodler/wankr-sub000/internal/paths"
)

// TimestampFormat is the ISO-8601 layout embedded in record filenames.
// Colons are replaced so names stay portable.
const TimestampFormat = "2006-01-02T15-04-05.000Z"

// FileName builds "<timestamp>_<sanitized id>" plus [Ext].
func FileName(at time.Time, id string) string {
	return at.UTC().Format(TimestampFormat) + "_" + paths.Sanitize(id) + Ext
}

// WriteFile encodes v and writes it to dir/name, creating dir as
// needed. If name is taken a numeric suffix is added; the path
// actually written is returned.
func WriteFile(dir, name string, v any) (string, error) {
	data, err := Encode(v)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}

	base := strings.TrimSuffix(name, Ext)
	for i := 0; ; i++ {
		candidate := name
		if i > 0 {
			candidate = base + "-" + strconv.Itoa(i) + Ext
		}
		path := filepath.Join(dir, candidate)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create %s: %w", path, err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("write %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close %s: %w", path, err)
		}
		return path, nil
	}
}

// CappedFolder is a directory that keeps only the MaxFiles most
// recently written records. Older files are deleted after each write.
// Writes through one CappedFolder are serialized; use it by pointer.
type CappedFolder struct {
	Dir      string
	MaxFiles int

	// OnEvict, if set, is called once per file removed by rotation.
	OnEvict func(path string)

	mu sync.Mutex
}

// Write stores v under a timestamped name derived from id, then trims
// the folder to MaxFiles. A rotation failure after a successful write
// is returned alongside the written path.
func (c *CappedFolder) Write(id string, v any) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	path, err := WriteFile(c.Dir, FileName(time.Now(), id), v)
	if err != nil {
		return "", err
	}
	if err := c.rotate(); err != nil {
		return path, fmt.Errorf("rotate %s: %w", c.Dir, err)
	}
	return path, nil
}

// rotate deletes the oldest files (by modification time, then name)
// beyond MaxFiles.
func (c *CappedFolder) rotate() error {
	if c.MaxFiles <= 0 {
		return nil
	}
	files, err := List(c.Dir)
	if err != nil {
		return err
	}
	excess := len(files) - c.MaxFiles
	var errs []error
	for i := 0; i < excess; i++ {
		err := os.Remove(files[i].Path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if c.OnEvict != nil {
			c.OnEvict(files[i].Path)
		}
	}
	return errors.Join(errs...)
}

// File describes a record file on disk.
type File struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// List returns the regular files in dir sorted oldest first by
// modification time, ties broken by name. A missing dir yields an
// empty list.
func List(dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	files := make([]File, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		files = append(files, File{
			Path:    filepath.Join(dir, e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		if !files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].ModTime.Before(files[j].ModTime)
		}
		return files[i].Path < files[j].Path
	})
	return files, nil
}
