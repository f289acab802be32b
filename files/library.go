// Package files is the local staging library for sliced print files:
// a flat directory of files waiting to be uploaded to a printer.
package files

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// sliceExtensions are the file types printers accept. Anything else is
// rejected at save time.
var sliceExtensions = map[string]bool{
	".ctb":    true,
	".goo":    true,
	".prz":    true,
	".cbddlp": true,
}

// Entry describes one staged file.
type Entry struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// DiskUsage is the filesystem capacity of the staging directory.
type DiskUsage struct {
	Total uint64 `json:"total"`
	Used  uint64 `json:"used"`
	Free  uint64 `json:"free"`
}

// Library manages the staging directory.
type Library struct {
	dir string
}

// NewLibrary creates a library rooted at dir, creating it if needed.
func NewLibrary(dir string) (*Library, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating file library %s: %w", dir, err)
	}
	return &Library{dir: dir}, nil
}

// Dir returns the staging directory path.
func (l *Library) Dir() string {
	return l.dir
}

// Accepts reports whether the filename has a printable extension.
func Accepts(filename string) bool {
	return sliceExtensions[strings.ToLower(filepath.Ext(filename))]
}

// List returns the staged files sorted by name.
func (l *Library) List() ([]Entry, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("listing file library: %w", err)
	}

	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !Accepts(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{
			Name:     e.Name(),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Save stages a file. The name must be a bare filename with an accepted
// extension; path separators are rejected.
func (l *Library) Save(name string, data []byte) error {
	if err := l.validate(name); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(l.dir, name), data, 0644)
}

// Read returns a staged file's contents.
func (l *Library) Read(name string) ([]byte, error) {
	if err := l.validate(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(l.dir, name))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return data, nil
}

// Delete removes a staged file.
func (l *Library) Delete(name string) error {
	if err := l.validate(name); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(l.dir, name)); err != nil {
		return fmt.Errorf("deleting %s: %w", name, err)
	}
	return nil
}

// Usage returns the disk usage of the staging directory's filesystem.
func (l *Library) Usage() DiskUsage {
	total, free := diskUsage(l.dir)
	return DiskUsage{Total: total, Used: total - free, Free: free}
}

func (l *Library) validate(name string) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid filename %q", name)
	}
	if !Accepts(name) {
		return fmt.Errorf("unsupported file type %q", filepath.Ext(name))
	}
	return nil
}
