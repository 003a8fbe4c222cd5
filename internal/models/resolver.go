package models

import (
	"fmt"
	"os"
	"path/filepath"
)

// Resolver maps catalog models to files under the models directory.
//
// Layout:
//
//	<base>/<origin>/<author>/<filename>   current
//	<base>/<filename>                     legacy flat layout, read-only
//
// Local models always use their stored absolute path.
type Resolver struct {
	dir string
}

// NewResolver creates a Resolver rooted at dir.
func NewResolver(dir string) *Resolver {
	return &Resolver{dir: dir}
}

// Dir returns the models directory.
func (r *Resolver) Dir() string {
	return r.dir
}

// Candidates returns every path the model's file may live at, in lookup order.
func (r *Resolver) Candidates(m Model) []string {
	if m.Origin == OriginLocal {
		if m.FullPath == "" {
			return nil
		}
		return []string{m.FullPath}
	}
	author := m.Author
	if author == "" {
		author = "unknown"
	}
	return []string{
		filepath.Join(r.dir, string(m.Origin), author, m.Filename),
		filepath.Join(r.dir, m.Filename),
	}
}

// Destination returns where a download of m is written.
func (r *Resolver) Destination(m Model) string {
	c := r.Candidates(m)
	if len(c) == 0 {
		return ""
	}
	return c[0]
}

// Locate returns the first candidate path that exists on disk.
func (r *Resolver) Locate(m Model) (string, error) {
	for _, p := range r.Candidates(m) {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("model %q: file %s not found in %s", m.ID, m.Filename, r.dir)
}
