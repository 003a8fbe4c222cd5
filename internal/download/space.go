package download

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ThatCatDev/tanrenai/pocket/internal/models"
)

// SpaceChecker answers whether a model's file fits on the device.
type SpaceChecker interface {
	HasEnoughSpace(m models.Model) (bool, error)
}

// DiskSpace checks free space on the filesystem holding Dir.
type DiskSpace struct {
	Dir string
	// Reserve is kept free on top of the model size.
	Reserve uint64
}

// HasEnoughSpace reports whether m.Size plus the reserve fits. Platforms
// without a free-space query always report true.
func (d DiskSpace) HasEnoughSpace(m models.Model) (bool, error) {
	free, err := freeBytes(existingAncestor(d.Dir))
	if errors.Is(err, errors.ErrUnsupported) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("query free space in %s: %w", d.Dir, err)
	}
	if m.Size <= 0 {
		return true, nil
	}
	return free >= uint64(m.Size)+d.Reserve, nil
}

// existingAncestor walks up from dir until it finds a path that exists, so
// the query works before the models directory is created.
func existingAncestor(dir string) string {
	for {
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}
