package sortera

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/karrick/godirwalk"
	"k8s.io/klog/v2"
)

// FindOptions controls image discovery.
type FindOptions struct {
	Recursive  bool
	Extensions []string
	Hash       bool
}

// FindOptions returns the discovery options for this configuration.
func (c *Config) FindOptions() FindOptions {
	exts := c.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	if c.Curation.Disabled {
		exts = append(slices.Clone(exts), RawExtensions...)
	}
	return FindOptions{Recursive: c.Recursive, Extensions: exts, Hash: c.Hash}
}

// Supported returns true if path has one of the given extensions.
func Supported(path string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}

// IsRaw returns true for camera raw files, which are never modified in place.
func IsRaw(path string) bool {
	return Supported(path, RawExtensions)
}

// Find returns the supported images under root in lexical path order.
func Find(root string, o FindOptions) ([]ImageRecord, error) {
	found := []ImageRecord{}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("abs: %w", err)
	}

	err = godirwalk.Walk(absRoot, &godirwalk.Options{
		Unsorted: false,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if path != absRoot && filepath.Base(path)[0] == '.' {
				return godirwalk.SkipThis
			}

			if de.IsDir() {
				if path != absRoot && !o.Recursive {
					return godirwalk.SkipThis
				}
				return nil
			}

			if !Supported(path, o.Extensions) {
				return nil
			}

			klog.V(1).Infof("found %s", path)
			i, err := NewImageRecord(absRoot, path, o.Hash)
			if err != nil {
				klog.Errorf("unable to read %s: %v", path, err)
				return nil
			}
			found = append(found, i)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("walk: %w", err)
	}

	slices.SortFunc(found, func(a, b ImageRecord) int { return strings.Compare(a.Path, b.Path) })
	return found, nil
}
