package cli

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/kilupskalvis/hsipatch/internal/export"
)

var rasterExts = []string{".tif", ".tiff"}

func isRaster(name string) bool {
	return slices.Contains(rasterExts, strings.ToLower(filepath.Ext(name)))
}

// expandInputs resolves command arguments into raster paths. An argument
// may be a file, a directory (searched recursively for TIFFs), a glob
// pattern, or a CSV list prefixed with '@'. Duplicates are kept; the core
// rejects them with a clear message.
func expandInputs(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "@"):
			listed, err := export.ReadColumnFile(arg[1:])
			if err != nil {
				return nil, err
			}
			paths = append(paths, listed...)
		case strings.ContainsAny(arg, "*?["):
			matches, err := filepath.Glob(arg)
			if err != nil {
				return nil, fmt.Errorf("bad pattern %q: %w", arg, err)
			}
			if len(matches) == 0 {
				return nil, fmt.Errorf("no files match %q", arg)
			}
			paths = append(paths, matches...)
		default:
			info, err := os.Stat(arg)
			if err != nil {
				return nil, err
			}
			if !info.IsDir() {
				paths = append(paths, arg)
				continue
			}
			found, err := findRasters(arg)
			if err != nil {
				return nil, err
			}
			if len(found) == 0 {
				return nil, fmt.Errorf("no rasters in %s", arg)
			}
			paths = append(paths, found...)
		}
	}
	return paths, nil
}

func findRasters(dir string) ([]string, error) {
	var found []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isRaster(d.Name()) {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	return found, nil
}
