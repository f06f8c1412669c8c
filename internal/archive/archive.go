// Package archive unpacks delivered scene archives and collects the raster
// files inside them.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

// DefaultSuffix selects the spectral image of each scene.
const DefaultSuffix = "SPECTRAL_IMAGE.TIF"

// maxPasses bounds nested extraction.
const maxPasses = 8

// Kind of a recognized archive.
type Kind int

const (
	KindNone Kind = iota
	KindTarGz
	KindZip
)

// KindOf classifies a file name.
func KindOf(name string) Kind {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return KindTarGz
	case strings.HasSuffix(lower, ".zip"):
		return KindZip
	}
	return KindNone
}

// ExtractResult summarizes an ExtractTree run.
type ExtractResult struct {
	Extracted []string
	Passes    int
}

// ExtractTree extracts every archive under root next to itself and removes
// it afterwards. Archives found inside extracted content are handled by
// further passes until none remain. An archive that fails to extract is
// kept and reported; the others still proceed.
func ExtractTree(root string, log *slog.Logger) (*ExtractResult, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	res := &ExtractResult{}
	failed := make(map[string]bool)
	var errs *multierror.Error

	for res.Passes < maxPasses {
		var pending []string
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && KindOf(d.Name()) != KindNone && !failed[path] {
				pending = append(pending, path)
			}
			return nil
		})
		if err != nil {
			return res, fmt.Errorf("walk %s: %w", root, err)
		}
		if len(pending) == 0 {
			break
		}
		res.Passes++

		for _, path := range pending {
			if err := Extract(path, filepath.Dir(path)); err != nil {
				failed[path] = true
				errs = multierror.Append(errs, err)
				log.Warn("extract failed", "archive", path, "error", err)
				continue
			}
			if err := os.Remove(path); err != nil {
				failed[path] = true
				errs = multierror.Append(errs, fmt.Errorf("remove %s: %w", path, err))
				continue
			}
			log.Debug("extracted", "archive", path)
			res.Extracted = append(res.Extracted, path)
		}
	}
	return res, errs.ErrorOrNil()
}

// Extract unpacks one archive into dir.
func Extract(path, dir string) error {
	var err error
	switch KindOf(path) {
	case KindTarGz:
		err = extractTarGz(path, dir)
	case KindZip:
		err = extractZip(path, dir)
	default:
		err = fmt.Errorf("unrecognized archive type")
	}
	if err != nil {
		return fmt.Errorf("extract %s: %w", path, err)
	}
	return nil
}

func extractTarGz(path, dir string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		target, err := safeJoin(dir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		}
	}
}

func extractZip(path, dir string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, zf := range zr.File {
		target, err := safeJoin(dir, zf.Name)
		if err != nil {
			return err
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return err
		}
		err = writeFile(target, rc, zf.Mode().Perm())
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// safeJoin rejects entries that would land outside dir.
func safeJoin(dir, name string) (string, error) {
	target := filepath.Join(dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("entry %q escapes the extraction directory", name)
	}
	return target, nil
}

func writeFile(path string, r io.Reader, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0644
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Collect copies every file under src whose name ends in suffix into dst,
// flattening directories. Files already present in dst are skipped.
func Collect(src, dst, suffix string) (copied []string, err error) {
	if suffix == "" {
		suffix = DefaultSuffix
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dst, err)
	}
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), suffix) {
			return nil
		}
		target := filepath.Join(dst, d.Name())
		if _, err := os.Stat(target); err == nil {
			return nil
		}
		if err := copyFile(path, target); err != nil {
			return fmt.Errorf("copy %s: %w", path, err)
		}
		copied = append(copied, target)
		return nil
	})
	return copied, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return writeFile(dst, in, 0644)
}
