package raster

import (
	"fmt"

	"github.com/kilupskalvis/hsipatch/internal/models"
)

// Meta describes a raster.
type Meta struct {
	Name   string
	Bands  int
	Height int
	Width  int
	DType  models.DType
}

// Dataset is an open raster supporting random-access window reads.
type Dataset interface {
	Meta() Meta
	// Read returns the (bands, height, width) samples of the window.
	Read(w models.Window) (*models.Patch, error)
	Close() error
}

// Opener opens datasets by path.
type Opener interface {
	Open(path string) (Dataset, error)
}

// AssetOpenError reports a raster that could not be opened.
type AssetOpenError struct {
	Path string
	Err  error
}

func (e *AssetOpenError) Error() string {
	return fmt.Sprintf("open raster %s: %v", e.Path, e.Err)
}

func (e *AssetOpenError) Unwrap() error { return e.Err }

// WindowReadError reports a window that could not be read, usually because
// it falls outside the raster.
type WindowReadError struct {
	Path   string
	Window models.Window
	Err    error
}

func (e *WindowReadError) Error() string {
	return fmt.Sprintf("read window %s of %s: %v", e.Window, e.Path, e.Err)
}

func (e *WindowReadError) Unwrap() error { return e.Err }

// checkWindow verifies that w lies within the raster.
func checkWindow(m Meta, w models.Window) error {
	if w.Height <= 0 || w.Width <= 0 {
		return &WindowReadError{Path: m.Name, Window: w, Err: fmt.Errorf("empty window")}
	}
	if w.Top < 0 || w.Left < 0 || w.Top+w.Height > m.Height || w.Left+w.Width > m.Width {
		return &WindowReadError{
			Path:   m.Name,
			Window: w,
			Err:    fmt.Errorf("outside raster bounds %dx%d", m.Height, m.Width),
		}
	}
	return nil
}
