package raster

import (
	"fmt"
	"sync"

	"github.com/kilupskalvis/hsipatch/internal/models"
)

// Memory is a dataset backed by a band-major sample slice.
type Memory struct {
	meta Meta
	data []float32
}

// NewMemory wraps data, which must hold Bands*Height*Width samples.
func NewMemory(meta Meta, data []float32) (*Memory, error) {
	if want := meta.Bands * meta.Height * meta.Width; len(data) != want {
		return nil, fmt.Errorf("memory raster %s: have %d samples, want %d", meta.Name, len(data), want)
	}
	if meta.DType == "" {
		meta.DType = models.Float32
	}
	return &Memory{meta: meta, data: data}, nil
}

// Meta implements Dataset.
func (m *Memory) Meta() Meta { return m.meta }

// Read implements Dataset.
func (m *Memory) Read(w models.Window) (*models.Patch, error) {
	if err := checkWindow(m.meta, w); err != nil {
		return nil, err
	}
	p := models.NewPatch(m.meta.DType, m.meta.Bands, w.Height, w.Width)
	for c := 0; c < m.meta.Bands; c++ {
		for y := 0; y < w.Height; y++ {
			src := (c*m.meta.Height+w.Top+y)*m.meta.Width + w.Left
			dst := (c*w.Height + y) * w.Width
			copy(p.Data[dst:dst+w.Width], m.data[src:src+w.Width])
		}
	}
	return p, nil
}

// Close implements Dataset. A memory dataset stays readable after Close.
func (m *Memory) Close() error { return nil }

// MemoryOpener serves in-memory datasets by name.
type MemoryOpener struct {
	mu       sync.RWMutex
	datasets map[string]*Memory
	failures map[string]error
}

// NewMemoryOpener returns an empty opener.
func NewMemoryOpener() *MemoryOpener {
	return &MemoryOpener{
		datasets: make(map[string]*Memory),
		failures: make(map[string]error),
	}
}

// Add registers a dataset under its Meta.Name.
func (o *MemoryOpener) Add(m *Memory) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.datasets[m.meta.Name] = m
}

// Fail makes Open return err for path.
func (o *MemoryOpener) Fail(path string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures[path] = err
}

// Open implements Opener.
func (o *MemoryOpener) Open(path string) (Dataset, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if err, ok := o.failures[path]; ok {
		return nil, &AssetOpenError{Path: path, Err: err}
	}
	m, ok := o.datasets[path]
	if !ok {
		return nil, &AssetOpenError{Path: path, Err: fmt.Errorf("no such dataset")}
	}
	return m, nil
}
