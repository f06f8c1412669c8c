package models

import "fmt"

// Window locates a patch inside its source raster.
type Window struct {
	Top    int
	Left   int
	Height int
	Width  int
}

// String implements fmt.Stringer.
func (w Window) String() string {
	return fmt.Sprintf("[%d:%d, %d:%d]", w.Top, w.Top+w.Height, w.Left, w.Left+w.Width)
}

// Patch is a band-major (channel, height, width) array cropped from one
// window of one raster. Samples are held as float32 regardless of the source
// datatype; DType records what they were read as.
type Patch struct {
	DType    DType
	Channels int
	Height   int
	Width    int
	Data     []float32
}

// NewPatch allocates a zeroed patch.
func NewPatch(dtype DType, channels, height, width int) *Patch {
	return &Patch{
		DType:    dtype,
		Channels: channels,
		Height:   height,
		Width:    width,
		Data:     make([]float32, channels*height*width),
	}
}

// Len returns the number of samples in the patch.
func (p *Patch) Len() int {
	return p.Channels * p.Height * p.Width
}

// Plane returns the samples of channel c.
func (p *Patch) Plane(c int) []float32 {
	n := p.Height * p.Width
	return p.Data[c*n : (c+1)*n]
}

// At returns the sample at (c, y, x).
func (p *Patch) At(c, y, x int) float32 {
	return p.Data[(c*p.Height+y)*p.Width+x]
}

// Leading returns a patch restricted to the first n channels. The returned
// patch shares storage with p. n <= 0 or n >= Channels returns p itself.
func (p *Patch) Leading(n int) *Patch {
	if n <= 0 || n >= p.Channels {
		return p
	}
	return &Patch{
		DType:    p.DType,
		Channels: n,
		Height:   p.Height,
		Width:    p.Width,
		Data:     p.Data[:n*p.Height*p.Width],
	}
}

// Shape returns the (channels, height, width) triple.
func (p *Patch) Shape() []int {
	return []int{p.Channels, p.Height, p.Width}
}
