// Package nested holds padded image batches: a dense NCHW tensor plus a
// boolean mask that marks padded positions.
package nested

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-backbone/internal/device"
)

var (
	// ErrEmptyBatch is returned when a batch is built from no images.
	ErrEmptyBatch = errors.New("nested: empty batch")

	// ErrChannelMismatch is returned when images disagree on channel count.
	ErrChannelMismatch = errors.New("nested: channel count mismatch")

	// ErrMissingMask is returned by consumers that need a padding mask
	// when the batch has none.
	ErrMissingMask = errors.New("nested: mask is required")
)

// Mask is a boolean [N, H, W] grid. True marks a padded (invalid) position.
type Mask struct {
	N, H, W int
	data    []bool
}

// NewMask returns an all-valid mask.
func NewMask(n, h, w int) *Mask {
	return &Mask{N: n, H: h, W: w, data: make([]bool, n*h*w)}
}

// At reports whether position (i, y, x) is padding.
func (m *Mask) At(i, y, x int) bool {
	return m.data[(i*m.H+y)*m.W+x]
}

// Set marks position (i, y, x).
func (m *Mask) Set(i, y, x int, padded bool) {
	m.data[(i*m.H+y)*m.W+x] = padded
}

// Item returns the [H*W] row-major mask of batch item i. It shares storage.
func (m *Mask) Item(i int) []bool {
	plane := m.H * m.W
	return m.data[i*plane : (i+1)*plane]
}

// Clone returns a deep copy.
func (m *Mask) Clone() *Mask {
	out := &Mask{N: m.N, H: m.H, W: m.W, data: make([]bool, len(m.data))}
	copy(out.data, m.data)
	return out
}

// Resize aligns the mask with a feature map of h x w. The mask is converted
// to float, resampled with nearest interpolation and thresholded back, so
// every output position reflects the input position it was sampled from.
func (m *Mask) Resize(backend device.Backend, h, w int) *Mask {
	if h == m.H && w == m.W {
		return m.Clone()
	}
	f := backend.GetTensor(1, m.N, m.H, m.W)
	defer backend.PutTensor(f)
	data := f.Data()
	for i, padded := range m.data {
		if padded {
			data[i] = 1
		}
	}

	resized := f.InterpolateNearest(h, w).Data()
	out := NewMask(m.N, h, w)
	for i, v := range resized {
		out.data[i] = v != 0
	}
	return out
}

// ValidFraction returns the share of non-padded positions of item i.
func (m *Mask) ValidFraction(i int) float64 {
	item := m.Item(i)
	valid := 0
	for _, padded := range item {
		if !padded {
			valid++
		}
	}
	return float64(valid) / float64(len(item))
}

// ValidSize returns the height and width of the unpadded top-left region
// of item i.
func (m *Mask) ValidSize(i int) (int, int) {
	h, w := 0, 0
	for y := 0; y < m.H; y++ {
		if !m.At(i, y, 0) {
			h = y + 1
		}
	}
	for x := 0; x < m.W; x++ {
		if !m.At(i, 0, x) {
			w = x + 1
		}
	}
	return h, w
}

// Tensor pairs a batch tensor [N, C, H, W] with its padding mask.
// Mask may be nil for inputs that were never padded.
type Tensor struct {
	Tensors device.Tensor
	Mask    *Mask
}

// New wraps a tensor and mask, checking that their shapes agree.
func New(t device.Tensor, mask *Mask) (*Tensor, error) {
	shape := t.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("%w: expected NCHW tensor, got %v", device.ErrShapeMismatch, shape)
	}
	if mask != nil && (mask.N != shape[0] || mask.H != shape[2] || mask.W != shape[3]) {
		return nil, fmt.Errorf("%w: mask %dx%dx%d for tensor %v", device.ErrShapeMismatch, mask.N, mask.H, mask.W, shape)
	}
	return &Tensor{Tensors: t, Mask: mask}, nil
}

// Decompose returns the tensor and mask.
func (n *Tensor) Decompose() (device.Tensor, *Mask) {
	return n.Tensors, n.Mask
}

// FromImages stacks [C, H, W] images into one zero-padded batch sized to the
// largest height and width. Padded positions are marked in the mask.
func FromImages(backend device.Backend, images []device.Tensor) (*Tensor, error) {
	if len(images) == 0 {
		return nil, ErrEmptyBatch
	}

	c := -1
	maxH, maxW := 0, 0
	for i, img := range images {
		shape := img.Shape()
		if len(shape) != 3 {
			return nil, fmt.Errorf("%w: image %d has shape %v, want [C, H, W]", device.ErrShapeMismatch, i, shape)
		}
		if c == -1 {
			c = shape[0]
		} else if shape[0] != c {
			return nil, fmt.Errorf("%w: image %d has %d channels, want %d", ErrChannelMismatch, i, shape[0], c)
		}
		if shape[1] > maxH {
			maxH = shape[1]
		}
		if shape[2] > maxW {
			maxW = shape[2]
		}
	}

	n := len(images)
	batch := backend.NewTensor([]int{n, c, maxH, maxW}, nil)
	dst := batch.Data()
	mask := NewMask(n, maxH, maxW)
	for i := range mask.data {
		mask.data[i] = true
	}

	for i, img := range images {
		shape := img.Shape()
		h, w := shape[1], shape[2]
		src := img.Data()
		for ch := 0; ch < c; ch++ {
			for y := 0; y < h; y++ {
				srcRow := src[(ch*h+y)*w : (ch*h+y+1)*w]
				dstStart := ((i*c+ch)*maxH + y) * maxW
				copy(dst[dstStart:dstStart+w], srcRow)
			}
		}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				mask.Set(i, y, x, false)
			}
		}
	}

	return &Tensor{Tensors: batch, Mask: mask}, nil
}
