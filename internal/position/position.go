// Package position computes the positional encodings attached to each
// backbone feature map.
package position

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/23skdu/longbow-backbone/internal/device"
	"github.com/23skdu/longbow-backbone/internal/nested"
	"github.com/23skdu/longbow-backbone/internal/nn"
)

// ErrUnknownEncoding is returned by Build for an unrecognised kind.
var ErrUnknownEncoding = errors.New("position: unknown encoding")

// MaxLearnedSize is the number of rows and columns a Learned encoder covers.
const MaxLearnedSize = 50

// Encoder maps a padded batch to a [N, C, H, W] positional tensor.
type Encoder interface {
	Encode(x *nested.Tensor) (device.Tensor, error)
}

// Sine is the sinusoidal encoding over cumulative valid-pixel counts.
// Output channels are the y features followed by the x features, each
// alternating sin and cos.
type Sine struct {
	Backend     device.Backend
	NumPosFeats int
	Temperature float64
	Normalize   bool
	Scale       float64
}

// NewSine returns a sine encoder with the usual temperature and a 2π scale.
func NewSine(backend device.Backend, numPosFeats int, normalize bool) *Sine {
	return &Sine{
		Backend:     backend,
		NumPosFeats: numPosFeats,
		Temperature: 10000,
		Normalize:   normalize,
		Scale:       2 * math.Pi,
	}
}

func (s *Sine) Encode(x *nested.Tensor) (device.Tensor, error) {
	mask := x.Mask
	if mask == nil {
		return nil, nested.ErrMissingMask
	}
	n, h, w := mask.N, mask.H, mask.W
	f := s.NumPosFeats

	dimT := make([]float64, f)
	for i := range dimT {
		dimT[i] = math.Pow(s.Temperature, float64(2*(i/2))/float64(f))
	}

	yEmbed := make([]float64, h*w)
	xEmbed := make([]float64, h*w)
	out := s.Backend.NewTensor([]int{n, 2 * f, h, w}, nil)
	data := out.Data()
	plane := h * w

	for i := 0; i < n; i++ {
		for y := 0; y < h; y++ {
			for xx := 0; xx < w; xx++ {
				valid := 0.0
				if !mask.At(i, y, xx) {
					valid = 1
				}
				idx := y*w + xx
				yEmbed[idx] = valid
				xEmbed[idx] = valid
				if y > 0 {
					yEmbed[idx] += yEmbed[idx-w]
				}
				if xx > 0 {
					xEmbed[idx] += xEmbed[idx-1]
				}
			}
		}

		if s.Normalize {
			const eps = 1e-6
			for y := 0; y < h; y++ {
				for xx := 0; xx < w; xx++ {
					idx := y*w + xx
					yEmbed[idx] = yEmbed[idx] / (yEmbed[(h-1)*w+xx] + eps) * s.Scale
					xEmbed[idx] = xEmbed[idx] / (xEmbed[y*w+w-1] + eps) * s.Scale
				}
			}
		}

		base := i * 2 * f * plane
		for c := 0; c < f; c++ {
			yDst := data[base+c*plane : base+(c+1)*plane]
			xDst := data[base+(f+c)*plane : base+(f+c+1)*plane]
			for idx := 0; idx < plane; idx++ {
				yDst[idx] = float32(sinCos(c, yEmbed[idx]/dimT[c]))
				xDst[idx] = float32(sinCos(c, xEmbed[idx]/dimT[c]))
			}
		}
	}
	return out, nil
}

func sinCos(c int, v float64) float64 {
	if c%2 == 0 {
		return math.Sin(v)
	}
	return math.Cos(v)
}

// Learned is an absolute encoding from trainable row and column tables.
// Output channels are the column features followed by the row features.
type Learned struct {
	Backend     device.Backend
	NumPosFeats int
	RowEmbed    *nn.Parameter
	ColEmbed    *nn.Parameter
}

// NewLearned allocates tables of MaxLearnedSize entries, uniformly
// initialised in [0, 1).
func NewLearned(backend device.Backend, numPosFeats int, seed int64) *Learned {
	rng := rand.New(rand.NewSource(seed))
	table := func() *nn.Parameter {
		data := make([]float32, MaxLearnedSize*numPosFeats)
		for i := range data {
			data[i] = rng.Float32()
		}
		return nn.NewParameter(backend.NewTensor([]int{MaxLearnedSize, numPosFeats}, data))
	}
	return &Learned{
		Backend:     backend,
		NumPosFeats: numPosFeats,
		RowEmbed:    table(),
		ColEmbed:    table(),
	}
}

func (l *Learned) Encode(x *nested.Tensor) (device.Tensor, error) {
	shape := x.Tensors.Shape()
	n, h, w := shape[0], shape[2], shape[3]
	if h > MaxLearnedSize || w > MaxLearnedSize {
		return nil, fmt.Errorf("position: learned encoding covers %dx%d, feature map is %dx%d",
			MaxLearnedSize, MaxLearnedSize, h, w)
	}
	f := l.NumPosFeats
	rows := l.RowEmbed.Value.Data()
	cols := l.ColEmbed.Value.Data()

	out := l.Backend.NewTensor([]int{n, 2 * f, h, w}, nil)
	data := out.Data()
	plane := h * w
	for c := 0; c < f; c++ {
		xDst := data[c*plane : (c+1)*plane]
		yDst := data[(f+c)*plane : (f+c+1)*plane]
		for y := 0; y < h; y++ {
			for xx := 0; xx < w; xx++ {
				xDst[y*w+xx] = cols[xx*f+c]
				yDst[y*w+xx] = rows[y*f+c]
			}
		}
	}
	for i := 1; i < n; i++ {
		copy(data[i*2*f*plane:(i+1)*2*f*plane], data[:2*f*plane])
	}
	return out, nil
}

func (l *Learned) NamedParameters(prefix string) []nn.NamedParameter {
	return []nn.NamedParameter{
		{Name: prefix + "row_embed.weight", Parameter: l.RowEmbed},
		{Name: prefix + "col_embed.weight", Parameter: l.ColEmbed},
	}
}

func (l *Learned) NamedBuffers(prefix string) []nn.Buffer {
	return nil
}

func (l *Learned) LoadState(prefix string, state *nn.State) error {
	if err := state.Restore(prefix+"row_embed.weight", l.RowEmbed.Value); err != nil {
		return err
	}
	return state.Restore(prefix+"col_embed.weight", l.ColEmbed.Value)
}

// Build returns the encoder for kind with hiddenDim/2 features per axis.
// "sine" and "v2" select the normalised sine encoding, "learned" and "v3"
// the learned one, initialised from seed.
func Build(kind string, hiddenDim int, seed int64, backend device.Backend) (Encoder, error) {
	steps := hiddenDim / 2
	switch kind {
	case "sine", "v2":
		return NewSine(backend, steps, true), nil
	case "learned", "v3":
		return NewLearned(backend, steps, seed), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEncoding, kind)
	}
}
