package backbone

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/23skdu/longbow-backbone/internal/device"
	"github.com/23skdu/longbow-backbone/internal/nested"
	"github.com/23skdu/longbow-backbone/internal/position"
	"github.com/23skdu/longbow-backbone/internal/resnet"
)

// ErrMissingLayer is returned when a selector's tag is not among the
// backbone outputs.
var ErrMissingLayer = errors.New("backbone: layer not in outputs")

// LayerSelector returns a single stage of a Backbone.
type LayerSelector struct {
	Layer    string
	Backbone *Backbone

	numChannels int
}

// NewLayerSelector selects stage *layer (0 = layer1). A nil layer selects
// tag "0" with the backbone's channel count.
func NewLayerSelector(layer *int, b *Backbone) (*LayerSelector, error) {
	if layer == nil {
		return &LayerSelector{Layer: "0", Backbone: b, numChannels: b.NumChannels()}, nil
	}
	if *layer < 0 || *layer >= len(resnet.LayerNames) {
		return nil, fmt.Errorf("%w: layer %d", ErrMissingLayer, *layer)
	}
	return &LayerSelector{
		Layer:       strconv.Itoa(*layer),
		Backbone:    b,
		numChannels: b.Body.StageChannels()[*layer],
	}, nil
}

// NumChannels is the channel count of the selected stage.
func (s *LayerSelector) NumChannels() int {
	return s.numChannels
}

// Forward returns the selected stage of the backbone output.
func (s *LayerSelector) Forward(x *nested.Tensor) (*nested.Tensor, error) {
	feats, err := s.Backbone.Forward(x)
	if err != nil {
		return nil, err
	}
	m, ok := feats.Get(s.Layer)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingLayer, s.Layer)
	}
	return m, nil
}

func (s *LayerSelector) Extract(ctx context.Context, x *nested.Tensor) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := s.Forward(x)
	if err != nil {
		return nil, err
	}
	return &Output{Features: []*nested.Tensor{m}}, nil
}

// Joiner runs a Backbone and encodes the position of every stage.
type Joiner struct {
	Backbone *Backbone
	Position position.Encoder
}

// NewJoiner pairs b with the position encoder pos.
func NewJoiner(b *Backbone, pos position.Encoder) *Joiner {
	return &Joiner{Backbone: b, Position: pos}
}

// NumChannels is the backbone's channel count.
func (j *Joiner) NumChannels() int {
	return j.Backbone.NumChannels()
}

// Forward returns the stage maps and, in the same order, their positional
// encodings cast to each map's precision.
func (j *Joiner) Forward(x *nested.Tensor) ([]*nested.Tensor, []device.Tensor, error) {
	feats, err := j.Backbone.Forward(x)
	if err != nil {
		return nil, nil, err
	}

	start := time.Now()
	out := make([]*nested.Tensor, 0, len(feats))
	pos := make([]device.Tensor, 0, len(feats))
	for _, f := range feats {
		p, err := j.Position.Encode(f.Map)
		if err != nil {
			return nil, nil, fmt.Errorf("position encoding for stage %s: %w", f.Tag, err)
		}
		out = append(out, f.Map)
		pos = append(pos, p.Cast(f.Map.Tensors.DType()))
	}
	ForwardDuration.WithLabelValues("position").Observe(time.Since(start).Seconds())
	return out, pos, nil
}

func (j *Joiner) Extract(ctx context.Context, x *nested.Tensor) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	feats, pos, err := j.Forward(x)
	if err != nil {
		return nil, err
	}
	return &Output{Features: feats, Pos: pos}, nil
}

// PatchBackbone unfolds each image into kernel x kernel patches (with
// "same" padding) and stacks them as channels. The output grid is
// ceil(H/stride) x ceil(W/stride).
type PatchBackbone struct {
	Kernel     int
	Stride     int
	Dilation   int
	InChannels int
}

// NewPatchBackbone returns a patch backbone over RGB input.
func NewPatchBackbone(kernel, stride, dilation int) *PatchBackbone {
	return &PatchBackbone{Kernel: kernel, Stride: stride, Dilation: dilation, InChannels: 3}
}

// NumChannels is kernel*kernel*InChannels, one per patch element.
func (p *PatchBackbone) NumChannels() int {
	return p.Kernel * p.Kernel * p.InChannels
}

// Forward unfolds x. The mask is passed through as is; it keeps the input
// resolution.
func (p *PatchBackbone) Forward(x *nested.Tensor) (*nested.Tensor, error) {
	shape := x.Tensors.Shape()
	if len(shape) != 4 || shape[1] != p.InChannels {
		return nil, fmt.Errorf("%w: patch backbone expects [N, %d, H, W], got %v",
			device.ErrShapeMismatch, p.InChannels, shape)
	}
	start := time.Now()
	out := x.Tensors.ExtractPatches(p.Kernel, p.Stride, p.Dilation)
	ForwardDuration.WithLabelValues("patch").Observe(time.Since(start).Seconds())
	return &nested.Tensor{Tensors: out, Mask: x.Mask}, nil
}

func (p *PatchBackbone) Extract(ctx context.Context, x *nested.Tensor) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := p.Forward(x)
	if err != nil {
		return nil, err
	}
	return &Output{Features: []*nested.Tensor{out}}, nil
}

// NoBackbone hands the raw image batch to the detector.
type NoBackbone struct{}

// NewNoBackbone returns the identity backbone.
func NewNoBackbone() *NoBackbone {
	return &NoBackbone{}
}

// NumChannels is the RGB channel count.
func (NoBackbone) NumChannels() int {
	return 3
}

// Forward returns x unchanged.
func (NoBackbone) Forward(x *nested.Tensor) *nested.Tensor {
	return x
}

func (n NoBackbone) Extract(ctx context.Context, x *nested.Tensor) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Output{Features: []*nested.Tensor{n.Forward(x)}}, nil
}
