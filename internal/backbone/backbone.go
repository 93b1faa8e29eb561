// Package backbone provides the feature extractors a DETR-style detector
// runs before its transformer: a frozen-norm ResNet, a single-stage
// selector over it, the ResNet joined with positional encodings, a patch
// unfolding backbone and an identity backbone.
package backbone

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/23skdu/longbow-backbone/internal/catalog"
	"github.com/23skdu/longbow-backbone/internal/device"
	"github.com/23skdu/longbow-backbone/internal/nested"
	"github.com/23skdu/longbow-backbone/internal/nn"
	"github.com/23skdu/longbow-backbone/internal/resnet"
)

// ErrMissingMask is returned when a ResNet backbone gets a batch without
// a padding mask. Callers treat it as fatal.
var ErrMissingMask = nested.ErrMissingMask

// Feature is one tagged stage output.
type Feature struct {
	Tag string
	Map *nested.Tensor
}

// Features are stage outputs ordered from shallow to deep.
type Features []Feature

// Get returns the feature map with the given tag.
func (f Features) Get(tag string) (*nested.Tensor, bool) {
	for _, feat := range f {
		if feat.Tag == tag {
			return feat.Map, true
		}
	}
	return nil, false
}

// Maps returns the feature maps in order.
func (f Features) Maps() []*nested.Tensor {
	out := make([]*nested.Tensor, len(f))
	for i, feat := range f {
		out[i] = feat.Map
	}
	return out
}

// Base runs a ResNet body and pairs every returned stage with the input
// mask resized to the stage's resolution.
type Base struct {
	Body      *resnet.ResNet
	Precision device.DType

	numChannels  int
	returnLayers map[string]string
}

// NewBase wraps body. Parameters require gradients only when train is set
// and their name contains one of layersUsed (all four stages when empty).
// With returnInterm the four stages are returned as "0".."3", otherwise
// only layer4 as "0".
func NewBase(body *resnet.ResNet, train bool, numChannels int, returnInterm bool, layersUsed []string) *Base {
	if len(layersUsed) == 0 {
		layersUsed = resnet.LayerNames[:]
	}
	for _, p := range body.NamedParameters("") {
		p.SetRequiresGrad(train && containsAny(p.Name, layersUsed))
	}

	returnLayers := map[string]string{"layer4": "0"}
	if returnInterm {
		returnLayers = map[string]string{"layer1": "0", "layer2": "1", "layer3": "2", "layer4": "3"}
	}
	return &Base{
		Body:         body,
		numChannels:  numChannels,
		returnLayers: returnLayers,
	}
}

func containsAny(name string, parts []string) bool {
	for _, p := range parts {
		if strings.Contains(name, p) {
			return true
		}
	}
	return false
}

// NumChannels is the channel count of the deepest returned stage.
func (b *Base) NumChannels() int {
	return b.numChannels
}

// ReturnLayers maps stage names to output tags.
func (b *Base) ReturnLayers() map[string]string {
	out := make(map[string]string, len(b.returnLayers))
	for k, v := range b.returnLayers {
		out[k] = v
	}
	return out
}

// Forward returns the selected stages with aligned masks.
func (b *Base) Forward(x *nested.Tensor) (Features, error) {
	if x.Mask == nil {
		return nil, ErrMissingMask
	}
	start := time.Now()
	defer func() {
		ForwardDuration.WithLabelValues("backbone").Observe(time.Since(start).Seconds())
	}()

	requested := make(map[string]bool, len(b.returnLayers))
	for name := range b.returnLayers {
		requested[name] = true
	}

	stages := b.Body.ForwardLayers(x.Tensors.Cast(b.Precision), requested)
	out := make(Features, 0, len(stages))
	for _, s := range stages {
		shape := s.Output.Shape()
		mask := x.Mask.Resize(b.Body.Backend, shape[2], shape[3])
		m, err := nested.New(s.Output, mask)
		if err != nil {
			return nil, err
		}
		out = append(out, Feature{Tag: b.returnLayers[s.Name], Map: m})
	}
	return out, nil
}

// NamedParameters lists the body parameters under the "body." prefix of
// DETR checkpoints.
func (b *Base) NamedParameters(prefix string) []nn.NamedParameter {
	return b.Body.NamedParameters(prefix + "body.")
}

// NamedBuffers lists the frozen norm statistics under "body.".
func (b *Base) NamedBuffers(prefix string) []nn.Buffer {
	return b.Body.NamedBuffers(prefix + "body.")
}

// LoadState restores the body from keys under prefix+"body.".
func (b *Base) LoadState(prefix string, state *nn.State) error {
	return b.Body.LoadState(prefix+"body.", state)
}

// BackboneOptions configure NewBackbone.
type BackboneOptions struct {
	Train              bool
	ReturnIntermLayers bool
	// Dilation replaces the stride of layer4 with dilation.
	Dilation   bool
	LayersUsed []string

	// Pretrained restores weights from WeightsDir. Only the main process
	// should set it.
	Pretrained bool
	WeightsDir string

	Precision device.DType
	Seed      int64
	Backend   device.Backend
}

// Backbone is a catalog ResNet with frozen batch norm.
type Backbone struct {
	*Base
	Name string
}

// NewBackbone builds the named architecture from cat.
func NewBackbone(cat *catalog.Catalog, name string, opts BackboneOptions) (*Backbone, error) {
	net, err := cat.Create(name, catalog.Options{
		ReplaceStrideWithDilation: [3]bool{false, false, opts.Dilation},
		Pretrained:                opts.Pretrained,
		WeightsDir:                opts.WeightsDir,
		NormLayer:                 nn.FrozenBatchNorm,
		Seed:                      opts.Seed,
		Backend:                   opts.Backend,
	})
	if err != nil {
		return nil, err
	}

	channels := 2048
	if name == "resnet18" || name == "resnet34" {
		channels = 512
	}
	base := NewBase(net, opts.Train, channels, opts.ReturnIntermLayers, opts.LayersUsed)
	base.Precision = opts.Precision
	return &Backbone{Base: base, Name: name}, nil
}

// Extract runs Forward and returns the stage maps in order.
func (b *Backbone) Extract(ctx context.Context, x *nested.Tensor) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	feats, err := b.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name, err)
	}
	return &Output{Features: feats.Maps()}, nil
}
