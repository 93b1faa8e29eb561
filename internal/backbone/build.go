package backbone

import (
	"context"
	"errors"
	"fmt"

	"github.com/23skdu/longbow-backbone/internal/catalog"
	"github.com/23skdu/longbow-backbone/internal/config"
	"github.com/23skdu/longbow-backbone/internal/device"
	"github.com/23skdu/longbow-backbone/internal/dist"
	"github.com/23skdu/longbow-backbone/internal/nested"
	"github.com/23skdu/longbow-backbone/internal/position"
)

// ErrNotImplemented is returned by Build for unrecognised selections.
var ErrNotImplemented = errors.New("backbone: not implemented")

// Output is what a Model hands to the detector. Pos is set only by the
// joined model and then has one entry per feature map.
type Output struct {
	Features []*nested.Tensor
	Pos      []device.Tensor
}

// Model is any backbone variant.
type Model interface {
	NumChannels() int
	Extract(ctx context.Context, x *nested.Tensor) (*Output, error)
}

var (
	_ Model = (*Backbone)(nil)
	_ Model = (*LayerSelector)(nil)
	_ Model = (*Joiner)(nil)
	_ Model = (*PatchBackbone)(nil)
	_ Model = NoBackbone{}
)

// Deps are the collaborators Build resolves names against. Zero values
// select the default catalog, a CPU backend and the RANK check.
type Deps struct {
	Catalog       *catalog.Catalog
	Backend       device.Backend
	IsMainProcess func() bool
}

func (d Deps) withDefaults() Deps {
	if d.Catalog == nil {
		d.Catalog = catalog.DefaultCatalog
	}
	if d.Backend == nil {
		d.Backend = device.NewCPUBackend()
	}
	if d.IsMainProcess == nil {
		d.IsMainProcess = dist.IsMainProcess
	}
	return d
}

// Build selects the backbone variant described by cfg:
//
//   - model "detr": ResNet joined with the position encoding
//   - backbone "n/a": NoBackbone
//   - backbone "patch": PatchBackbone
//   - any catalog ResNet: one stage of the ResNet via LayerSelector
//
// Anything else fails with ErrNotImplemented. On error no model is returned.
func Build(cfg *config.Config, deps Deps) (Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid backbone config: %w", err)
	}
	deps = deps.withDefaults()

	opts := BackboneOptions{
		Train:      cfg.TrainBackbone(),
		Dilation:   cfg.Dilation,
		Pretrained: deps.IsMainProcess(),
		WeightsDir: cfg.WeightsDir,
		Precision:  cfg.DType(),
		Seed:       cfg.Seed,
		Backend:    deps.Backend,
	}

	if cfg.Model == "detr" {
		opts.ReturnIntermLayers = cfg.Masks
		b, err := newBackbone(deps.Catalog, cfg.Backbone, opts)
		if err != nil {
			return nil, err
		}
		pos, err := position.Build(cfg.PositionEmbedding, cfg.HiddenDim, cfg.Seed, deps.Backend)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNotImplemented, err)
		}
		return NewJoiner(b, pos), nil
	}

	switch {
	case cfg.Backbone == "n/a":
		return NewNoBackbone(), nil
	case cfg.Backbone == "patch":
		return NewPatchBackbone(cfg.PatchKernel, cfg.PatchStride, cfg.PatchDilation), nil
	case deps.Catalog.Has(cfg.Backbone):
		if cfg.IntermLayer != nil {
			opts.ReturnIntermLayers = true
			for i := 1; i <= *cfg.IntermLayer+1; i++ {
				opts.LayersUsed = append(opts.LayersUsed, fmt.Sprintf("layer%d", i))
			}
		}
		b, err := newBackbone(deps.Catalog, cfg.Backbone, opts)
		if err != nil {
			return nil, err
		}
		s, err := NewLayerSelector(cfg.IntermLayer, b)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("%w: backbone %s", ErrNotImplemented, cfg.Backbone)
}

func newBackbone(cat *catalog.Catalog, name string, opts BackboneOptions) (*Backbone, error) {
	b, err := NewBackbone(cat, name, opts)
	if errors.Is(err, catalog.ErrUnknownModel) {
		return nil, fmt.Errorf("%w: backbone %s", ErrNotImplemented, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build backbone %s: %w", name, err)
	}
	return b, nil
}
