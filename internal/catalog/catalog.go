// Package catalog maps architecture names to ResNet constructors and
// optionally restores pretrained weights from a local directory.
package catalog

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-backbone/internal/device"
	"github.com/23skdu/longbow-backbone/internal/nn"
	"github.com/23skdu/longbow-backbone/internal/resnet"
	"github.com/23skdu/longbow-backbone/internal/weights"
)

// ErrUnknownModel is returned when a name has no registered factory.
var ErrUnknownModel = errors.New("catalog: unknown model")

// Options configure model construction.
type Options struct {
	ReplaceStrideWithDilation [3]bool

	// Pretrained loads <WeightsDir>/<name>.safetensors after construction.
	Pretrained bool
	WeightsDir string

	NormLayer nn.NormFactory
	Seed      int64

	// Backend defaults to a new CPU backend.
	Backend device.Backend
}

// Factory builds a network from options.
type Factory func(opts Options) (*resnet.ResNet, error)

// Catalog is a thread-safe name -> factory registry.
type Catalog struct {
	mu     sync.RWMutex
	models map[string]Factory
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{models: make(map[string]Factory)}
}

// Register adds or replaces a factory.
func (c *Catalog) Register(name string, f Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models[name] = f
}

func (c *Catalog) Get(name string) (Factory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.models[name]
	return f, ok
}

func (c *Catalog) Has(name string) bool {
	_, ok := c.Get(name)
	return ok
}

// List returns the registered names, sorted.
func (c *Catalog) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.models))
	for name := range c.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create builds the named model.
func (c *Catalog) Create(name string, opts Options) (*resnet.ResNet, error) {
	f, ok := c.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
	return f(opts)
}

// DefaultCatalog holds every torchvision ResNet architecture.
var DefaultCatalog = NewDefault()

// NewDefault returns a catalog populated with resnet.Architectures.
func NewDefault() *Catalog {
	c := New()
	for name, cfg := range resnet.Architectures {
		c.Register(name, ResNetFactory(name, cfg))
	}
	return c
}

// WeightsPath is where a pretrained checkpoint for name is expected.
func WeightsPath(dir, name string) string {
	return filepath.Join(dir, name+".safetensors")
}

// ResNetFactory returns a factory for the given architecture.
func ResNetFactory(name string, cfg resnet.Config) Factory {
	return func(opts Options) (*resnet.ResNet, error) {
		cfg := cfg
		cfg.ReplaceStrideWithDilation = opts.ReplaceStrideWithDilation
		cfg.NormLayer = opts.NormLayer
		cfg.Seed = opts.Seed

		backend := opts.Backend
		if backend == nil {
			backend = device.NewCPUBackend()
		}

		net, err := resnet.New(cfg, backend)
		if err != nil {
			return nil, fmt.Errorf("failed to build %s: %w", name, err)
		}

		if !opts.Pretrained {
			return net, nil
		}
		if opts.WeightsDir == "" {
			log.Warn().Str("model", name).Msg("No weights directory configured, using random initialization")
			return net, nil
		}

		path := WeightsPath(opts.WeightsDir, name)
		log.Info().Str("model", name).Str("path", path).Msg("Loading pretrained weights")
		if err := weights.NewLoader(net).LoadFromSafetensors(path); err != nil {
			return nil, fmt.Errorf("failed to load pretrained weights for %s: %w", name, err)
		}
		return net, nil
	}
}
