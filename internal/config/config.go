// Package config holds the settings that select and size a backbone and
// the extraction service around it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-backbone/internal/device"
)

// Config captures the backbone selection keys and service knobs.
type Config struct {
	// Model is the overall model kind. "detr" builds the joined
	// backbone + positional encoding; anything else selects by Backbone.
	Model    string `yaml:"model"`
	Backbone string `yaml:"backbone"`

	LRBackbone  float64 `yaml:"lr_backbone"`
	Masks       bool    `yaml:"masks"`
	Dilation    bool    `yaml:"dilation"`
	IntermLayer *int    `yaml:"interm_layer"`

	PatchKernel   int `yaml:"patch_kernel"`
	PatchStride   int `yaml:"patch_stride"`
	PatchDilation int `yaml:"patch_dilation"`

	PositionEmbedding string `yaml:"position_embedding"`
	HiddenDim         int    `yaml:"hidden_dim"`

	WeightsDir string `yaml:"weights_dir"`
	Precision  string `yaml:"precision"`
	Seed       int64  `yaml:"seed"`

	MaxSize   int `yaml:"max_size"`
	BatchSize int `yaml:"batch_size"`
}

// Overrides captures CLI supplied values. Zero values leave the config
// untouched.
type Overrides struct {
	Model       string
	Backbone    string
	IntermLayer *int
	WeightsDir  string
	Precision   string
	MaxSize     int
	BatchSize   int
	Dilation    bool
}

// Default returns the DETR ResNet-50 setup with frozen backbone.
func Default() *Config {
	return &Config{
		Model:             "detr",
		Backbone:          "resnet50",
		PatchKernel:       3,
		PatchStride:       1,
		PatchDilation:     1,
		PositionEmbedding: "sine",
		HiddenDim:         256,
		Precision:         "fp32",
		MaxSize:           800,
		BatchSize:         4,
	}
}

// Load reads a YAML file on top of Default and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates c using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Model != "" {
		c.Model = o.Model
	}
	if o.Backbone != "" {
		c.Backbone = o.Backbone
	}
	if o.IntermLayer != nil {
		v := *o.IntermLayer
		c.IntermLayer = &v
	}
	if o.WeightsDir != "" {
		c.WeightsDir = o.WeightsDir
	}
	if o.Precision != "" {
		c.Precision = o.Precision
	}
	if o.MaxSize > 0 {
		c.MaxSize = o.MaxSize
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.Dilation {
		c.Dilation = true
	}
}

// Validate verifies the config is runnable. Backbone names are checked
// when the model is built, not here.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Backbone == "" {
		return errors.New("backbone must be set")
	}
	if c.LRBackbone < 0 {
		return fmt.Errorf("lr_backbone must be >= 0 (got %g)", c.LRBackbone)
	}
	if c.IntermLayer != nil && (*c.IntermLayer < 0 || *c.IntermLayer > 3) {
		return fmt.Errorf("interm_layer must be in [0, 3] (got %d)", *c.IntermLayer)
	}
	if c.PatchKernel <= 0 || c.PatchStride <= 0 || c.PatchDilation <= 0 {
		return fmt.Errorf("patch kernel, stride and dilation must be > 0 (got %d, %d, %d)",
			c.PatchKernel, c.PatchStride, c.PatchDilation)
	}
	if c.HiddenDim <= 0 || c.HiddenDim%2 != 0 {
		return fmt.Errorf("hidden_dim must be a positive even number (got %d)", c.HiddenDim)
	}
	if _, err := device.ParseDType(c.Precision); err != nil {
		return err
	}
	if c.MaxSize <= 0 {
		return fmt.Errorf("max_size must be > 0 (got %d)", c.MaxSize)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	return nil
}

// TrainBackbone reports whether backbone parameters receive gradients.
func (c *Config) TrainBackbone() bool {
	return c.LRBackbone > 0
}

// DType returns the parsed precision. Call Validate first.
func (c *Config) DType() device.DType {
	d, _ := device.ParseDType(c.Precision)
	return d
}
