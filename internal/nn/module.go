// Package nn defines the building blocks shared by the backbone networks:
// named parameters and buffers, checkpoint state restoration, convolution
// and frozen batch normalisation.
package nn

import (
	"github.com/23skdu/longbow-backbone/internal/device"
)

// Parameter is a trainable tensor. RequiresGrad records whether an
// optimiser may update it; inference never does.
type Parameter struct {
	Value        device.Tensor
	RequiresGrad bool
}

// NewParameter wraps a tensor as a parameter that requires gradients.
func NewParameter(t device.Tensor) *Parameter {
	return &Parameter{Value: t, RequiresGrad: true}
}

// SetRequiresGrad toggles gradient tracking.
func (p *Parameter) SetRequiresGrad(v bool) {
	p.RequiresGrad = v
}

// NamedParameter is a parameter with its fully qualified name.
// It shares the underlying Parameter with the owning module.
type NamedParameter struct {
	Name string
	*Parameter
}

// Buffer is persistent, non-trainable state such as running statistics.
type Buffer struct {
	Name  string
	Value device.Tensor
}

// Module is anything that owns parameters and buffers and can restore
// them from a checkpoint. Names follow the dotted state-dict convention.
type Module interface {
	NamedParameters(prefix string) []NamedParameter
	NamedBuffers(prefix string) []Buffer
	LoadState(prefix string, state *State) error
}

// Norm is a normalisation layer usable inside a network body.
type Norm interface {
	Module
	Forward(x device.Tensor) device.Tensor
}

// NormFactory builds a normalisation layer for the given channel count.
type NormFactory func(backend device.Backend, channels int) Norm
