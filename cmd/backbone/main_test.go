package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-backbone/internal/backbone"
	"github.com/23skdu/longbow-backbone/internal/device"
)

func setFlag(t *testing.T, p *string, v string) {
	t.Helper()
	old := *p
	*p = v
	t.Cleanup(func() { *p = old })
}

func TestBackboneFlagBuildsPatch(t *testing.T) {
	setFlag(t, modelName, "backbone")
	setFlag(t, backboneName, "patch")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "patch", cfg.Backbone)

	model, err := backbone.Build(cfg, backbone.Deps{Backend: device.NewCPUBackend()})
	require.NoError(t, err)
	require.IsType(t, &backbone.PatchBackbone{}, model)
}

func TestModelFlagDoesNotSelectBackbone(t *testing.T) {
	setFlag(t, modelName, "patch")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "patch", cfg.Model)
	assert.Equal(t, "resnet50", cfg.Backbone)
}

func TestBackboneFlagRejectsPatchForDETR(t *testing.T) {
	setFlag(t, modelName, "detr")
	setFlag(t, backboneName, "patch")

	cfg, err := loadConfig()
	require.NoError(t, err)

	model, err := backbone.Build(cfg, backbone.Deps{Backend: device.NewCPUBackend()})
	assert.ErrorIs(t, err, backbone.ErrNotImplemented)
	assert.Nil(t, model)
}
