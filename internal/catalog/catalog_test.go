package catalog

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-backbone/internal/device"
	"github.com/23skdu/longbow-backbone/internal/resnet"
)

func TestDefaultCatalog(t *testing.T) {
	names := DefaultCatalog.List()
	assert.Equal(t, resnet.Names(), names)
	assert.True(t, DefaultCatalog.Has("resnet50"))
	assert.False(t, DefaultCatalog.Has("vgg16"))
}

func TestCreateUnknown(t *testing.T) {
	net, err := New().Create("vgg16", Options{})
	assert.Nil(t, net)
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestCreateWithDilation(t *testing.T) {
	net, err := DefaultCatalog.Create("resnet50", Options{
		ReplaceStrideWithDilation: [3]bool{false, false, true},
		Backend:                   device.NewCPUBackend(),
	})
	require.NoError(t, err)
	assert.True(t, net.Config.ReplaceStrideWithDilation[2])

	_, err = DefaultCatalog.Create("resnet18", Options{
		ReplaceStrideWithDilation: [3]bool{false, false, true},
	})
	assert.ErrorIs(t, err, resnet.ErrDilationUnsupported)
}

func TestPretrainedWithoutDirectory(t *testing.T) {
	net, err := DefaultCatalog.Create("resnet18", Options{Pretrained: true})
	require.NoError(t, err)
	assert.NotNil(t, net)
}

func TestPretrainedMissingFile(t *testing.T) {
	_, err := DefaultCatalog.Create("resnet18", Options{Pretrained: true, WeightsDir: t.TempDir()})
	assert.Error(t, err)
}

// writeCheckpoint stores every parameter and buffer of net, filled with
// value, as an F32 safetensors file.
func writeCheckpoint(t *testing.T, path string, net *resnet.ResNet, value float32) {
	t.Helper()
	header := map[string]any{}
	var body []byte
	add := func(name string, shape []int, n int) {
		raw := make([]byte, 4*n)
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(value))
		}
		header[name] = map[string]any{
			"dtype":        "F32",
			"shape":        shape,
			"data_offsets": []int{len(body), len(body) + len(raw)},
		}
		body = append(body, raw...)
	}
	for _, p := range net.NamedParameters("") {
		add(p.Name, p.Value.Shape(), p.Value.Size())
	}
	for _, b := range net.NamedBuffers("") {
		add(b.Name, b.Value.Shape(), b.Value.Size())
	}

	h, err := json.Marshal(header)
	require.NoError(t, err)
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, uint64(len(h)))
	out = append(out, h...)
	out = append(out, body...)
	require.NoError(t, os.WriteFile(path, out, 0o644))
}

func TestPretrainedLoadsWeights(t *testing.T) {
	c := New()
	cfg := resnet.Config{Block: resnet.Basic, Layers: [4]int{1, 1, 1, 1}}
	c.Register("tiny", ResNetFactory("tiny", cfg))

	template, err := c.Create("tiny", Options{})
	require.NoError(t, err)

	dir := t.TempDir()
	writeCheckpoint(t, WeightsPath(dir, "tiny"), template, 0.5)

	net, err := c.Create("tiny", Options{Pretrained: true, WeightsDir: dir})
	require.NoError(t, err)
	for _, v := range net.Conv1.Weight.Value.ToHost() {
		require.Equal(t, float32(0.5), v)
	}
}

func TestConcurrentRegister(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Register("resnet18", ResNetFactory("resnet18", resnet.Architectures["resnet18"]))
			_ = c.List()
		}()
	}
	wg.Wait()
	assert.Equal(t, []string{"resnet18"}, c.List())
}
