package weights

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"os"
	"sort"

	"github.com/nlpodyssey/safetensors"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-backbone/internal/device"
	"github.com/23skdu/longbow-backbone/internal/nn"
)

// Loader restores model weights from safetensors checkpoints.
type Loader struct {
	Model nn.Module
}

// NewLoader creates a new weight loader for the given model.
func NewLoader(m nn.Module) *Loader {
	return &Loader{Model: m}
}

// LoadFromSafetensors reads the checkpoint at path and restores it into the
// model. Keys the model does not use (such as a classifier head) are
// ignored; keys the model needs but the checkpoint lacks are an error.
func (l *Loader) LoadFromSafetensors(path string) error {
	state, err := ReadFile(path)
	if err != nil {
		return err
	}
	return l.LoadState(state)
}

// LoadState restores an already decoded state.
func (l *Loader) LoadState(state *nn.State) error {
	if err := l.Model.LoadState("", state); err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}
	if err := state.Err(); err != nil {
		return err
	}
	if unexpected := state.Unexpected(); len(unexpected) > 0 {
		log.Debug().Strs("keys", unexpected).Msg("Ignoring unexpected checkpoint keys")
	}
	return nil
}

// ReadFile decodes a safetensors file into a state.
func ReadFile(path string) (*nn.State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	state, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}
	return state, nil
}

var ErrInvalidCheckpoint = errors.New("invalid safetensors checkpoint")

// Decode parses an in-memory safetensors buffer. F32, F16, BF16 and I64
// tensors are converted to float32.
func Decode(data []byte) (*nn.State, error) {
	st, err := safetensors.Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCheckpoint, err)
	}

	names := st.Names()
	sort.Strings(names)
	tensors := make(map[string]nn.StateTensor, len(names))
	for _, name := range names {
		view, ok := st.Tensor(name)
		if !ok {
			continue
		}
		if err := checkSize(view.DType(), view.Shape(), len(view.Data())); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %w", ErrInvalidCheckpoint, name, err)
		}

		shape := make([]int, len(view.Shape()))
		for i, d := range view.Shape() {
			shape[i] = int(d)
		}
		values, err := decodeValues(view.DType(), view.Data())
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		tensors[name] = nn.StateTensor{Shape: shape, Data: values}
	}
	return nn.NewState(tensors), nil
}

// checkSize rejects shapes whose byte size overflows or disagrees with the
// tensor's data range.
func checkSize(dtype safetensors.DType, shape []uint64, dataLen int) error {
	width := elemSize(dtype)
	if width == 0 {
		return fmt.Errorf("unsupported dtype %v", dtype)
	}
	total := width
	for _, d := range shape {
		hi, lo := bits.Mul64(total, d)
		if hi != 0 || lo > math.MaxInt {
			return fmt.Errorf("shape %v of %v overflows", shape, dtype)
		}
		total = lo
	}
	if total != uint64(dataLen) {
		return fmt.Errorf("shape %v of %v needs %d bytes, got %d", shape, dtype, total, dataLen)
	}
	return nil
}

func elemSize(dtype safetensors.DType) uint64 {
	switch dtype {
	case safetensors.F32:
		return 4
	case safetensors.F16, safetensors.BF16:
		return 2
	case safetensors.I64:
		return 8
	default:
		return 0
	}
}

func decodeValues(dtype safetensors.DType, raw []byte) ([]float32, error) {
	switch dtype {
	case safetensors.F32:
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
		return out, nil
	case safetensors.F16:
		return device.DecodeFloat16(raw), nil
	case safetensors.BF16:
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[2*i:])) << 16)
		}
		return out, nil
	case safetensors.I64:
		out := make([]float32, len(raw)/8)
		for i := range out {
			out[i] = float32(int64(binary.LittleEndian.Uint64(raw[8*i:])))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported dtype %v", dtype)
	}
}
