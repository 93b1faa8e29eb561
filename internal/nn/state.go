package nn

import (
	"errors"
	"fmt"
	"sort"

	"github.com/23skdu/longbow-backbone/internal/device"
)

// ErrMissingKey is returned when a checkpoint lacks a tensor the model needs.
var ErrMissingKey = errors.New("nn: missing key in state")

// StateTensor is one decoded checkpoint entry.
type StateTensor struct {
	Shape []int
	Data  []float32
}

// State is a flat checkpoint (name -> tensor) being restored into a model.
// It records which keys were consumed so leftovers can be reported.
type State struct {
	tensors map[string]StateTensor
	used    map[string]bool
	missing []string
}

// NewState wraps decoded checkpoint tensors.
func NewState(tensors map[string]StateTensor) *State {
	if tensors == nil {
		tensors = make(map[string]StateTensor)
	}
	return &State{tensors: tensors, used: make(map[string]bool)}
}

// Has reports whether key is present.
func (s *State) Has(key string) bool {
	_, ok := s.tensors[key]
	return ok
}

// Delete drops key from the state. Deleting an absent key is a no-op.
func (s *State) Delete(key string) {
	delete(s.tensors, key)
}

// Restore copies the entry named key into dst. An absent key is recorded
// as missing rather than failing immediately; a shape mismatch fails.
func (s *State) Restore(key string, dst device.Tensor) error {
	st, ok := s.tensors[key]
	if !ok {
		s.missing = append(s.missing, key)
		return nil
	}
	want := dst.Shape()
	if !shapesEqual(st.Shape, want) || len(st.Data) != dst.Size() {
		return fmt.Errorf("%w: %s has shape %v in checkpoint, model expects %v", device.ErrShapeMismatch, key, st.Shape, want)
	}
	dst.CopyFromFloat32(st.Data)
	s.used[key] = true
	return nil
}

// Missing returns keys the model asked for that the state lacked.
func (s *State) Missing() []string {
	out := make([]string, len(s.missing))
	copy(out, s.missing)
	return out
}

// Unexpected returns keys present in the state that nothing consumed.
func (s *State) Unexpected() []string {
	var out []string
	for k := range s.tensors {
		if !s.used[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Err returns an error listing missing keys, if any.
func (s *State) Err() error {
	if len(s.missing) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrMissingKey, s.missing)
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
