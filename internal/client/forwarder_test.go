package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPutter struct {
	mock.Mock
}

func (m *mockPutter) DoPut(ctx context.Context, dataset string, record arrow.RecordBatch) error {
	args := m.Called(ctx, dataset, record)
	return args.Error(0)
}

func TestForwarder_Forward(t *testing.T) {
	putter := new(mockPutter)
	putter.On("DoPut", mock.Anything, "ds", mock.MatchedBy(func(rec arrow.RecordBatch) bool {
		return rec.NumRows() == 2 && rec.Schema().Equal(DescriptorSchema)
	})).Return(nil).Once()

	fwd := NewForwarder(putter, "ds", nil)
	require.NoError(t, fwd.Forward(context.Background(), []string{"x", "y"}, [][]float32{{1, 2}, {3, 4}}))
	putter.AssertExpectations(t)
}

func TestForwarder_EmptyIsNoop(t *testing.T) {
	putter := new(mockPutter)
	fwd := NewForwarder(putter, "ds", nil)
	require.NoError(t, fwd.Forward(context.Background(), nil, nil))
	putter.AssertNotCalled(t, "DoPut", mock.Anything, mock.Anything, mock.Anything)
}

func TestForwarder_OpensCircuit(t *testing.T) {
	putter := new(mockPutter)
	putter.On("DoPut", mock.Anything, "ds", mock.Anything).Return(errors.New("unavailable")).Times(2)

	fwd := NewForwarder(putter, "ds", NewCircuitBreaker(2, time.Hour))
	ids := []string{"a"}
	descs := [][]float32{{1}}

	assert.Error(t, fwd.Forward(context.Background(), ids, descs))
	assert.Error(t, fwd.Forward(context.Background(), ids, descs))

	err := fwd.Forward(context.Background(), ids, descs)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	putter.AssertNumberOfCalls(t, "DoPut", 2)
}
