package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-backbone/internal/backbone"
	"github.com/23skdu/longbow-backbone/internal/cache"
	"github.com/23skdu/longbow-backbone/internal/client"
	"github.com/23skdu/longbow-backbone/internal/device"
	"github.com/23skdu/longbow-backbone/internal/extractor"
)

type mockFlightClient struct {
	mock.Mock
}

func (m *mockFlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	args := m.Called(ctx, datasetName, record)
	return args.Error(0)
}

func (m *mockFlightClient) Close() error {
	return nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	img.SetRGBA(0, 0, color.RGBA{0, 0, 0, 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestExtractor() *extractor.Extractor {
	return extractor.New(backbone.NewNoBackbone(), device.NewCPUBackend(), extractor.Options{
		MaxSize:   32,
		BatchSize: 2,
		Cache:     cache.NewMapCache(),
	})
}

func imageRecord(t *testing.T, images [][]byte, ids []string) arrow.RecordBatch {
	t.Helper()
	pool := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.BinaryTypes.String},
		{Name: "image", Type: arrow.BinaryTypes.Binary},
	}, nil)

	sb := array.NewStringBuilder(pool)
	defer sb.Release()
	sb.AppendValues(ids, nil)
	idArr := sb.NewArray()
	defer idArr.Release()

	bb := array.NewBinaryBuilder(pool, arrow.BinaryTypes.Binary)
	defer bb.Release()
	bb.AppendValues(images, nil)
	imgArr := bb.NewArray()
	defer imgArr.Release()

	return array.NewRecordBatch(schema, []arrow.Array{idArr, imgArr}, int64(len(images)))
}

func TestServer_Extract(t *testing.T) {
	mfc := &mockFlightClient{}
	srv := NewServer(newTestExtractor(), mfc, "test-dataset", 8, client.NewCircuitBreaker(3, 0))
	handler := srv.Handler()

	t.Run("CBOR with forwarding", func(t *testing.T) {
		// Batch size 2 over 3 images: two forwarded chunks.
		mfc.On("DoPut", mock.Anything, "test-dataset", mock.Anything).Return(nil).Twice()

		images := [][]byte{pngBytes(t, 4, 4), pngBytes(t, 6, 3), pngBytes(t, 2, 2)}
		data, err := cbor.Marshal(images)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/extract", bytes.NewReader(data))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, "application/cbor", rr.Header().Get("Content-Type"))
		assert.NotEmpty(t, rr.Header().Get("X-Request-Id"))

		var resp ExtractResponse
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, rr.Header().Get("X-Request-Id"), resp.RequestID)
		require.Len(t, resp.Results, 3)
		assert.Len(t, resp.Results[0].Descriptor, 3)
		assert.Equal(t, 6, resp.Results[1].Stages[0].Width)
		mfc.AssertExpectations(t)
	})

	t.Run("Bad image", func(t *testing.T) {
		data, _ := cbor.Marshal([][]byte{[]byte("nope")})
		req := httptest.NewRequest(http.MethodPost, "/extract", bytes.NewReader(data))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Bad CBOR", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/extract", bytes.NewReader([]byte{0xff}))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Wrong method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/extract", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})

	t.Run("Health Check", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "OK", rr.Body.String())
	})
}

func TestServer_ForwardFailureDoesNotFailRequest(t *testing.T) {
	mfc := &mockFlightClient{}
	mfc.On("DoPut", mock.Anything, "ds", mock.Anything).Return(assert.AnError)
	srv := NewServer(newTestExtractor(), mfc, "ds", 8, client.NewCircuitBreaker(1, 0))

	data, _ := cbor.Marshal([][]byte{pngBytes(t, 3, 3)})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/extract", bytes.NewReader(data)))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestServer_ExtractArrow(t *testing.T) {
	srv := NewServer(newTestExtractor(), nil, "", 8, nil)

	rec := imageRecord(t, [][]byte{pngBytes(t, 5, 5), pngBytes(t, 3, 7)}, []string{"a", "b"})
	defer rec.Release()
	var body bytes.Buffer
	require.NoError(t, writeArrowStream(&body, rec))

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/extract/arrow", &body))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, arrowStreamType, rr.Header().Get("Content-Type"))

	reader, err := ipc.NewReader(bytes.NewReader(rr.Body.Bytes()))
	require.NoError(t, err)
	defer reader.Release()
	require.True(t, reader.Next())
	out := reader.Record()
	assert.Equal(t, int64(2), out.NumRows())
	assert.Equal(t, "b", out.Column(0).(*array.String).Value(1))
	list := out.Column(1).(*array.List)
	assert.Equal(t, []int32{0, 3, 6}, list.Offsets())
}

func TestServer_ExtractArrowWithoutImageColumn(t *testing.T) {
	srv := NewServer(newTestExtractor(), nil, "", 8, nil)

	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRecordBatch([]string{"a"}, [][]float32{{1}})
	require.NoError(t, err)
	defer rec.Release()
	var body bytes.Buffer
	require.NoError(t, writeArrowStream(&body, rec))

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/extract/arrow", &body))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestFlightServer_DoPut(t *testing.T) {
	mfc := &mockFlightClient{}
	mfc.On("DoPut", mock.Anything, "sink", mock.MatchedBy(func(rec arrow.RecordBatch) bool {
		return rec.Schema().Equal(client.DescriptorSchema)
	})).Return(nil)
	srv := NewServer(newTestExtractor(), mfc, "sink", 8, nil)

	server, err := newFlightServer("localhost:0", srv)
	require.NoError(t, err)
	go func() {
		_ = server.Serve()
	}()
	defer server.Shutdown()

	fc, err := client.NewFlightClient(server.Addr().String())
	require.NoError(t, err)
	defer fc.Close()

	rec := imageRecord(t, [][]byte{pngBytes(t, 4, 4), pngBytes(t, 2, 2), pngBytes(t, 3, 3)}, []string{"x", "y", "z"})
	defer rec.Release()
	require.NoError(t, fc.DoPut(context.Background(), "images", rec))

	mfc.AssertNumberOfCalls(t, "DoPut", 2)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(extractor.ErrEmptyImage))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(context.Canceled))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
