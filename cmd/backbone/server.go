package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-backbone/internal/client"
	"github.com/23skdu/longbow-backbone/internal/extractor"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backbone_requests_total",
		Help: "Extraction requests by endpoint and status code",
	}, []string{"endpoint", "code"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backbone_request_duration_seconds",
		Help:    "Time spent processing extraction requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)

const arrowStreamType = "application/vnd.apache.arrow.stream"

// ExtractorInterface is the part of the extractor the handlers use.
type ExtractorInterface interface {
	ExtractStream(ctx context.Context, images [][]byte) <-chan extractor.StreamResult
	NumChannels() int
}

type FlightClientInterface interface {
	DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error
	Close() error
}

// ExtractResponse is the CBOR body returned by /extract.
type ExtractResponse struct {
	RequestID string             `cbor:"request_id"`
	Results   []extractor.Result `cbor:"results"`
}

type Server struct {
	extractor     ExtractorInterface
	forwarder     *client.Forwarder
	alloc         memory.Allocator
	builder       *client.RecordBatchBuilder
	sem           *semaphore.Weighted
	maxConcurrent int64
}

// NewServer wires ext to the handlers. Descriptors are forwarded to
// dataset when fc is non-nil.
func NewServer(ext ExtractorInterface, fc FlightClientInterface, dataset string, maxConcurrent int, breaker *client.CircuitBreaker) *Server {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	s := &Server{
		extractor:     ext,
		alloc:         memory.NewGoAllocator(),
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		maxConcurrent: int64(maxConcurrent),
	}
	s.builder = client.NewRecordBatchBuilder(s.alloc)
	if fc != nil {
		s.forwarder = client.NewForwarder(fc, dataset, breaker)
	}
	return s
}

// Handler routes the HTTP endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/extract", s.handleExtract)
	mux.HandleFunc("/extract/arrow", s.handleExtractArrow)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, srv *Server) {
	log.Info().Str("addr", addr).Int("channels", srv.extractor.NumChannels()).Msg("Starting Backbone Server")
	if srv.forwarder != nil {
		log.Info().Msg("Forwarding descriptors to Flight server")
	}

	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("backbone-server")

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleExtract")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("extract").Observe(time.Since(start).Seconds())
	}()

	reqID := uuid.NewString()
	w.Header().Set("X-Request-Id", reqID)
	span.SetAttributes(attribute.String("request_id", reqID))

	if r.Method != http.MethodPost {
		s.fail(w, "extract", "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var images [][]byte
	if err := cbor.NewDecoder(r.Body).Decode(&images); err != nil {
		span.RecordError(err)
		s.fail(w, "extract", fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int("image_count", len(images)))

	ids := make([]string, len(images))
	for i := range ids {
		ids[i] = fmt.Sprintf("%s/%d", reqID, i)
	}

	results, err := s.admitAndRun(ctx, ids, images)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("request_id", reqID).Msg("Extraction failed")
		s.fail(w, "extract", err.Error(), statusFor(err))
		return
	}

	body, err := cbor.Marshal(ExtractResponse{RequestID: reqID, Results: results})
	if err != nil {
		s.fail(w, "extract", err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
	requestsTotal.WithLabelValues("extract", "200").Inc()
}

func (s *Server) handleExtractArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleExtractArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("extract_arrow").Observe(time.Since(start).Seconds())
	}()

	reqID := uuid.NewString()
	w.Header().Set("X-Request-Id", reqID)

	if r.Method != http.MethodPost {
		s.fail(w, "extract_arrow", "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		s.fail(w, "extract_arrow", fmt.Sprintf("Failed to create IPC reader: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	var allIDs []string
	var descriptors [][]float32
	for reader.Next() {
		ids, images, err := client.ImagesFromRecord(reader.Record())
		if err != nil {
			s.fail(w, "extract_arrow", err.Error(), http.StatusBadRequest)
			return
		}
		results, err := s.admitAndRun(ctx, ids, images)
		if err != nil {
			span.RecordError(err)
			log.Error().Err(err).Str("request_id", reqID).Msg("Extraction failed")
			s.fail(w, "extract_arrow", err.Error(), statusFor(err))
			return
		}
		allIDs = append(allIDs, ids...)
		for _, res := range results {
			descriptors = append(descriptors, res.Descriptor)
		}
	}
	if err := reader.Err(); err != nil {
		log.Error().Err(err).Msg("Error reading Arrow stream")
		s.fail(w, "extract_arrow", "Stream error", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int("image_count", len(allIDs)))

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(client.DescriptorSchema), ipc.WithAllocator(s.alloc))
	if len(allIDs) > 0 {
		rec, err := s.builder.BuildRecordBatch(allIDs, descriptors)
		if err != nil {
			s.fail(w, "extract_arrow", err.Error(), http.StatusInternalServerError)
			return
		}
		err = writer.Write(rec)
		rec.Release()
		if err != nil {
			_ = writer.Close()
			s.fail(w, "extract_arrow", err.Error(), http.StatusInternalServerError)
			return
		}
	}
	if err := writer.Close(); err != nil {
		s.fail(w, "extract_arrow", err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", arrowStreamType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
	requestsTotal.WithLabelValues("extract_arrow", "200").Inc()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// admitAndRun holds one semaphore unit per image, capped at the server
// limit, while the batch runs.
func (s *Server) admitAndRun(ctx context.Context, ids []string, images [][]byte) ([]extractor.Result, error) {
	if len(images) == 0 {
		return []extractor.Result{}, nil
	}
	weight := int64(len(images))
	if weight > s.maxConcurrent {
		weight = s.maxConcurrent
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		return nil, fmt.Errorf("server busy: %w", err)
	}
	defer s.sem.Release(weight)
	return s.run(ctx, ids, images)
}

// run extracts images and forwards each finished batch. Forwarding
// failures are logged and do not fail the request.
func (s *Server) run(ctx context.Context, ids []string, images [][]byte) ([]extractor.Result, error) {
	results := make([]extractor.Result, len(images))
	for chunk := range s.extractor.ExtractStream(ctx, images) {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		copy(results[chunk.Offset:], chunk.Results)

		if s.forwarder != nil {
			descs := make([][]float32, len(chunk.Results))
			for i, res := range chunk.Results {
				descs[i] = res.Descriptor
			}
			chunkIDs := ids[chunk.Offset : chunk.Offset+chunk.Count]
			if err := s.forwarder.Forward(ctx, chunkIDs, descs); err != nil {
				log.Error().Err(err).Int("offset", chunk.Offset).Msg("Error forwarding chunk")
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Server) fail(w http.ResponseWriter, endpoint, msg string, code int) {
	requestsTotal.WithLabelValues(endpoint, fmt.Sprint(code)).Inc()
	http.Error(w, msg, code)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, extractor.ErrInvalidImage), errors.Is(err, extractor.ErrEmptyImage):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
