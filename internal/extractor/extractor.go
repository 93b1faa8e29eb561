// Package extractor runs a backbone over encoded images and reduces the
// deepest feature map of each image to a descriptor vector.
package extractor

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/longbow-backbone/internal/backbone"
	"github.com/23skdu/longbow-backbone/internal/cache"
	"github.com/23skdu/longbow-backbone/internal/config"
	"github.com/23skdu/longbow-backbone/internal/device"
	"github.com/23skdu/longbow-backbone/internal/nested"
)

var tracer = otel.Tracer("backbone-extractor")

// StageInfo describes one feature map of one image.
type StageInfo struct {
	Channels      int     `cbor:"channels"`
	Height        int     `cbor:"height"`
	Width         int     `cbor:"width"`
	ValidHeight   int     `cbor:"valid_height"`
	ValidWidth    int     `cbor:"valid_width"`
	ValidFraction float64 `cbor:"valid_fraction"`
}

// Result is the extraction output for one image. Cached results carry
// only the descriptor.
type Result struct {
	Stages     []StageInfo `cbor:"stages,omitempty"`
	Descriptor []float32   `cbor:"descriptor"`
	Cached     bool        `cbor:"cached"`
}

// StreamResult is one batch of results. Offset indexes the input slice.
type StreamResult struct {
	Offset  int
	Count   int
	Results []Result
	Err     error
}

// Options configure an Extractor.
type Options struct {
	MaxSize   int
	BatchSize int
	// Cache may be nil to disable caching.
	Cache         cache.DescriptorCache
	DecodeWorkers int
}

// Extractor owns a built backbone and the batching around it.
type Extractor struct {
	model         backbone.Model
	backend       device.Backend
	maxSize       int
	batchSize     int
	cache         cache.DescriptorCache
	decodeWorkers int
}

// New wraps model.
func New(model backbone.Model, backend device.Backend, opts Options) *Extractor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 4
	}
	if opts.DecodeWorkers <= 0 {
		opts.DecodeWorkers = runtime.NumCPU()
		if opts.DecodeWorkers > 16 {
			opts.DecodeWorkers = 16
		}
	}
	return &Extractor{
		model:         model,
		backend:       backend,
		maxSize:       opts.MaxSize,
		batchSize:     opts.BatchSize,
		cache:         opts.Cache,
		decodeWorkers: opts.DecodeWorkers,
	}
}

// NewFromConfig builds the backbone described by cfg and wraps it.
func NewFromConfig(cfg *config.Config, deps backbone.Deps, c cache.DescriptorCache) (*Extractor, error) {
	if deps.Backend == nil {
		deps.Backend = device.NewCPUBackend()
	}
	model, err := backbone.Build(cfg, deps)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("model", cfg.Model).
		Str("backbone", cfg.Backbone).
		Int("channels", model.NumChannels()).
		Str("precision", cfg.Precision).
		Msg("Backbone ready")
	return New(model, deps.Backend, Options{
		MaxSize:   cfg.MaxSize,
		BatchSize: cfg.BatchSize,
		Cache:     c,
	}), nil
}

// NumChannels is the descriptor length.
func (e *Extractor) NumChannels() int {
	return e.model.NumChannels()
}

// Extract runs every image and returns results in input order.
func (e *Extractor) Extract(ctx context.Context, images [][]byte) ([]Result, error) {
	results := make([]Result, len(images))
	for chunk := range e.ExtractStream(ctx, images) {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		copy(results[chunk.Offset:], chunk.Results)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// ExtractStream emits results one batch at a time. It stops after the
// first error or when ctx is cancelled; the channel is always closed.
func (e *Extractor) ExtractStream(ctx context.Context, images [][]byte) <-chan StreamResult {
	ch := make(chan StreamResult, 1)
	go func() {
		defer close(ch)
		for start := 0; start < len(images); start += e.batchSize {
			if ctx.Err() != nil {
				return
			}
			end := start + e.batchSize
			if end > len(images) {
				end = len(images)
			}

			res, err := e.processBatch(ctx, images[start:end], start)
			chunk := StreamResult{Offset: start, Count: end - start, Results: res, Err: err}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

// CacheKey identifies image bytes.
func CacheKey(data []byte) string {
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

// processBatch runs one batch; offset is the request index of images[0].
func (e *Extractor) processBatch(ctx context.Context, images [][]byte, offset int) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "extractor.batch")
	defer span.End()
	span.SetAttributes(attribute.Int("image_count", len(images)))

	start := time.Now()
	results := make([]Result, len(images))
	keys := make([]string, len(images))
	var misses []int
	for i, data := range images {
		if e.cache != nil {
			keys[i] = CacheKey(data)
			if d, ok := e.cache.Get(keys[i]); ok {
				cacheHits.Inc()
				results[i] = Result{Descriptor: d, Cached: true}
				continue
			}
			cacheMisses.Inc()
		}
		misses = append(misses, i)
	}
	if len(misses) == 0 {
		return results, nil
	}

	pending := make([][]byte, len(misses))
	indices := make([]int, len(misses))
	for j, i := range misses {
		pending[j] = images[i]
		indices[j] = offset + i
	}
	tensors, err := e.preprocess(ctx, pending, indices)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	batch, err := nested.FromImages(e.backend, tensors)
	if err != nil {
		return nil, err
	}

	out, err := e.model.Extract(ctx, batch)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("backbone forward failed: %w", err)
	}
	if len(out.Features) == 0 {
		return nil, fmt.Errorf("backbone returned no feature maps")
	}

	masks := make([]*nested.Mask, len(out.Features))
	for s, f := range out.Features {
		masks[s] = AlignMask(e.backend, f)
	}
	deepest := len(out.Features) - 1
	descriptors := MaskedMeanPool(out.Features[deepest].Tensors, masks[deepest])

	for j, i := range misses {
		stages := make([]StageInfo, len(out.Features))
		for s, f := range out.Features {
			shape := f.Tensors.Shape()
			vh, vw := masks[s].ValidSize(j)
			stages[s] = StageInfo{
				Channels:      shape[1],
				Height:        shape[2],
				Width:         shape[3],
				ValidHeight:   vh,
				ValidWidth:    vw,
				ValidFraction: masks[s].ValidFraction(j),
			}
		}
		results[i] = Result{Stages: stages, Descriptor: descriptors[j]}
		if e.cache != nil {
			e.cache.Put(keys[i], descriptors[j])
		}
	}

	batchesProcessed.Inc()
	imagesProcessed.Add(float64(len(misses)))
	batchDuration.Observe(time.Since(start).Seconds())
	return results, nil
}

// AlignMask returns the mask of f at f's resolution. Maps without a mask
// are fully valid; masks at another resolution (the patch backbone passes
// the input mask through) are resized.
func AlignMask(backend device.Backend, f *nested.Tensor) *nested.Mask {
	shape := f.Tensors.Shape()
	n, h, w := shape[0], shape[2], shape[3]
	switch {
	case f.Mask == nil:
		return nested.NewMask(n, h, w)
	case f.Mask.H != h || f.Mask.W != w:
		return f.Mask.Resize(backend, h, w)
	default:
		return f.Mask
	}
}

// MaskedMeanPool averages each channel over the valid positions of each
// batch item. Items with no valid position get a zero vector.
func MaskedMeanPool(t device.Tensor, mask *nested.Mask) [][]float32 {
	shape := t.Shape()
	n, c, h, w := shape[0], shape[1], shape[2], shape[3]
	plane := h * w
	data := t.Data()

	out := make([][]float32, n)
	for i := 0; i < n; i++ {
		valid := mask.Item(i)
		count := 0
		for _, padded := range valid {
			if !padded {
				count++
			}
		}
		desc := make([]float32, c)
		out[i] = desc
		if count == 0 {
			continue
		}
		for ch := 0; ch < c; ch++ {
			src := data[(i*c+ch)*plane : (i*c+ch+1)*plane]
			var sum float64
			for p, padded := range valid {
				if !padded {
					sum += float64(src[p])
				}
			}
			desc[ch] = float32(sum / float64(count))
		}
	}
	return out
}
