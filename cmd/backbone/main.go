package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-backbone/internal/backbone"
	"github.com/23skdu/longbow-backbone/internal/cache"
	"github.com/23skdu/longbow-backbone/internal/catalog"
	"github.com/23skdu/longbow-backbone/internal/client"
	"github.com/23skdu/longbow-backbone/internal/config"
	"github.com/23skdu/longbow-backbone/internal/extractor"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

var (
	configPath      = flag.String("config", "", "Path to YAML config file")
	modelName       = flag.String("model", "", "Model kind: detr joins a ResNet with position encodings, any other value builds -backbone alone")
	backboneName    = flag.String("backbone", "", "Backbone: a ResNet such as resnet50 in every mode, or patch / n/a when -model is not detr")
	intermLayer     = flag.Int("interm-layer", -1, "Return intermediate layers up to this index (-1 keeps config)")
	weightsDir      = flag.String("weights-dir", "", "Directory holding <arch>.safetensors checkpoints")
	precision       = flag.String("precision", "", "Precision (fp32, fp16)")
	maxSize         = flag.Int("max-size", 0, "Resize the long image side to at most this many pixels")
	batchSize       = flag.Int("batch-size", 0, "Images per padded batch")
	dilation        = flag.Bool("dilation", false, "Replace the last stage stride with dilation")
	cacheSize       = flag.Int("cache-size", 4096, "Descriptor cache entries (0 disables the cache)")
	listModels      = flag.Bool("list-models", false, "Print registered backbones and exit")
	cpuProfile      = flag.String("cpuprofile", "", "Write cpu profile to file")
	duration        = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")
	serverAddr      = flag.String("server", "", "Flight server to forward descriptors to (e.g., localhost:3000)")
	datasetName     = flag.String("dataset", "backbone_descriptors", "Target dataset name on server")
	listenAddr      = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr      = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	maxConcurrent   = flag.Int("max-concurrent", 64, "Maximum number of images processed concurrently")
	breakerFailures = flag.Int("breaker-failures", 5, "Consecutive forward failures before the circuit opens")
	breakerTimeout  = flag.Duration("breaker-timeout", 30*time.Second, "Time the circuit stays open before a trial request")
	enableOTel      = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *listModels {
		for _, name := range catalog.DefaultCatalog.List() {
			fmt.Println(name)
		}
		return
	}

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	var descCache cache.DescriptorCache
	if *cacheSize > 0 {
		descCache = cache.NewBoundedMapCache(*cacheSize)
	}
	ext, err := extractor.NewFromConfig(cfg, backbone.Deps{}, descCache)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build backbone")
	}

	var fc FlightClientInterface
	if *serverAddr != "" {
		c, err := client.NewFlightClient(*serverAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create flight client")
		}
		defer func() {
			if err := c.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		log.Info().Str("addr", *serverAddr).Msg("Connected to Flight Server")
		fc = c
	}

	if *listenAddr != "" || *flightAddr != "" {
		srv := NewServer(ext, fc, *datasetName, *maxConcurrent,
			client.NewCircuitBreaker(*breakerFailures, *breakerTimeout))
		if *listenAddr != "" {
			go startServer(*listenAddr, srv)
		}
		if *flightAddr != "" {
			StartFlightServer(*flightAddr, srv)
			return
		}
		select {}
	}

	paths := flag.Args()
	if len(paths) == 0 {
		log.Fatal().Msg("No images given; pass image paths or -listen/-flight")
	}
	images := make([][]byte, len(paths))
	for i, p := range paths {
		images[i], err = os.ReadFile(p)
		if err != nil {
			log.Fatal().Err(err).Str("path", p).Msg("Failed to read image")
		}
	}

	if *duration > 0 {
		runSoak(ext, images, *duration)
		return
	}

	start := time.Now()
	results, err := ext.Extract(context.Background(), images)
	if err != nil {
		log.Fatal().Err(err).Msg("Extraction failed")
	}
	elapsed := time.Since(start)
	log.Info().
		Int("count", len(images)).
		Dur("elapsed", elapsed).
		Int("dim", ext.NumChannels()).
		Float64("ips", float64(len(images))/elapsed.Seconds()).
		Msg("Extracted descriptors")

	descriptors := make([][]float32, len(results))
	for i, r := range results {
		descriptors[i] = r.Descriptor
	}

	if fc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := client.NewForwarder(fc, *datasetName, nil).Forward(ctx, paths, descriptors); err != nil {
			log.Fatal().Err(err).Msg("Flight DoPut failed")
		}
		log.Info().Str("dataset", *datasetName).Msg("Sent descriptors")
		return
	}

	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRecordBatch(paths, descriptors)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build record batch")
	}
	defer rec.Release()
	if err := writeArrowStream(os.Stdout, rec); err != nil {
		log.Warn().Err(err).Msg("Failed to write arrow stream")
	}
}

// loadConfig reads -config when set and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}
	o := config.Overrides{
		Model:      *modelName,
		Backbone:   *backboneName,
		WeightsDir: *weightsDir,
		Precision:  *precision,
		MaxSize:    *maxSize,
		BatchSize:  *batchSize,
		Dilation:   *dilation,
	}
	if *intermLayer >= 0 {
		o.IntermLayer = intermLayer
	}
	cfg.ApplyOverrides(o)
	return cfg, cfg.Validate()
}

func runSoak(ext *extractor.Extractor, images [][]byte, d time.Duration) {
	log.Info().Str("duration", d.String()).Msg("Starting soak test")

	startTime := time.Now()
	endTime := startTime.Add(d)
	var total int64
	var iter int
	for time.Now().Before(endTime) {
		if _, err := ext.Extract(context.Background(), images); err != nil {
			log.Fatal().Err(err).Msg("Extraction failed")
		}
		total += int64(len(images))
		iter++

		if iter%10 == 0 {
			elapsed := time.Since(startTime)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Int64("total_images", total).
				Float64("ips", float64(total)/elapsed.Seconds()).
				Msg("Soak test progress")
		}
	}

	totalElapsed := time.Since(startTime)
	log.Info().
		Int64("total_images", total).
		Dur("total_time", totalElapsed).
		Float64("avg_ips", float64(total)/totalElapsed.Seconds()).
		Msg("Soak test complete")
}

func writeArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("backbone"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
