//go:build ignore

package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-backbone/internal/client"
)

func solid(w, h int, c color.RGBA) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		log.Fatal().Err(err).Msg("Failed to encode test image")
	}
	return buf.Bytes()
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	log.Info().Str("addr", addr).Msg("Connecting to Backbone Flight Server")

	var c *client.FlightClient
	var err error
	for i := 0; i < 10; i++ {
		c, err = client.NewFlightClient(addr)
		if err == nil {
			break
		}
		log.Warn().Err(err).Msg("Connection failed, retrying...")
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect after retries")
	}
	defer c.Close()

	ids := []string{"red", "wide", "tall"}
	images := [][]byte{
		solid(64, 64, color.RGBA{255, 0, 0, 255}),
		solid(128, 32, color.RGBA{0, 255, 0, 255}),
		solid(32, 96, color.RGBA{0, 0, 255, 255}),
	}

	pool := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.BinaryTypes.String},
		{Name: "image", Type: arrow.BinaryTypes.Binary},
	}, nil)
	sb := array.NewStringBuilder(pool)
	defer sb.Release()
	sb.AppendValues(ids, nil)
	bb := array.NewBinaryBuilder(pool, arrow.BinaryTypes.Binary)
	defer bb.Release()
	bb.AppendValues(images, nil)
	idArr := sb.NewArray()
	defer idArr.Release()
	imgArr := bb.NewArray()
	defer imgArr.Release()
	rec := array.NewRecordBatch(schema, []arrow.Array{idArr, imgArr}, int64(len(ids)))
	defer rec.Release()

	log.Info().Int("count", len(ids)).Msg("Sending images")

	start := time.Now()
	if err := c.DoPut(context.Background(), "verify", rec); err != nil {
		log.Fatal().Err(err).Msg("DoPut failed")
	}
	log.Info().Dur("elapsed", time.Since(start)).Msg("Server processed images")

	fmt.Println("VERIFICATION PASSED")
}
