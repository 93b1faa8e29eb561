package main

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-backbone/internal/client"
)

// PutSummary is sent back as PutResult metadata after each batch.
type PutSummary struct {
	RequestID string `cbor:"request_id"`
	Rows      int    `cbor:"rows"`
	Cached    int    `cbor:"cached"`
}

// BackboneFlightServer runs extraction on records written with DoPut.
// Records carry a binary "image" column and an optional "id" column.
type BackboneFlightServer struct {
	flight.BaseFlightServer
	srv *Server
}

func NewBackboneFlightServer(srv *Server) *BackboneFlightServer {
	return &BackboneFlightServer{srv: srv}
}

func (s *BackboneFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	return fmt.Errorf("DoExchange not implemented")
}

func (s *BackboneFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	ctx := stream.Context()
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.srv.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	reqID := uuid.NewString()
	for reader.Next() {
		ids, images, err := client.ImagesFromRecord(reader.Record())
		if err != nil {
			return err
		}
		results, err := s.srv.admitAndRun(ctx, ids, images)
		if err != nil {
			log.Error().Err(err).Str("request_id", reqID).Msg("Flight extraction failed")
			return err
		}

		summary := PutSummary{RequestID: reqID, Rows: len(results)}
		for _, r := range results {
			if r.Cached {
				summary.Cached++
			}
		}
		log.Info().Str("request_id", reqID).Int("rows", summary.Rows).Int("cached", summary.Cached).Msg("DoPut processed batch")

		meta, err := cbor.Marshal(summary)
		if err != nil {
			return err
		}
		if err := stream.Send(&flight.PutResult{AppMetadata: meta}); err != nil {
			return err
		}
	}
	return reader.Err()
}

// newFlightServer binds addr without serving.
func newFlightServer(addr string, srv *Server) (flight.Server, error) {
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewBackboneFlightServer(srv))
	if err := server.Init(addr); err != nil {
		return nil, err
	}
	return server, nil
}

func StartFlightServer(addr string, srv *Server) {
	server, err := newFlightServer(addr, srv)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", server.Addr().String()).Msg("Starting Backbone Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
