// Package server exposes the node's HTTP JSON surface: mutations routed
// through the engine and queries served from the registries and indexer.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/lodetrace/lode-node/internal/engine"
	"github.com/lodetrace/lode-node/internal/indexer"
	"github.com/lodetrace/lode-node/internal/metastore"
)

// Server wires the HTTP listener and request handling stack.
type Server struct {
	http     *http.Server
	listener net.Listener
}

// New constructs a Server listening on addr.
func New(addr string, eng *engine.Engine, idx *indexer.Indexer, meta *metastore.Store) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	h := newHandler(eng, idx, meta)
	return &Server{
		http: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: lis,
	}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks until the server stops.
func (s *Server) Serve() error {
	slog.Info("http server listening", "addr", s.Addr())
	err := s.http.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully takes down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
