// Package server implements the acceptor loop from spec §5: accepts
// connections concurrently, handing each to an independent goroutine that
// owns strictly serial request handling for that connection.
//
// Grounded on datanode/datanode.go's Listener/Handler pair (the teacher's
// accept-loop-plus-goroutine-per-connection shape) and master/master.go.
package server

import (
	"net"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/score-framework/netfs/internal/lockregistry"
	"github.com/score-framework/netfs/internal/session"
	"github.com/score-framework/netfs/internal/store"
)

// Server listens on a TCP address and serves the netfs wire protocol
// against a single persistent store, rooted at the directory it was
// constructed with.
type Server struct {
	addr  string
	store *store.Store
	locks *lockregistry.Registry
	log   zerolog.Logger
}

// New constructs a Server rooted at root, listening on addr once
// ListenAndServe is called.
func New(addr, root string, log zerolog.Logger) (*Server, error) {
	st, err := store.New(root)
	if err != nil {
		return nil, errors.Wrap(err, "initializing store")
	}
	return &Server{
		addr:  addr,
		store: st,
		locks: lockregistry.New(),
		log:   log,
	}, nil
}

// Serve accepts connections until ln.Accept returns any error (including
// the one it returns once the listener is closed). Each accepted connection is handed to its
// own goroutine running session.Serve, matching spec §5's "the server is
// parallel ... each connection is handled by an independent unit of
// execution."
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info().Str("addr", s.addr).Str("root", s.store.Root()).Msg("netfs server listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			return errors.Wrap(err, "accept")
		}
		go func() {
			sess := session.New(conn, s.store, s.locks, s.log)
			sess.Serve()
		}()
	}
}

// ListenAndServe opens a TCP listener on the server's configured address
// and serves on it until Serve returns.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", s.addr)
	}
	defer ln.Close()
	return s.Serve(ln)
}
