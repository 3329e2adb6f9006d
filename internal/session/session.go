// Package session implements the server session from spec §4.2: one
// instance per accepted TCP connection, processing requests serially,
// coordinating with the process-wide Upload Lock Registry, and performing
// atomic promotion on commit.
//
// Grounded on datanode/datanode.go's Handler (the teacher's per-connection
// dispatch loop) and daemon/daemon.go's main-loop structure, generalized
// from SDFS's single-message request/response to netfs's serial
// multi-request session.
package session

import (
	"io"
	"net"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/score-framework/netfs/internal/lockregistry"
	"github.com/score-framework/netfs/internal/protocol"
	"github.com/score-framework/netfs/internal/store"
	"github.com/score-framework/netfs/internal/wire"
)

// Session owns the state of one connection: its staging area, the reader
// and writer wrapping the socket, and a reference to the shared store and
// lock registry. Requests on a Session are handled strictly serially — no
// pipelining, no out-of-order responses (spec §5).
type Session struct {
	id      lockregistry.SessionID
	conn    net.Conn
	r       *wire.Reader
	w       *wire.Writer
	store   *store.Store
	locks   *lockregistry.Registry
	staging *store.StagingArea
	log     zerolog.Logger
}

// New creates a Session for an accepted connection. The staging area is
// allocated but not created on disk until the first upload (spec §3).
func New(conn net.Conn, st *store.Store, locks *lockregistry.Registry, log zerolog.Logger) *Session {
	id := lockregistry.SessionID(uuid.NewString())
	return &Session{
		id:      id,
		conn:    conn,
		r:       wire.NewReader(conn),
		w:       wire.NewWriter(conn),
		store:   st,
		locks:   locks,
		staging: st.NewStagingArea(),
		log:     log.With().Str("session", string(id)).Str("remote", conn.RemoteAddr().String()).Logger(),
	}
}

// Serve reads and dispatches requests until the peer closes the
// connection or a fatal protocol/I/O error occurs. On return, the
// session's cleanup (spec §5: "Cancellation ... synchronous: remove
// staged files, release locks") has already run and the connection has
// been closed, so callers need not close it themselves.
func (s *Session) Serve() {
	defer s.cleanupOnDisconnect()
	s.log.Info().Msg("session started")
	for {
		tag, err := s.r.ReadTag()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Info().Msg("peer closed connection")
			} else {
				s.log.Warn().Err(err).Msg("read tag failed, closing connection")
			}
			return
		}
		kind := protocol.RequestKind(tag)
		if !kind.Valid() {
			s.log.Warn().Uint8("tag", tag).Msg("invalid request tag, closing connection")
			return
		}
		if err := s.dispatch(kind); err != nil {
			if protocol.IsFatal(err) {
				s.log.Warn().Err(err).Str("kind", kind.String()).Msg("fatal error, closing connection")
				return
			}
			s.log.Debug().Err(err).Str("kind", kind.String()).Msg("request failed, session continues")
		}
		if err := s.w.Flush(); err != nil {
			s.log.Warn().Err(err).Msg("flush failed, closing connection")
			return
		}
	}
}

func (s *Session) dispatch(kind protocol.RequestKind) error {
	switch kind {
	case protocol.ReqUpload:
		return s.handleUpload()
	case protocol.ReqDownload:
		return s.handleDownload()
	case protocol.ReqPrepare:
		return s.handlePrepare()
	case protocol.ReqCommit:
		return s.handleCommit()
	case protocol.ReqRollback:
		return s.handleRollback()
	default:
		return errors.Wrapf(protocol.ErrProtocol, "unhandled request kind %s", kind)
	}
}

// cleanupOnDisconnect performs the rollback effects spec §4.2 requires on
// disconnect without commit: staged files removed, locks released. It
// must run regardless of whether the connection closed cleanly or
// abruptly (spec §5).
func (s *Session) cleanupOnDisconnect() {
	s.staging.Rollback()
	s.locks.ReleaseAll(s.id)
	if err := s.staging.Close(); err != nil {
		s.log.Warn().Err(err).Msg("failed to remove staging area on disconnect")
	}
	s.conn.Close()
	s.log.Info().Msg("session ended")
}

func (s *Session) respond(status protocol.Status) error {
	if err := s.w.WriteTag(byte(status)); err != nil {
		return err
	}
	return nil
}

func (s *Session) respondError() error {
	return s.respond(protocol.StatusError)
}

func (s *Session) respondOK() error {
	return s.respond(protocol.StatusOK)
}
