package session

import (
	"encoding/binary"
	"io"
	"os"
	"time"

	"github.com/score-framework/netfs/internal/metrics"
	"github.com/score-framework/netfs/internal/protocol"
)

// handleUpload implements spec §4.2's upload handler in five steps: read
// the name, acquire the upload lock, stream the declared content length
// into staging while hashing incrementally, read and compare the expected
// digest, and record the staged file on success.
func (s *Session) handleUpload() error {
	name, err := s.r.ReadString(protocol.MaxNameLength)
	if err != nil {
		return err
	}
	if _, resolveErr := s.store.Resolve(name); resolveErr != nil {
		metrics.RequestsTotal.WithLabelValues("upload", "error").Inc()
		// The declared length still has to be consumed so the stream
		// stays in sync with the peer (spec §4.2: "consume the full
		// declared payload ... OR close the connection").
		n, lenErr := s.r.ReadI64Length(protocol.MaxBlobLength)
		if lenErr == nil {
			_ = s.r.Discard(n)
			_, _ = s.r.ReadDigest()
		}
		return s.respondError()
	}

	acquiredHere := false
	if _, held := s.locks.Holder(name); !held {
		acquiredHere = true
	}
	if !s.locks.Acquire(name, s.id) {
		metrics.LockContentionTotal.Inc()
		metrics.RequestsTotal.WithLabelValues("upload", "error").Inc()
		n, lenErr := s.r.ReadI64Length(protocol.MaxBlobLength)
		if lenErr == nil {
			_ = s.r.Discard(n)
			_, _ = s.r.ReadDigest()
		}
		return s.respondError()
	}

	length, err := s.r.ReadI64Length(protocol.MaxBlobLength)
	if err != nil {
		if acquiredHere {
			s.locks.Release(name, s.id)
		}
		return err
	}

	uw, err := s.staging.BeginUpload(name)
	if err != nil {
		_ = s.r.Discard(length)
		_, _ = s.r.ReadDigest()
		if acquiredHere {
			s.locks.Release(name, s.id)
		}
		metrics.RequestsTotal.WithLabelValues("upload", "error").Inc()
		return s.respondError()
	}

	if _, err := io.CopyN(uw, s.r.BodyReader(), length); err != nil {
		uw.Abort()
		if acquiredHere {
			s.locks.Release(name, s.id)
		}
		metrics.RequestsTotal.WithLabelValues("upload", "error").Inc()
		return s.respondError()
	}

	expected, err := s.r.ReadDigest()
	if err != nil {
		uw.Abort()
		if acquiredHere {
			s.locks.Release(name, s.id)
		}
		return err
	}

	if err := uw.Finish(expected); err != nil {
		if acquiredHere {
			s.locks.Release(name, s.id)
		}
		metrics.RequestsTotal.WithLabelValues("upload", "error").Inc()
		return s.respondError()
	}

	metrics.RequestsTotal.WithLabelValues("upload", "ok").Inc()
	return s.respondOK()
}

// handleDownload implements spec §4.2's download handler: resolve name
// against the session's staged files first, then the persistent store; on
// hit, respond success followed by name, blob, digest, and — per
// SPEC_FULL.md's resolution of the mtime Open Question — a 4-byte
// big-endian modification-time trailer.
func (s *Session) handleDownload() error {
	name, err := s.r.ReadString(protocol.MaxNameLength)
	if err != nil {
		return err
	}

	dest, resolveErr := s.store.Resolve(name)
	if resolveErr != nil {
		metrics.RequestsTotal.WithLabelValues("download", "error").Inc()
		return s.respondError()
	}

	if sf, ok := s.staging.Lookup(name); ok {
		path := s.staging.StagedPath(name)
		return s.streamDownload(name, path, sf.Size, modTimeOrZero(path))
	}

	info, statErr := os.Stat(dest)
	if statErr != nil {
		metrics.RequestsTotal.WithLabelValues("download", "error").Inc()
		return s.respondError()
	}
	return s.streamDownload(name, dest, info.Size(), info.ModTime())
}

func (s *Session) streamDownload(name, path string, size int64, mtime time.Time) error {
	f, err := os.Open(path)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues("download", "error").Inc()
		return s.respondError()
	}
	defer f.Close()

	if err := s.respondOK(); err != nil {
		return err
	}
	if err := s.w.WriteString(name); err != nil {
		return err
	}
	if err := s.w.WriteI64Length(size); err != nil {
		return err
	}

	digest, copyErr := hashingCopy(s.w, f)
	if copyErr != nil {
		metrics.RequestsTotal.WithLabelValues("download", "error").Inc()
		return copyErr
	}
	if err := s.w.WriteDigest(digest); err != nil {
		return err
	}

	var mtimeField [4]byte
	binary.BigEndian.PutUint32(mtimeField[:], uint32(mtime.Unix()))
	if _, err := s.w.Write(mtimeField[:]); err != nil {
		return err
	}

	metrics.RequestsTotal.WithLabelValues("download", "ok").Inc()
	return nil
}

// handlePrepare implements spec §4.2's prepare handler: re-verify every
// staged file's digest from disk. This is advisory — commit re-verifies
// independently.
func (s *Session) handlePrepare() error {
	for _, name := range s.staging.StagedNames() {
		if err := s.staging.Verify(name); err != nil {
			metrics.RequestsTotal.WithLabelValues("prepare", "error").Inc()
			return s.respondError()
		}
	}
	metrics.RequestsTotal.WithLabelValues("prepare", "ok").Inc()
	return s.respondOK()
}

// handleCommit implements spec §4.2's commit handler: promote every
// staged file by atomic rename, then release every lock this session
// holds and clear the staged map.
func (s *Session) handleCommit() error {
	if err := s.staging.Commit(); err != nil {
		// Best-effort per spec §4.2: files already renamed before the
		// failure remain promoted and leave the staged map. Locks and the
		// rest of the staged bookkeeping are left as-is so the caller can
		// retry commit or issue rollback to clean up the remainder.
		metrics.RequestsTotal.WithLabelValues("commit", "error").Inc()
		return s.respondError()
	}
	s.locks.ReleaseAll(s.id)
	s.staging.Rollback()
	metrics.RequestsTotal.WithLabelValues("commit", "ok").Inc()
	return s.respondOK()
}

// handleRollback implements spec §4.2's rollback handler: unlink all
// staged files, clear the staged map, release all locks.
func (s *Session) handleRollback() error {
	s.staging.Rollback()
	s.locks.ReleaseAll(s.id)
	metrics.RequestsTotal.WithLabelValues("rollback", "ok").Inc()
	return s.respondOK()
}

func modTimeOrZero(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
