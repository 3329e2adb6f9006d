// Package store implements the persistent store and per-session staging
// areas from spec §3 and the promotion/rollback mechanics of §4.2. It owns
// no network I/O; it is driven by internal/session's request handlers.
//
// Grounded on datanode/datanode.go's fileReader/fileWriter (the teacher's
// closest analog of "stream bytes between a socket and a file, hashing as
// you go"), generalized from SDFS's replica-write model to netfs's
// stage-then-atomically-promote model.
package store

import (
	"crypto/sha512"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/score-framework/netfs/internal/protocol"
)

// StagedFile is the metadata spec §3 requires a session to keep per staged
// upload: size, digest, and whether it has been verified against that
// digest since it was last written.
type StagedFile struct {
	Name     string
	Size     int64
	Digest   [protocol.DigestSize]byte
	Verified bool
}

// Store owns the persistent root and mints per-session staging areas. A
// single Store is shared by every session on a listener; staging-area
// creation is the only Store method sessions call directly — everything
// else flows through a StagingArea.
type Store struct {
	root        string
	stagingRoot string
}

// New resolves root to an absolute path and ensures a sibling staging-root
// directory exists alongside it. Staging areas are never reachable through
// the download operation because they live outside root entirely (spec §6:
// "Staging areas ... MUST NOT be visible through the download operation").
func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, "resolving store root")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating store root")
	}
	stagingRoot := abs + ".staging"
	if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating staging root")
	}
	return &Store{root: abs, stagingRoot: stagingRoot}, nil
}

// Root returns the persistent store's absolute root path.
func (s *Store) Root() string { return s.root }

// Resolve normalizes a logical filename and rejects it if, after
// normalization, it would escape the store root. Forward slashes separate
// path components on the wire regardless of host OS (spec §3). It returns
// the absolute on-disk path under the persistent root.
func (s *Store) Resolve(name string) (string, error) {
	if name == "" {
		return "", errors.Wrap(protocol.ErrInvalidName, "empty filename")
	}
	cleanedSlash := filepath.ToSlash(name)
	if strings.HasPrefix(cleanedSlash, "/") {
		return "", errors.Wrapf(protocol.ErrInvalidName, "absolute path %q", name)
	}
	joined := filepath.Join(s.root, filepath.FromSlash(cleanedSlash))
	rootWithSep := s.root + string(filepath.Separator)
	if joined != s.root && !strings.HasPrefix(joined, rootWithSep) {
		return "", errors.Wrapf(protocol.ErrInvalidName, "path %q escapes root", name)
	}
	if joined == s.root {
		return "", errors.Wrapf(protocol.ErrInvalidName, "path %q resolves to root itself", name)
	}
	return joined, nil
}

// StagingArea is a private per-session directory plus the in-memory
// bookkeeping spec §3 calls "session state": staged file metadata. The
// filenames a session holds in the Upload Lock Registry are tracked by the
// registry itself, not here. NewStagingArea allocates it; its directory is
// created on the first upload and removed by Rollback or Close.
type StagingArea struct {
	store   *Store
	dir     string
	staged  map[string]*StagedFile
	created bool
}

// NewStagingArea allocates (but does not yet create on disk) a staging
// area unique to one session. The directory name is a uuid so that rapid
// reconnect or PID reuse can never collide two sessions' staging areas —
// grounded in the ambient-stack decision to use google/uuid for session
// identity (SPEC_FULL.md).
func (s *Store) NewStagingArea() *StagingArea {
	return &StagingArea{
		store:  s,
		dir:    filepath.Join(s.stagingRoot, uuid.NewString()),
		staged: make(map[string]*StagedFile),
	}
}

// ensureDir creates the staging directory on disk on first use (lazy
// creation per spec §3).
func (sa *StagingArea) ensureDir() error {
	if sa.created {
		return nil
	}
	if err := os.MkdirAll(sa.dir, 0o755); err != nil {
		return errors.Wrap(err, "creating staging area")
	}
	sa.created = true
	return nil
}

// stagingPath returns the on-disk path for the staged copy of a logical
// filename. It flattens the wire's slash separators so nested logical
// names never require the staging area itself to grow subdirectories —
// those are only created under the persistent root, at commit time. The
// flattened name is keyed purely off the logical name, so it is reachable
// both when staging the upload and when rolling it back, without
// re-resolving against the persistent root.
func (sa *StagingArea) stagingPath(name string) string {
	flat := strings.ReplaceAll(filepath.ToSlash(name), "/", "_")
	return filepath.Join(sa.dir, flat)
}

// BeginUpload opens (truncating if already staged, per spec §4.2's
// "self-overwrite of staging" case) the staging file for name and returns
// a writer that also computes an incremental SHA-512 digest as bytes are
// written, so the blob is never buffered whole in memory.
func (sa *StagingArea) BeginUpload(name string) (*UploadWriter, error) {
	if err := sa.ensureDir(); err != nil {
		return nil, err
	}
	// Drop any prior staged entry for this name up front: the staging
	// file is about to be truncated, so a stale map entry pointing at the
	// old digest/size must not survive a failed re-upload (spec §4.2:
	// "releases the prior staged file (truncate) and proceeds").
	delete(sa.staged, name)
	path := sa.stagingPath(name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "opening staging file")
	}
	return &UploadWriter{
		area: sa,
		name: name,
		path: path,
		file: f,
		hash: sha512.New(),
	}, nil
}

// UploadWriter streams upload bytes to a staging file while updating a
// running SHA-512. Callers must call either Finish (success) or Abort
// (failure) exactly once.
type UploadWriter struct {
	area *StagingArea
	name string
	path string
	file *os.File
	hash hash.Hash
	size int64
}

// Write streams bytes from the socket to both the staging file and the
// running hash. Implements io.Writer so callers can io.CopyN straight from
// the wire reader.
func (u *UploadWriter) Write(p []byte) (int, error) {
	n, err := u.file.Write(p)
	if n > 0 {
		u.hash.Write(p[:n])
		u.size += int64(n)
	}
	if err != nil {
		return n, errors.Wrap(err, "writing staging file")
	}
	return n, nil
}

// Finish closes the staging file, compares the computed digest against
// expected, and — on match — records the staged file in the session's
// map. On mismatch it unlinks the staging file and returns ErrIntegrity,
// per spec §4.2 step 4.
func (u *UploadWriter) Finish(expected [protocol.DigestSize]byte) error {
	if err := u.file.Close(); err != nil {
		return errors.Wrap(err, "closing staging file")
	}
	var got [protocol.DigestSize]byte
	copy(got[:], u.hash.Sum(nil))
	if got != expected {
		os.Remove(u.path)
		return errors.Wrapf(protocol.ErrIntegrity, "upload %q: computed digest does not match declared digest", u.name)
	}
	u.area.staged[u.name] = &StagedFile{
		Name:     u.name,
		Size:     u.size,
		Digest:   got,
		Verified: true,
	}
	return nil
}

// Abort discards a partially-written staging file without recording it.
func (u *UploadWriter) Abort() {
	u.file.Close()
	os.Remove(u.path)
}

// Lookup returns the staged metadata for name, if this session has it
// staged.
func (sa *StagingArea) Lookup(name string) (*StagedFile, bool) {
	sf, ok := sa.staged[name]
	return sf, ok
}

// StagedPath returns the on-disk staging path for a staged logical
// filename, for handlers that need to open it directly (download, prepare
// re-verification).
func (sa *StagingArea) StagedPath(name string) string {
	return sa.stagingPath(name)
}

// StagedNames returns every logical filename currently staged in this
// session, in no particular order.
func (sa *StagingArea) StagedNames() []string {
	names := make([]string, 0, len(sa.staged))
	for name := range sa.staged {
		names = append(names, name)
	}
	return names
}

// Verify recomputes the SHA-512 of the staged file for name from disk and
// compares it to the recorded digest. Used by the prepare handler (spec
// §4.2: "Re-verify every staged file"). It does not remove the staged file
// on mismatch — prepare is advisory; commit re-verifies before promoting.
func (sa *StagingArea) Verify(name string) error {
	sf, ok := sa.staged[name]
	if !ok {
		return errors.Errorf("no staged file %q to verify", name)
	}
	digest, err := hashFile(sa.stagingPath(name))
	if err != nil {
		sf.Verified = false
		return errors.Wrapf(err, "re-hashing staged file %q", name)
	}
	if digest != sf.Digest {
		sf.Verified = false
		return errors.Wrapf(protocol.ErrIntegrity, "staged file %q no longer matches its recorded digest", name)
	}
	sf.Verified = true
	return nil
}

// Commit promotes every staged file into the persistent store by an
// atomic same-filesystem rename (spec §4.2's baseline atomicity
// primitive). It re-verifies each file immediately before renaming —
// "commit must also verify" per spec. If a rename fails partway,
// already-promoted files remain promoted (best-effort commit, per spec);
// the caller decides whether to report aggregate success or failure.
func (sa *StagingArea) Commit() error {
	for _, sf := range sa.staged {
		if err := sa.Verify(sf.Name); err != nil {
			return errors.Wrapf(err, "commit aborted: %q failed re-verification", sf.Name)
		}
		dest, err := sa.store.Resolve(sf.Name)
		if err != nil {
			return errors.Wrapf(err, "resolving %q at commit", sf.Name)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return errors.Wrapf(err, "creating parent directories for %q", sf.Name)
		}
		if err := promote(sa.stagingPath(sf.Name), dest); err != nil {
			return errors.Wrapf(err, "promoting %q", sf.Name)
		}
		delete(sa.staged, sf.Name)
		log.Debug().Str("name", sf.Name).Str("dest", dest).Msg("promoted staged file")
	}
	return nil
}

// promote moves src to dst by an atomic rename when both are on the same
// filesystem. If the rename fails for any reason (EXDEV when they are
// not), it falls back to copy+fsync+rename+unlink, documented in spec §4.2 as losing
// atomicity — a reader could, in that fallback path only, observe a
// partially written dst.
func promote(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	return promoteCrossDevice(src, dst)
}

func promoteCrossDevice(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "opening staged file for cross-device copy")
	}
	defer in.Close()

	tmp := dst + ".netfs-promote"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "creating cross-device temp file")
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "copying staged file across devices")
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "fsyncing cross-device temp file")
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "closing cross-device temp file")
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "renaming cross-device temp file into place")
	}
	os.Remove(src)
	return nil
}

// Rollback unlinks every staged file, clears the staged map, and removes
// the staging directory (the next upload creates it again). Safe to call
// multiple times.
func (sa *StagingArea) Rollback() {
	for _, sf := range sa.staged {
		os.Remove(sa.stagingPath(sf.Name))
	}
	sa.staged = make(map[string]*StagedFile)
	if sa.created {
		os.RemoveAll(sa.dir)
		sa.created = false
	}
}

// Close removes the staging area directory entirely, including any
// never-committed files, and is called on disconnect. Commit completion
// and rollback remove the directory through Rollback (spec §3).
func (sa *StagingArea) Close() error {
	if !sa.created {
		return nil
	}
	return errors.Wrap(os.RemoveAll(sa.dir), "removing staging area")
}

func hashFile(path string) ([protocol.DigestSize]byte, error) {
	var digest [protocol.DigestSize]byte
	f, err := os.Open(path)
	if err != nil {
		return digest, err
	}
	defer f.Close()
	h := sha512.New()
	if _, err := io.Copy(h, f); err != nil {
		return digest, err
	}
	copy(digest[:], h.Sum(nil))
	return digest, nil
}
