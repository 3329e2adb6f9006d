package session

import (
	"crypto/sha512"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/score-framework/netfs/internal/lockregistry"
	"github.com/score-framework/netfs/internal/protocol"
	"github.com/score-framework/netfs/internal/store"
	"github.com/score-framework/netfs/internal/wire"
)

// harness wires an in-memory net.Pipe connection to a live Session, giving
// tests a wire.Reader/Writer pair on the client side of the pipe.
type harness struct {
	t     *testing.T
	r     *wire.Reader
	w     *wire.Writer
	store *store.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	locks := lockregistry.New()

	serverSide, clientSide := net.Pipe()
	sess := New(serverSide, st, locks, zerolog.Nop())
	go sess.Serve()
	t.Cleanup(func() { clientSide.Close() })

	return &harness{
		t:     t,
		r:     wire.NewReader(clientSide),
		w:     wire.NewWriter(clientSide),
		store: st,
	}
}

func (h *harness) upload(name string, content []byte) byte {
	h.t.Helper()
	require.NoError(h.t, h.w.WriteTag(byte(protocol.ReqUpload)))
	require.NoError(h.t, h.w.WriteString(name))
	require.NoError(h.t, h.w.WriteI64Length(int64(len(content))))
	_, err := h.w.Write(content)
	require.NoError(h.t, err)
	digest := sha512.Sum512(content)
	require.NoError(h.t, h.w.WriteDigest(digest))
	require.NoError(h.t, h.w.Flush())
	status, err := h.r.ReadTag()
	require.NoError(h.t, err)
	return status
}

func (h *harness) commit() byte {
	h.t.Helper()
	require.NoError(h.t, h.w.WriteTag(byte(protocol.ReqCommit)))
	require.NoError(h.t, h.w.Flush())
	status, err := h.r.ReadTag()
	require.NoError(h.t, err)
	return status
}

func (h *harness) rollback() byte {
	h.t.Helper()
	require.NoError(h.t, h.w.WriteTag(byte(protocol.ReqRollback)))
	require.NoError(h.t, h.w.Flush())
	status, err := h.r.ReadTag()
	require.NoError(h.t, err)
	return status
}

func (h *harness) download(name string) (byte, []byte) {
	h.t.Helper()
	require.NoError(h.t, h.w.WriteTag(byte(protocol.ReqDownload)))
	require.NoError(h.t, h.w.WriteString(name))
	require.NoError(h.t, h.w.Flush())
	status, err := h.r.ReadTag()
	require.NoError(h.t, err)
	if protocol.Status(status) != protocol.StatusOK {
		return status, nil
	}
	_, err = h.r.ReadString(protocol.MaxNameLength)
	require.NoError(h.t, err)
	size, err := h.r.ReadI64Length(protocol.MaxBlobLength)
	require.NoError(h.t, err)
	buf := make([]byte, size)
	_, err = io.ReadFull(h.r.BodyReader(), buf)
	require.NoError(h.t, err)
	_, err = h.r.ReadDigest()
	require.NoError(h.t, err)
	var mtimeField [4]byte
	_, err = io.ReadFull(h.r.BodyReader(), mtimeField[:])
	require.NoError(h.t, err)
	return status, buf
}

func TestUploadCommitDownloadRoundTrip(t *testing.T) {
	h := newHarness(t)
	content := []byte("hello netfs")

	status := h.upload("greeting.txt", content)
	assert.Equal(t, byte(protocol.StatusOK), status)

	status = h.commit()
	assert.Equal(t, byte(protocol.StatusOK), status)

	status, got := h.download("greeting.txt")
	assert.Equal(t, byte(protocol.StatusOK), status)
	assert.Equal(t, content, got)
}

func TestUploadHashMismatchRejected(t *testing.T) {
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	locks := lockregistry.New()
	serverSide, clientSide := net.Pipe()
	sess := New(serverSide, st, locks, zerolog.Nop())
	go sess.Serve()
	defer clientSide.Close()

	r := wire.NewReader(clientSide)
	w := wire.NewWriter(clientSide)

	content := []byte("hello netfs")
	require.NoError(t, w.WriteTag(byte(protocol.ReqUpload)))
	require.NoError(t, w.WriteString("greeting.txt"))
	require.NoError(t, w.WriteI64Length(int64(len(content))))
	_, err = w.Write(content)
	require.NoError(t, err)
	var wrongDigest [protocol.DigestSize]byte
	require.NoError(t, w.WriteDigest(wrongDigest))
	require.NoError(t, w.Flush())

	status, err := r.ReadTag()
	require.NoError(t, err)
	assert.Equal(t, byte(protocol.StatusError), status)
}

func TestDigestMismatchThenDisconnectReleasesLock(t *testing.T) {
	// A digest mismatch on a re-upload drops the staged entry for the
	// name, but the session still holds the upload lock it took on the
	// first upload (spec §4.2 step 4 releases only a newly acquired lock).
	// Disconnecting afterward must still release it — ReleaseAll has to
	// find the lock by scanning the registry, not by trusting the (now
	// empty) staged-file list.
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	locks := lockregistry.New()
	serverSide, clientSide := net.Pipe()
	sess := New(serverSide, st, locks, zerolog.Nop())
	go sess.Serve()

	r := wire.NewReader(clientSide)
	w := wire.NewWriter(clientSide)

	content := []byte("hello netfs")
	digest := sha512.Sum512(content)
	require.NoError(t, w.WriteTag(byte(protocol.ReqUpload)))
	require.NoError(t, w.WriteString("greeting.txt"))
	require.NoError(t, w.WriteI64Length(int64(len(content))))
	_, err = w.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.WriteDigest(digest))
	require.NoError(t, w.Flush())

	status, err := r.ReadTag()
	require.NoError(t, err)
	require.Equal(t, byte(protocol.StatusOK), status)

	require.NoError(t, w.WriteTag(byte(protocol.ReqUpload)))
	require.NoError(t, w.WriteString("greeting.txt"))
	require.NoError(t, w.WriteI64Length(int64(len(content))))
	_, err = w.Write(content)
	require.NoError(t, err)
	var wrongDigest [protocol.DigestSize]byte
	require.NoError(t, w.WriteDigest(wrongDigest))
	require.NoError(t, w.Flush())

	status, err = r.ReadTag()
	require.NoError(t, err)
	require.Equal(t, byte(protocol.StatusError), status)

	_, held := locks.Holder("greeting.txt")
	require.True(t, held, "lock must still be held after a digest mismatch, per spec §4.2 step 4")

	clientSide.Close()
	time.Sleep(50 * time.Millisecond)

	_, stillHeld := locks.Holder("greeting.txt")
	assert.False(t, stillHeld, "lock must not leak past disconnect even though the staged entry was already dropped")
}

func TestDownloadOfUncommittedStagedFileVisibleWithinSession(t *testing.T) {
	h := newHarness(t)
	content := []byte("staged but not committed")
	status := h.upload("draft.txt", content)
	require.Equal(t, byte(protocol.StatusOK), status)

	status, got := h.download("draft.txt")
	assert.Equal(t, byte(protocol.StatusOK), status)
	assert.Equal(t, content, got)
}

func TestDownloadNotFound(t *testing.T) {
	h := newHarness(t)
	status, _ := h.download("nonexistent.txt")
	assert.Equal(t, byte(protocol.StatusError), status)
}

func TestUploadLockContentionAcrossSessions(t *testing.T) {
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	locks := lockregistry.New()

	serverA, clientA := net.Pipe()
	sessA := New(serverA, st, locks, zerolog.Nop())
	go sessA.Serve()
	defer clientA.Close()

	serverB, clientB := net.Pipe()
	sessB := New(serverB, st, locks, zerolog.Nop())
	go sessB.Serve()
	defer clientB.Close()

	rA, wA := wire.NewReader(clientA), wire.NewWriter(clientA)
	rB, wB := wire.NewReader(clientB), wire.NewWriter(clientB)

	content := []byte("contended")
	digest := sha512.Sum512(content)

	require.NoError(t, wA.WriteTag(byte(protocol.ReqUpload)))
	require.NoError(t, wA.WriteString("shared.txt"))
	require.NoError(t, wA.WriteI64Length(int64(len(content))))
	_, err = wA.Write(content)
	require.NoError(t, err)
	require.NoError(t, wA.WriteDigest(digest))
	require.NoError(t, wA.Flush())
	statusA, err := rA.ReadTag()
	require.NoError(t, err)
	require.Equal(t, byte(protocol.StatusOK), statusA)

	require.NoError(t, wB.WriteTag(byte(protocol.ReqUpload)))
	require.NoError(t, wB.WriteString("shared.txt"))
	require.NoError(t, wB.WriteI64Length(int64(len(content))))
	_, err = wB.Write(content)
	require.NoError(t, err)
	require.NoError(t, wB.WriteDigest(digest))
	require.NoError(t, wB.Flush())
	statusB, err := rB.ReadTag()
	require.NoError(t, err)
	assert.Equal(t, byte(protocol.StatusError), statusB)
}

func TestRollbackDiscardsStagedFile(t *testing.T) {
	h := newHarness(t)
	status := h.upload("throwaway.txt", []byte("nope"))
	require.Equal(t, byte(protocol.StatusOK), status)

	status = h.rollback()
	assert.Equal(t, byte(protocol.StatusOK), status)

	status, _ = h.download("throwaway.txt")
	assert.Equal(t, byte(protocol.StatusError), status)
}

func TestDisconnectWithoutCommitRollsBack(t *testing.T) {
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	locks := lockregistry.New()
	serverSide, clientSide := net.Pipe()
	sess := New(serverSide, st, locks, zerolog.Nop())
	go sess.Serve()

	r := wire.NewReader(clientSide)
	w := wire.NewWriter(clientSide)
	content := []byte("abandoned")
	digest := sha512.Sum512(content)
	require.NoError(t, w.WriteTag(byte(protocol.ReqUpload)))
	require.NoError(t, w.WriteString("abandoned.txt"))
	require.NoError(t, w.WriteI64Length(int64(len(content))))
	_, err = w.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.WriteDigest(digest))
	require.NoError(t, w.Flush())
	status, err := r.ReadTag()
	require.NoError(t, err)
	require.Equal(t, byte(protocol.StatusOK), status)

	clientSide.Close()
	time.Sleep(50 * time.Millisecond)

	_, held := locks.Holder("abandoned.txt")
	assert.False(t, held)

	dest, err := st.Resolve("abandoned.txt")
	require.NoError(t, err)
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}
