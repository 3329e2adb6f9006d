package client

import (
	"bytes"
	"crypto/sha512"
	"encoding/binary"
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/score-framework/netfs/internal/lockregistry"
	"github.com/score-framework/netfs/internal/protocol"
	"github.com/score-framework/netfs/internal/session"
	"github.com/score-framework/netfs/internal/store"
	"github.com/score-framework/netfs/internal/wire"
)

// startTestServer runs one netfs session per accepted connection against a
// fresh store rooted in a temp directory, returning the listener address.
func startTestServer(t *testing.T) string {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	locks := lockregistry.New()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go session.New(conn, st, locks, zerolog.Nop()).Serve()
		}
	}()
	return ln.Addr().String()
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	addr := startTestServer(t)
	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	content := []byte("round trip content")
	require.NoError(t, c.Upload("a/b/c.txt", bytes.NewReader(content), int64(len(content))))
	require.NoError(t, c.Commit())

	var buf bytes.Buffer
	_, err = c.Download("a/b/c.txt", &buf)
	require.NoError(t, err)
	assert.Equal(t, content, buf.Bytes())
}

func TestDownloadMissingFileErrors(t *testing.T) {
	addr := startTestServer(t)
	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	var buf bytes.Buffer
	_, err = c.Download("nope.txt", &buf)
	assert.Error(t, err)
}

func TestPrepareThenCommit(t *testing.T) {
	addr := startTestServer(t)
	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	content := []byte("staged")
	require.NoError(t, c.Upload("x.txt", bytes.NewReader(content), int64(len(content))))
	require.NoError(t, c.Prepare())
	require.NoError(t, c.Commit())

	var buf bytes.Buffer
	_, err = c.Download("x.txt", &buf)
	require.NoError(t, err)
	assert.Equal(t, content, buf.Bytes())
}

// TestDownloadRetriesOnDigestMismatchWithoutDesyncingStream exercises the
// retry-once-on-mismatch path (SPEC_FULL.md #2) against a fake server that
// deliberately sends a bad digest on the first attempt, then a good
// response on the retry. It asserts both that the retry recovers the
// right content and that the connection is still correctly framed
// afterward — a stream desync from failing to drain the first response's
// mtime trailer would otherwise only show up on the *next* request.
func TestDownloadRetriesOnDigestMismatchWithoutDesyncingStream(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()

	content := []byte("retry me")
	correctDigest := sha512.Sum512(content)

	go func() {
		r := wire.NewReader(serverSide)
		w := wire.NewWriter(serverSide)

		// First attempt: respond with a deliberately wrong digest.
		_, _ = r.ReadTag()
		name, _ := r.ReadString(protocol.MaxNameLength)
		_ = w.WriteTag(byte(protocol.StatusOK))
		_ = w.WriteString(name)
		_ = w.WriteI64Length(int64(len(content)))
		_, _ = w.Write(content)
		var wrongDigest [protocol.DigestSize]byte
		_ = w.WriteDigest(wrongDigest)
		var mtimeField [4]byte
		binary.BigEndian.PutUint32(mtimeField[:], 1234)
		_, _ = w.Write(mtimeField[:])
		_ = w.Flush()

		// Retry: respond correctly this time.
		_, _ = r.ReadTag()
		name, _ = r.ReadString(protocol.MaxNameLength)
		_ = w.WriteTag(byte(protocol.StatusOK))
		_ = w.WriteString(name)
		_ = w.WriteI64Length(int64(len(content)))
		_, _ = w.Write(content)
		_ = w.WriteDigest(correctDigest)
		binary.BigEndian.PutUint32(mtimeField[:], 5678)
		_, _ = w.Write(mtimeField[:])
		_ = w.Flush()

		// A follow-up request on the same connection, to prove framing
		// recovered: echo back a commit status so the test can confirm
		// the tag it reads next is this one, not a stray trailer byte.
		_, _ = r.ReadTag()
		_ = w.WriteTag(byte(protocol.StatusOK))
		_ = w.Flush()
	}()

	c := New(clientSide)
	var buf bytes.Buffer
	_, err := c.Download("retried.txt", &buf)
	require.NoError(t, err)
	assert.Equal(t, content, buf.Bytes())

	require.NoError(t, c.Commit())
}

func TestRollbackAbandonsUpload(t *testing.T) {
	addr := startTestServer(t)
	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	content := []byte("thrown away")
	require.NoError(t, c.Upload("y.txt", bytes.NewReader(content), int64(len(content))))
	require.NoError(t, c.Rollback())

	var buf bytes.Buffer
	_, err = c.Download("y.txt", &buf)
	assert.Error(t, err)
}
