package session

import (
	"crypto/sha512"
	"io"

	"github.com/score-framework/netfs/internal/protocol"
)

// hashingCopy streams src to dst while computing a running SHA-512,
// returning the final digest. Used by the download handler to re-emit the
// content blob without buffering it whole, the same bounded-memory
// discipline the upload path uses in internal/store.
func hashingCopy(dst io.Writer, src io.Reader) ([protocol.DigestSize]byte, error) {
	var digest [protocol.DigestSize]byte
	h := sha512.New()
	if _, err := io.Copy(io.MultiWriter(dst, h), src); err != nil {
		return digest, err
	}
	copy(digest[:], h.Sum(nil))
	return digest, nil
}
