package protocol

import "github.com/pkg/errors"

// The error kinds from spec §7. They are never placed on the wire — a
// session turns any of these into a single status byte — but they drive
// the propagation policy: ProtocolError is fatal to the connection, the
// rest are reported per-request and the session continues.
var (
	// ErrProtocol marks malformed framing, an invalid tag, invalid UTF-8, a
	// negative length, or an oversize field. Fatal to the connection.
	ErrProtocol = errors.New("protocol error")

	// ErrIntegrity marks a hash mismatch on upload or prepare.
	ErrIntegrity = errors.New("integrity error: digest mismatch")

	// ErrLockContention marks that another session already holds the
	// upload lock for this filename.
	ErrLockContention = errors.New("lock contention")

	// ErrNotFound marks a download target that exists in neither the
	// session's staged files nor the persistent store.
	ErrNotFound = errors.New("not found")

	// ErrInvalidName marks a logical filename that is empty or whose
	// normalized form escapes the configured root.
	ErrInvalidName = errors.New("invalid filename")

	// ErrBackendUnavailable is proxy-only: no backend answered in time.
	ErrBackendUnavailable = errors.New("no backend available")
)

// IsFatal reports whether err should terminate the connection rather than
// be reported as a single error status byte with the session continuing.
// Only protocol errors and errors wrapping them are fatal; I/O errors on
// the socket itself are handled by the caller directly (a failed write
// means there's no connection left to keep serving).
func IsFatal(err error) bool {
	return errors.Is(err, ErrProtocol)
}
