// Package lockregistry implements the process-wide Upload Lock Registry
// from spec §3 and §5: a single mutex-guarded map from logical filename to
// the session currently uploading it. Acquisition is acquire-or-fail —
// there is no blocking wait — and release is idempotent so it is safe to
// call from both a handler's error path and the connection's deferred
// cleanup.
//
// The original score.netfs server left this as a TODO ("# TODO: file
// lock!") in FileUpload.path; SDFS's membership package is the closest
// grounding in the pack for a process-wide mutex-guarded shared map
// (membership.MemberList), generalized here to the lock's acquire/release
// discipline.
package lockregistry

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// SessionID identifies the session holding a lock. Any comparable value
// works; the server uses a uuid string (see internal/session).
type SessionID string

// Registry is the process-wide Upload Lock Registry. The zero value is not
// usable; construct with New.
type Registry struct {
	mu    sync.Mutex
	locks map[string]SessionID
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{locks: make(map[string]SessionID)}
}

// Acquire claims the upload lock for name on behalf of owner. It succeeds
// (returns true) if no other session currently holds it, or if owner
// already holds it (idempotent re-acquisition, matching the "session
// re-uploading a name it already staged" case in spec §4.2). It fails
// (returns false) without blocking if a different session holds it.
func (r *Registry) Acquire(name string, owner SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if holder, ok := r.locks[name]; ok && holder != owner {
		return false
	}
	r.locks[name] = owner
	return true
}

// Release drops owner's lock on name, if owner currently holds it. It is a
// no-op if the lock is absent or held by someone else, so it is always
// safe to call during cleanup without first checking ownership.
func (r *Registry) Release(name string, owner SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if holder, ok := r.locks[name]; ok && holder == owner {
		delete(r.locks, name)
	}
}

// ReleaseAll drops every lock held by owner, found by scanning the
// registry rather than trusting a caller-supplied name list. Called on
// commit, rollback, and disconnect — the cleanup is bound to connection
// lifecycle per spec §5, so this must be reachable from a deferred
// connection-close handler, not only the happy-path commit/rollback
// handlers.
//
// Scanning the registry itself, rather than releasing a list of names the
// caller thinks it holds, matters because a session's own bookkeeping of
// "what I have staged" can fall out of sync with "what I hold a lock on"
// — a digest-mismatch re-upload drops the staged entry for a name while
// leaving the lock acquired (spec §4.2 step 4). A release driven by the
// staged-file list would leak that lock forever; a release driven by
// actual lock ownership cannot.
func (r *Registry) ReleaseAll(owner SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	released := 0
	for name, holder := range r.locks {
		if holder == owner {
			delete(r.locks, name)
			released++
		}
	}
	log.Debug().Str("owner", string(owner)).Int("count", released).Msg("released upload locks")
}

// Holder reports which session, if any, currently holds the lock for name.
func (r *Registry) Holder(name string) (SessionID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	holder, ok := r.locks[name]
	return holder, ok
}
