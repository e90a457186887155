package protocol

import "github.com/google/uuid"

type SessionRole int

const (
	RoleInitiator SessionRole = iota
	RoleResponder
)

// SessionPhase tracks the lifecycle of a session: freshly established, active
// once traffic has flowed, or stale after the peer's identity key changed.
type SessionPhase int

const (
	PhaseEstablished SessionPhase = iota
	PhaseActive
	PhaseStale
)

func (p SessionPhase) String() string {
	switch p {
	case PhaseEstablished:
		return "established"
	case PhaseActive:
		return "active"
	case PhaseStale:
		return "stale"
	default:
		return "unknown"
	}
}

type chainState struct {
	Key   [32]byte
	Index uint32
}

// Session is the evolving ratchet state for one device pair. It is not safe
// for concurrent use; callers serialize access per pair (see internal/session).
type Session struct {
	rootKey        [32]byte
	sendChain      chainState
	recvChain      chainState
	ratchetPrivate [32]byte
	ratchetPublic  [32]byte
	remoteRatchet  [32]byte
	remoteIdentity [32]byte
	remoteSigning  []byte
	prevChainLen   uint32
	role           SessionRole
	phase          SessionPhase
	degraded       bool
	identityVer    int
	pendingPrekey  *uuid.UUID
	skipped        map[skippedKeyID][32]byte
}

type skippedKeyID struct {
	ratchetKey [32]byte
	index      uint32
}

// Phase reports the session lifecycle state.
func (s *Session) Phase() SessionPhase { return s.phase }

// Degraded reports whether the session was established without a one-time
// prekey, i.e. with weaker forward secrecy on the initial handshake.
func (s *Session) Degraded() bool { return s.degraded }

// Role reports which side of the handshake this session is.
func (s *Session) Role() SessionRole { return s.role }

// RemoteIdentity returns the peer identity key the session was bound to.
func (s *Session) RemoteIdentity() [32]byte { return s.remoteIdentity }

// IdentityVersion returns the peer identity version observed at establishment.
func (s *Session) IdentityVersion() int { return s.identityVer }

// SetIdentityVersion records the peer identity version the session was
// established against, for later staleness checks.
func (s *Session) SetIdentityVersion(v int) { s.identityVer = v }

// MarkStale flags the session so further encrypt/decrypt calls are rejected
// until a fresh establishment replaces it.
func (s *Session) MarkStale() { s.phase = PhaseStale }

// clone deep-copies the session so decrypt can work on scratch state and only
// commit on success.
func (s *Session) clone() *Session {
	cp := *s
	cp.remoteSigning = append([]byte(nil), s.remoteSigning...)
	if s.pendingPrekey != nil {
		id := *s.pendingPrekey
		cp.pendingPrekey = &id
	}
	cp.skipped = make(map[skippedKeyID][32]byte, len(s.skipped))
	for k, v := range s.skipped {
		cp.skipped[k] = v
	}
	return &cp
}
