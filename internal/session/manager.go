// Package session keeps the per-device-pair ratchet sessions behind an
// explicit store with per-pair serialization, replacing any ad hoc shared
// maps. All encrypt/decrypt/establishment traffic for one pair goes through
// one lock, so chain derivation never interleaves.
package session

import (
	"errors"
	"fmt"
	"sync"

	"keycore/internal/protocol"

	"github.com/google/uuid"
)

var (
	ErrNoSession = errors.New("session: no session for device pair")
)

type pairKey struct {
	local  uuid.UUID
	remote uuid.UUID
}

type entry struct {
	mu   sync.Mutex
	sess *protocol.Session
}

// Manager owns every session of one local device set. It is safe for
// concurrent use; operations on distinct device pairs do not contend.
type Manager struct {
	mu      sync.Mutex
	entries map[pairKey]*entry
}

func NewManager() *Manager {
	return &Manager{entries: make(map[pairKey]*entry)}
}

func (m *Manager) entryFor(local, remote uuid.UUID) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey{local: local, remote: remote}
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	return e
}

// Establish runs the initiator side of the handshake against a fetched bundle
// and stores the resulting session for the pair, replacing any prior session.
// identityVersion is the peer identity version the bundle was served under.
// A non-nil initial plaintext is sealed on the fresh session and rides inside
// the handshake envelope, so the first message needs no separate delivery.
func (m *Manager) Establish(local, remote uuid.UUID, dev *protocol.Device, bundle *protocol.PrekeyBundle, identityVersion int, initial []byte) ([]byte, error) {
	e := m.entryFor(local, remote)
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, handshake, err := dev.InitiateSession(bundle)
	if err != nil {
		return nil, err
	}
	sess.SetIdentityVersion(identityVersion)

	var first *protocol.CiphertextPayload
	if initial != nil {
		ct, header, err := sess.EncryptInitial(initial)
		if err != nil {
			return nil, err
		}
		first = protocol.NewCiphertextPayload(header, ct)
	}
	e.sess = sess
	return protocol.EncodeHandshakeEnvelope(handshake, first)
}

// Accept processes an incoming handshake envelope for the pair. When the
// handshake carries the initiator's first message, Accept decrypts it on the
// freshly adopted session and returns the plaintext.
//
// Simultaneous establishment is resolved deterministically: when a handshake
// arrives while a locally-initiated session is still unused, the device pair's
// lexicographically lower id wins. The lower side keeps its own session and
// drops the incoming handshake, attached message included; the higher side
// adopts the peer's handshake and discards its own. Both sides converge on
// the session initiated by the lower device, and the higher side resends its
// dropped message over it.
func (m *Manager) Accept(local, remote uuid.UUID, dev *protocol.Device, envelope []byte) (initial []byte, adopted bool, err error) {
	env, err := protocol.DecodeEnvelope(envelope)
	if err != nil {
		return nil, false, err
	}
	if env.Kind != protocol.EnvelopeHandshake {
		return nil, false, fmt.Errorf("%w: expected handshake envelope", protocol.ErrInvalidEnvelope)
	}
	msg, err := env.Handshake.HandshakeMessage()
	if err != nil {
		return nil, false, err
	}

	e := m.entryFor(local, remote)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sess != nil && e.sess.Phase() == protocol.PhaseEstablished && local.String() < remote.String() {
		// Our pending session is authoritative; the peer adopts ours.
		return nil, false, nil
	}

	sess, err := dev.RespondSession(msg)
	if err != nil {
		return nil, false, err
	}
	if env.Handshake.Initial != nil {
		header, ct, err := env.Handshake.Initial.Open()
		if err != nil {
			return nil, false, err
		}
		initial, err = sess.Decrypt(ct, header)
		if err != nil {
			return nil, false, err
		}
	}
	e.sess = sess
	return initial, true, nil
}

// Encrypt advances the pair's sending chain and returns a message envelope.
func (m *Manager) Encrypt(local, remote uuid.UUID, plaintext []byte) ([]byte, error) {
	e := m.entryFor(local, remote)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sess == nil {
		return nil, ErrNoSession
	}
	ct, header, err := e.sess.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	return protocol.EncodeMessageEnvelope(header, ct)
}

// Decrypt opens a message envelope against the pair's session.
func (m *Manager) Decrypt(local, remote uuid.UUID, envelope []byte) ([]byte, error) {
	env, err := protocol.DecodeEnvelope(envelope)
	if err != nil {
		return nil, err
	}
	if env.Kind != protocol.EnvelopeMessage {
		return nil, fmt.Errorf("%w: expected message envelope", protocol.ErrInvalidEnvelope)
	}
	header, ct, err := env.Message.Open()
	if err != nil {
		return nil, err
	}

	e := m.entryFor(local, remote)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sess == nil {
		return nil, ErrNoSession
	}
	return e.sess.Decrypt(ct, header)
}

// Phase reports the lifecycle state of the pair's session.
func (m *Manager) Phase(local, remote uuid.UUID) (protocol.SessionPhase, error) {
	e := m.entryFor(local, remote)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return 0, ErrNoSession
	}
	return e.sess.Phase(), nil
}

// InvalidateDevice marks sessions involving the device stale after the
// registry reports a rotated identity key. A session's IdentityVersion tracks
// the remote peer, so pairs where the rotated device is the local side always
// go stale; pairs where it is the remote peer go stale only when the session
// predates the new version. Stale sessions reject traffic until
// re-established.
func (m *Manager) InvalidateDevice(deviceID uuid.UUID, identityVersion int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.entries {
		if key.local != deviceID && key.remote != deviceID {
			continue
		}
		e.mu.Lock()
		if e.sess != nil && (key.local == deviceID || e.sess.IdentityVersion() < identityVersion) {
			e.sess.MarkStale()
		}
		e.mu.Unlock()
	}
}

// Export snapshots the pair's session for persistence.
func (m *Manager) Export(local, remote uuid.UUID) (*protocol.SessionSnapshot, error) {
	e := m.entryFor(local, remote)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return nil, ErrNoSession
	}
	return e.sess.Export()
}

// Restore installs a previously exported session for the pair.
func (m *Manager) Restore(local, remote uuid.UUID, snap *protocol.SessionSnapshot) error {
	sess, err := protocol.ImportSession(snap)
	if err != nil {
		return err
	}
	e := m.entryFor(local, remote)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sess = sess
	return nil
}
