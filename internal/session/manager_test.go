package session

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"keycore/internal/protocol"

	"github.com/google/uuid"
)

type testPeer struct {
	id  uuid.UUID
	dev *protocol.Device
	mgr *Manager
}

func newTestPeer(t *testing.T) *testPeer {
	t.Helper()
	dev, err := protocol.GenerateDevice()
	if err != nil {
		t.Fatalf("generate device: %v", err)
	}
	return &testPeer{id: uuid.New(), dev: dev, mgr: NewManager()}
}

func bundleFor(t *testing.T, p *testPeer) *protocol.PrekeyBundle {
	t.Helper()
	bundle, err := p.dev.PrekeyBundle(true)
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	return bundle
}

func TestEstablishAndExchange(t *testing.T) {
	alice := newTestPeer(t)
	bob := newTestPeer(t)

	handshake, err := alice.mgr.Establish(alice.id, bob.id, alice.dev, bundleFor(t, bob), 1, nil)
	if err != nil {
		t.Fatalf("establish: %v", err)
	}
	_, adopted, err := bob.mgr.Accept(bob.id, alice.id, bob.dev, handshake)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !adopted {
		t.Fatalf("responder with no pending session must adopt the handshake")
	}

	msg := []byte("over the wire")
	env, err := alice.mgr.Encrypt(alice.id, bob.id, msg)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := bob.mgr.Decrypt(bob.id, alice.id, env)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("round trip mismatch: got %q want %q", got, msg)
	}

	reply := []byte("and back")
	env, err = bob.mgr.Encrypt(bob.id, alice.id, reply)
	if err != nil {
		t.Fatalf("encrypt reply: %v", err)
	}
	got, err = alice.mgr.Decrypt(alice.id, bob.id, env)
	if err != nil {
		t.Fatalf("decrypt reply: %v", err)
	}
	if !bytes.Equal(got, reply) {
		t.Fatalf("reply mismatch: got %q want %q", got, reply)
	}
}

func TestHandshakeCarriesInitialMessage(t *testing.T) {
	alice := newTestPeer(t)
	bob := newTestPeer(t)

	first := []byte("rides with the handshake")
	handshake, err := alice.mgr.Establish(alice.id, bob.id, alice.dev, bundleFor(t, bob), 1, first)
	if err != nil {
		t.Fatalf("establish: %v", err)
	}

	// Attaching the message must not count as traffic on the pending session,
	// or crossed handshakes would stop converging.
	phase, err := alice.mgr.Phase(alice.id, bob.id)
	if err != nil {
		t.Fatalf("phase: %v", err)
	}
	if phase != protocol.PhaseEstablished {
		t.Fatalf("expected pending session to stay established, got %s", phase)
	}

	got, adopted, err := bob.mgr.Accept(bob.id, alice.id, bob.dev, handshake)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !adopted {
		t.Fatalf("responder with no pending session must adopt the handshake")
	}
	if !bytes.Equal(got, first) {
		t.Fatalf("attached message mismatch: got %q want %q", got, first)
	}

	// Counters line up for everything after the attached message.
	env, err := alice.mgr.Encrypt(alice.id, bob.id, []byte("second"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err = bob.mgr.Decrypt(bob.id, alice.id, env)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, []byte("second")) {
		t.Fatalf("follow-up mismatch: got %q", got)
	}
	env, err = bob.mgr.Encrypt(bob.id, alice.id, []byte("ack"))
	if err != nil {
		t.Fatalf("encrypt reply: %v", err)
	}
	if _, err := alice.mgr.Decrypt(alice.id, bob.id, env); err != nil {
		t.Fatalf("decrypt reply: %v", err)
	}
}

func TestEncryptWithoutSession(t *testing.T) {
	alice := newTestPeer(t)
	if _, err := alice.mgr.Encrypt(alice.id, uuid.New(), []byte("x")); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestSimultaneousEstablishmentConverges(t *testing.T) {
	a := newTestPeer(t)
	b := newTestPeer(t)

	// Fix which peer holds the lower id so the assertion below is stable.
	lower, higher := a, b
	if lower.id.String() > higher.id.String() {
		lower, higher = higher, lower
	}

	// Both sides fetch a bundle and initiate before either handshake lands.
	hsFromLower, err := lower.mgr.Establish(lower.id, higher.id, lower.dev, bundleFor(t, higher), 1, nil)
	if err != nil {
		t.Fatalf("lower establish: %v", err)
	}
	hsFromHigher, err := higher.mgr.Establish(higher.id, lower.id, higher.dev, bundleFor(t, lower), 1, nil)
	if err != nil {
		t.Fatalf("higher establish: %v", err)
	}

	// Now the crossed handshakes arrive.
	_, adopted, err := lower.mgr.Accept(lower.id, higher.id, lower.dev, hsFromHigher)
	if err != nil {
		t.Fatalf("lower accept: %v", err)
	}
	if adopted {
		t.Fatalf("lower id must keep its own pending session")
	}
	_, adopted, err = higher.mgr.Accept(higher.id, lower.id, higher.dev, hsFromLower)
	if err != nil {
		t.Fatalf("higher accept: %v", err)
	}
	if !adopted {
		t.Fatalf("higher id must adopt the peer's session")
	}

	// Both directions work over the single surviving session.
	msg := []byte("converged")
	env, err := lower.mgr.Encrypt(lower.id, higher.id, msg)
	if err != nil {
		t.Fatalf("lower encrypt: %v", err)
	}
	got, err := higher.mgr.Decrypt(higher.id, lower.id, env)
	if err != nil {
		t.Fatalf("higher decrypt: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("lower→higher mismatch")
	}

	reply := []byte("same session")
	env, err = higher.mgr.Encrypt(higher.id, lower.id, reply)
	if err != nil {
		t.Fatalf("higher encrypt: %v", err)
	}
	got, err = lower.mgr.Decrypt(lower.id, higher.id, env)
	if err != nil {
		t.Fatalf("lower decrypt: %v", err)
	}
	if !bytes.Equal(got, reply) {
		t.Fatalf("higher→lower mismatch")
	}
}

func TestInvalidateDeviceMarksSessionsStale(t *testing.T) {
	alice := newTestPeer(t)
	bob := newTestPeer(t)

	handshake, err := alice.mgr.Establish(alice.id, bob.id, alice.dev, bundleFor(t, bob), 1, nil)
	if err != nil {
		t.Fatalf("establish: %v", err)
	}
	if _, _, err := bob.mgr.Accept(bob.id, alice.id, bob.dev, handshake); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// The registry signals that bob re-registered with a new identity key.
	alice.mgr.InvalidateDevice(bob.id, 2)

	phase, err := alice.mgr.Phase(alice.id, bob.id)
	if err != nil {
		t.Fatalf("phase: %v", err)
	}
	if phase != protocol.PhaseStale {
		t.Fatalf("expected stale session, got %s", phase)
	}
	if _, err := alice.mgr.Encrypt(alice.id, bob.id, []byte("x")); !errors.Is(err, protocol.ErrSessionStale) {
		t.Fatalf("expected ErrSessionStale, got %v", err)
	}

	// Unrelated pairs are untouched.
	carol := newTestPeer(t)
	hs2, err := alice.mgr.Establish(alice.id, carol.id, alice.dev, bundleFor(t, carol), 1, nil)
	if err != nil {
		t.Fatalf("establish carol: %v", err)
	}
	if _, _, err := carol.mgr.Accept(carol.id, alice.id, carol.dev, hs2); err != nil {
		t.Fatalf("carol accept: %v", err)
	}
	alice.mgr.InvalidateDevice(bob.id, 3)
	phase, err = alice.mgr.Phase(alice.id, carol.id)
	if err != nil {
		t.Fatalf("phase carol: %v", err)
	}
	if phase == protocol.PhaseStale {
		t.Fatalf("unrelated session marked stale")
	}
}

func TestInvalidateLocalDeviceIgnoresPeerVersion(t *testing.T) {
	alice := newTestPeer(t)
	bob := newTestPeer(t)

	// Alice tracks bob at identity version 3.
	handshake, err := alice.mgr.Establish(alice.id, bob.id, alice.dev, bundleFor(t, bob), 3, nil)
	if err != nil {
		t.Fatalf("establish: %v", err)
	}
	if _, _, err := bob.mgr.Accept(bob.id, alice.id, bob.dev, handshake); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// Alice's own identity key rotates to version 2. The stored version
	// belongs to bob and must not shield the session.
	alice.mgr.InvalidateDevice(alice.id, 2)

	phase, err := alice.mgr.Phase(alice.id, bob.id)
	if err != nil {
		t.Fatalf("phase: %v", err)
	}
	if phase != protocol.PhaseStale {
		t.Fatalf("expected local-side session stale after own rotation, got %s", phase)
	}
}

func TestConcurrentEncryptsSerializePerPair(t *testing.T) {
	alice := newTestPeer(t)
	bob := newTestPeer(t)

	handshake, err := alice.mgr.Establish(alice.id, bob.id, alice.dev, bundleFor(t, bob), 1, nil)
	if err != nil {
		t.Fatalf("establish: %v", err)
	}
	if _, _, err := bob.mgr.Accept(bob.id, alice.id, bob.dev, handshake); err != nil {
		t.Fatalf("accept: %v", err)
	}

	const workers = 32
	envelopes := make([][]byte, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env, err := alice.mgr.Encrypt(alice.id, bob.id, []byte{byte(i)})
			if err != nil {
				t.Errorf("encrypt %d: %v", i, err)
				return
			}
			envelopes[i] = env
		}(i)
	}
	wg.Wait()

	seen := make(map[byte]bool, workers)
	for i, env := range envelopes {
		if env == nil {
			t.Fatalf("missing envelope %d", i)
		}
		got, err := bob.mgr.Decrypt(bob.id, alice.id, env)
		if err != nil {
			t.Fatalf("decrypt %d: %v", i, err)
		}
		if len(got) != 1 || seen[got[0]] {
			t.Fatalf("duplicate or malformed plaintext for envelope %d", i)
		}
		seen[got[0]] = true
	}
	if len(seen) != workers {
		t.Fatalf("expected %d distinct plaintexts, got %d", workers, len(seen))
	}
}

func TestSnapshotRestore(t *testing.T) {
	alice := newTestPeer(t)
	bob := newTestPeer(t)

	handshake, err := alice.mgr.Establish(alice.id, bob.id, alice.dev, bundleFor(t, bob), 1, nil)
	if err != nil {
		t.Fatalf("establish: %v", err)
	}
	if _, _, err := bob.mgr.Accept(bob.id, alice.id, bob.dev, handshake); err != nil {
		t.Fatalf("accept: %v", err)
	}
	env, err := alice.mgr.Encrypt(alice.id, bob.id, []byte("persisted"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	snap, err := bob.mgr.Export(bob.id, alice.id)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	fresh := NewManager()
	if err := fresh.Restore(bob.id, alice.id, snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	got, err := fresh.Decrypt(bob.id, alice.id, env)
	if err != nil {
		t.Fatalf("decrypt after restore: %v", err)
	}
	if !bytes.Equal(got, []byte("persisted")) {
		t.Fatalf("restored decrypt mismatch")
	}
}
