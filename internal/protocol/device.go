package protocol

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/curve25519"
)

var (
	randMu        sync.RWMutex
	randomnessSrc io.Reader = randReader{}
)

// randReader wraps crypto/rand.Reader but keeps the type unexported so tests
// can substitute deterministic sources.
type randReader struct{}

func (randReader) Read(p []byte) (int, error) {
	return rand.Read(p)
}

// UseDeterministicRandom swaps the randomness source for deterministic testing
// and returns a restore function that must be called when the test completes.
func UseDeterministicRandom(r io.Reader) func() {
	randMu.Lock()
	prev := randomnessSrc
	randomnessSrc = r
	randMu.Unlock()
	return func() {
		randMu.Lock()
		randomnessSrc = prev
		randMu.Unlock()
	}
}

func readRandom(b []byte) error {
	randMu.RLock()
	src := randomnessSrc
	randMu.RUnlock()
	_, err := io.ReadFull(src, b)
	return err
}

// Device holds a device's long-term identity plus the private halves of its
// published prekeys. Public halves are what the registry stores; the private
// halves never leave this process.
type Device struct {
	identity     identityKeyPair
	signedPrekey dhKeyPair
	signedSig    []byte
	oneTime      map[uuid.UUID]dhKeyPair
}

type identityKeyPair struct {
	signingPublic  ed25519.PublicKey
	signingPrivate ed25519.PrivateKey
	dhPrivate      [32]byte
	dhPublic       [32]byte
}

type dhKeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// PrekeyBundle is the public key material a peer fetches to start a session.
type PrekeyBundle struct {
	IdentityKey          [32]byte
	IdentitySignatureKey []byte
	SignedPrekey         [32]byte
	SignedPrekeySig      []byte
	OneTimePrekey        *OneTimePrekey
}

// OneTimePrekey is a single-use public key; ID matches the registry row.
type OneTimePrekey struct {
	ID     uuid.UUID
	Public [32]byte
}

// GenerateDevice creates a fresh device identity: an Ed25519 signing key pair,
// the derived X25519 key material for Diffie-Hellman, and an initial signed
// prekey.
func GenerateDevice() (*Device, error) {
	seed := make([]byte, ed25519.SeedSize)
	if err := readRandom(seed); err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	dhPriv := ed25519PrivToCurve25519(priv)
	dhPubSlice, err := curve25519.X25519(dhPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	var dhPub [32]byte
	copy(dhPub[:], dhPubSlice)

	dev := &Device{
		identity: identityKeyPair{
			signingPublic:  append(ed25519.PublicKey(nil), pub...),
			signingPrivate: append(ed25519.PrivateKey(nil), priv...),
			dhPrivate:      dhPriv,
			dhPublic:       dhPub,
		},
		oneTime: make(map[uuid.UUID]dhKeyPair),
	}
	if err := dev.RotateSignedPrekey(); err != nil {
		return nil, err
	}
	return dev, nil
}

// RotateSignedPrekey replaces the device's signed prekey with a fresh key pair
// signed by the identity key. The previous signed prekey is discarded.
func (d *Device) RotateSignedPrekey() error {
	kp, err := generateX25519KeyPair()
	if err != nil {
		return err
	}
	sig := ed25519.Sign(d.identity.signingPrivate, kp.Public[:])
	d.signedPrekey = kp
	d.signedSig = append([]byte(nil), sig...)
	return nil
}

// GenerateOneTimePrekeys mints count fresh one-time prekeys, keeps the private
// halves, and returns the public halves for registration.
func (d *Device) GenerateOneTimePrekeys(count int) ([]OneTimePrekey, error) {
	if d == nil {
		return nil, errors.New("protocol: nil device")
	}
	if count <= 0 {
		return nil, nil
	}
	out := make([]OneTimePrekey, 0, count)
	for i := 0; i < count; i++ {
		kp, err := generateX25519KeyPair()
		if err != nil {
			return nil, err
		}
		id := uuid.New()
		d.oneTime[id] = kp
		out = append(out, OneTimePrekey{ID: id, Public: kp.Public})
	}
	return out, nil
}

// PrekeyBundle assembles the device's own public bundle, optionally including
// one of its unspent one-time prekeys. Used by tests and local exchange; in
// production the registry assembles bundles from stored public material.
func (d *Device) PrekeyBundle(includeOneTime bool) (*PrekeyBundle, error) {
	if d == nil {
		return nil, errors.New("protocol: nil device")
	}
	bundle := &PrekeyBundle{
		IdentityKey:          d.identity.dhPublic,
		IdentitySignatureKey: append([]byte(nil), d.identity.signingPublic...),
		SignedPrekey:         d.signedPrekey.Public,
		SignedPrekeySig:      append([]byte(nil), d.signedSig...),
	}
	if includeOneTime {
		keys, err := d.GenerateOneTimePrekeys(1)
		if err != nil {
			return nil, err
		}
		bundle.OneTimePrekey = &keys[0]
	}
	return bundle, nil
}

// IdentityPublic returns the static public keys for the device.
func (d *Device) IdentityPublic() (dh [32]byte, signing ed25519.PublicKey) {
	if d == nil {
		return [32]byte{}, nil
	}
	return d.identity.dhPublic, append(ed25519.PublicKey(nil), d.identity.signingPublic...)
}

// SignedPrekeyPublic returns the current signed prekey and its signature.
func (d *Device) SignedPrekeyPublic() (pub [32]byte, sig []byte) {
	if d == nil {
		return [32]byte{}, nil
	}
	return d.signedPrekey.Public, append([]byte(nil), d.signedSig...)
}

func ed25519PrivToCurve25519(priv ed25519.PrivateKey) [32]byte {
	h := sha512.Sum512(priv.Seed())
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	var out [32]byte
	copy(out[:], h[:32])
	return out
}

func generateX25519KeyPair() (dhKeyPair, error) {
	var priv [32]byte
	if err := readRandom(priv[:]); err != nil {
		return dhKeyPair{}, err
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return dhKeyPair{}, err
	}
	var kp dhKeyPair
	kp.Private = priv
	copy(kp.Public[:], pub)
	return kp, nil
}

var _ io.Reader = randReader{}
