package protocol

import (
	"crypto/sha256"
	"errors"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfoX3DH = "keycore/x3dh"

// HandshakeMessage carries the initiator's public material to the responder so
// it can derive the same shared secret.
type HandshakeMessage struct {
	IdentityKey          [32]byte
	IdentitySignatureKey []byte
	EphemeralKey         [32]byte
	OneTimePrekeyID      *uuid.UUID
}

// InitiateSession runs the X3DH agreement as the initiator against the peer's
// fetched prekey bundle. The signed prekey signature is verified before any
// key derivation; a failure aborts establishment.
func (d *Device) InitiateSession(bundle *PrekeyBundle) (*Session, *HandshakeMessage, error) {
	if d == nil {
		return nil, nil, errors.New("protocol: nil device")
	}
	if bundle == nil {
		return nil, nil, errors.New("protocol: nil bundle")
	}
	if err := VerifySignedPrekey(bundle.IdentitySignatureKey, bundle.SignedPrekey, bundle.SignedPrekeySig); err != nil {
		return nil, nil, err
	}

	ephemeral, err := generateX25519KeyPair()
	if err != nil {
		return nil, nil, err
	}

	secret, err := initiatorSharedSecret(d, bundle, ephemeral)
	if err != nil {
		return nil, nil, err
	}
	root, chain := deriveInitialKeys(secret)

	var pending *uuid.UUID
	if bundle.OneTimePrekey != nil {
		id := bundle.OneTimePrekey.ID
		pending = &id
	}

	sess := &Session{
		rootKey:        root,
		sendChain:      chainState{Key: chain},
		ratchetPrivate: ephemeral.Private,
		ratchetPublic:  ephemeral.Public,
		remoteRatchet:  bundle.SignedPrekey,
		remoteIdentity: bundle.IdentityKey,
		remoteSigning:  append([]byte(nil), bundle.IdentitySignatureKey...),
		role:           RoleInitiator,
		phase:          PhaseEstablished,
		degraded:       bundle.OneTimePrekey == nil,
		pendingPrekey:  pending,
		skipped:        make(map[skippedKeyID][32]byte),
	}

	msg := &HandshakeMessage{
		IdentityKey:          d.identity.dhPublic,
		IdentitySignatureKey: append([]byte(nil), d.identity.signingPublic...),
		EphemeralKey:         ephemeral.Public,
		OneTimePrekeyID:      pending,
	}
	return sess, msg, nil
}

// RespondSession finalizes the X3DH agreement on the responder side, consuming
// the referenced one-time prekey's private half if one was used.
func (d *Device) RespondSession(msg *HandshakeMessage) (*Session, error) {
	if d == nil {
		return nil, errors.New("protocol: nil device")
	}
	if msg == nil {
		return nil, errors.New("protocol: nil handshake message")
	}
	var otk *dhKeyPair
	if msg.OneTimePrekeyID != nil {
		kp, ok := d.oneTime[*msg.OneTimePrekeyID]
		if !ok {
			return nil, ErrMissingOneTimeKey
		}
		otk = &kp
		delete(d.oneTime, *msg.OneTimePrekeyID)
	}
	secret, err := responderSharedSecret(d, msg, otk)
	if err != nil {
		return nil, err
	}
	root, chain := deriveInitialKeys(secret)

	return &Session{
		rootKey:        root,
		recvChain:      chainState{Key: chain},
		ratchetPrivate: d.signedPrekey.Private,
		ratchetPublic:  d.signedPrekey.Public,
		remoteRatchet:  msg.EphemeralKey,
		remoteIdentity: msg.IdentityKey,
		remoteSigning:  append([]byte(nil), msg.IdentitySignatureKey...),
		role:           RoleResponder,
		phase:          PhaseEstablished,
		degraded:       msg.OneTimePrekeyID == nil,
		pendingPrekey:  msg.OneTimePrekeyID,
		skipped:        make(map[skippedKeyID][32]byte),
	}, nil
}

func initiatorSharedSecret(d *Device, bundle *PrekeyBundle, eph dhKeyPair) ([]byte, error) {
	dh1, err := curve25519.X25519(d.identity.dhPrivate[:], bundle.SignedPrekey[:])
	if err != nil {
		return nil, err
	}
	dh2, err := curve25519.X25519(eph.Private[:], bundle.IdentityKey[:])
	if err != nil {
		return nil, err
	}
	dh3, err := curve25519.X25519(eph.Private[:], bundle.SignedPrekey[:])
	if err != nil {
		return nil, err
	}
	secret := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	if bundle.OneTimePrekey != nil {
		dh4, err := curve25519.X25519(eph.Private[:], bundle.OneTimePrekey.Public[:])
		if err != nil {
			return nil, err
		}
		secret = append(secret, dh4...)
	}
	return secret, nil
}

func responderSharedSecret(d *Device, msg *HandshakeMessage, otk *dhKeyPair) ([]byte, error) {
	dh1, err := curve25519.X25519(d.signedPrekey.Private[:], msg.IdentityKey[:])
	if err != nil {
		return nil, err
	}
	dh2, err := curve25519.X25519(d.identity.dhPrivate[:], msg.EphemeralKey[:])
	if err != nil {
		return nil, err
	}
	dh3, err := curve25519.X25519(d.signedPrekey.Private[:], msg.EphemeralKey[:])
	if err != nil {
		return nil, err
	}
	secret := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	if otk != nil {
		dh4, err := curve25519.X25519(otk.Private[:], msg.EphemeralKey[:])
		if err != nil {
			return nil, err
		}
		secret = append(secret, dh4...)
	}
	return secret, nil
}

func deriveInitialKeys(secret []byte) ([32]byte, [32]byte) {
	kdf := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfoX3DH))
	var root, chain [32]byte
	if _, err := io.ReadFull(kdf, root[:]); err != nil {
		return [32]byte{}, [32]byte{}
	}
	if _, err := io.ReadFull(kdf, chain[:]); err != nil {
		return [32]byte{}, [32]byte{}
	}
	return root, chain
}
