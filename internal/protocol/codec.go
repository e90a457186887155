package protocol

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
)

// Key material travels as base64 on every external surface (DTOs, envelopes,
// snapshots). The helpers below are the only place decoding and length checks
// happen.

// EncodeKey renders raw key bytes as standard base64.
func EncodeKey(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodePublicKey decodes a base64 X25519 public key and enforces its length.
func DecodePublicKey(in string) ([32]byte, error) {
	var out [32]byte
	raw, err := decodeFixed(in, 32)
	if err != nil {
		return out, fmt.Errorf("%w: public key: %v", ErrInvalidKeyMaterial, err)
	}
	copy(out[:], raw)
	return out, nil
}

// DecodeSigningKey decodes a base64 Ed25519 public key.
func DecodeSigningKey(in string) (ed25519.PublicKey, error) {
	raw, err := decodeFixed(in, ed25519.PublicKeySize)
	if err != nil {
		return nil, fmt.Errorf("%w: signing key: %v", ErrInvalidKeyMaterial, err)
	}
	return ed25519.PublicKey(raw), nil
}

// DecodeSignature decodes a base64 Ed25519 signature.
func DecodeSignature(in string) ([]byte, error) {
	raw, err := decodeFixed(in, ed25519.SignatureSize)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrInvalidKeyMaterial, err)
	}
	return raw, nil
}

// VerifySignedPrekey checks that sig is a valid signature over the signed
// prekey bytes under the given identity signing key.
func VerifySignedPrekey(signingKey ed25519.PublicKey, signedPrekey [32]byte, sig []byte) error {
	if len(signingKey) != ed25519.PublicKeySize {
		return ErrInvalidPrekeySignature
	}
	if !ed25519.Verify(signingKey, signedPrekey[:], sig) {
		return ErrInvalidPrekeySignature
	}
	return nil
}

func decodeFixed(in string, size int) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(in)
	if err != nil {
		return nil, err
	}
	if len(data) != size {
		return nil, fmt.Errorf("unexpected length %d, want %d", len(data), size)
	}
	out := make([]byte, size)
	copy(out, data)
	return out, nil
}
