package protocol

import (
	"bytes"
	"testing"
)

func FuzzDecodeEnvelope(f *testing.F) {
	f.Add([]byte(`{"type":"message","message":{"ratchetKey":"","previousChainLength":0,"messageNumber":0,"nonce":"","ciphertext":""}}`))
	f.Add([]byte(`{"type":"handshake","handshake":{"identityKey":"","identitySignatureKey":"","ephemeralKey":""}}`))
	f.Add([]byte(`{"type":"presence"}`))
	f.Add([]byte(`not json`))
	f.Fuzz(func(t *testing.T, data []byte) {
		env, err := DecodeEnvelope(data)
		if err != nil {
			return
		}
		switch env.Kind {
		case EnvelopeHandshake:
			if env.Handshake == nil {
				t.Fatalf("accepted handshake envelope without payload")
			}
		case EnvelopeMessage:
			if env.Message == nil {
				t.Fatalf("accepted message envelope without payload")
			}
		default:
			t.Fatalf("accepted unknown envelope kind %q", env.Kind)
		}
	})
}

func FuzzHeaderCounters(f *testing.F) {
	f.Add(uint32(0), uint32(0), []byte("payload"))
	f.Add(uint32(5), uint32(1), []byte{})
	f.Fuzz(func(t *testing.T, n, pn uint32, payload []byte) {
		restore := UseDeterministicRandom(bytes.NewReader(bytes.Repeat([]byte{0x01, 0x02, 0x03, 0x04}, 512)))
		defer restore()

		alice, err := GenerateDevice()
		if err != nil {
			t.Fatalf("alice identity: %v", err)
		}
		bob, err := GenerateDevice()
		if err != nil {
			t.Fatalf("bob identity: %v", err)
		}
		bundle, err := bob.PrekeyBundle(true)
		if err != nil {
			t.Fatalf("bundle: %v", err)
		}
		aliceSess, handshake, err := alice.InitiateSession(bundle)
		if err != nil {
			t.Fatalf("initiate: %v", err)
		}
		bobSess, err := bob.RespondSession(handshake)
		if err != nil {
			t.Fatalf("respond: %v", err)
		}

		ct, header, err := aliceSess.Encrypt([]byte("seed"))
		if err != nil {
			t.Fatalf("seed encrypt: %v", err)
		}
		if _, err := bobSess.Decrypt(ct, header); err != nil {
			_ = err
		}

		ct2, header2, err := aliceSess.Encrypt(payload)
		if err != nil {
			t.Fatalf("encrypt payload: %v", err)
		}
		header2.N = n % 512
		header2.PN = pn % 64
		if header2.N%2 == 0 {
			header2.DHPublic[0] ^= 0x01
		}
		// Mangled headers may fail in several ways; the invariant is no panic
		// and no acceptance of forged associated data.
		if plaintext, err := bobSess.Decrypt(ct2, header2); err == nil {
			if header2.N != 1 || !bytes.Equal(plaintext, payload) {
				t.Fatalf("accepted mangled header n=%d pn=%d", header2.N, header2.PN)
			}
		}
	})
}
