package protocol

import (
	"bytes"
	"errors"
	"testing"
)

type sealed struct {
	plaintext  []byte
	ciphertext []byte
	header     *MessageHeader
}

func encryptN(t *testing.T, s *Session, count int) []sealed {
	t.Helper()
	out := make([]sealed, 0, count)
	for i := 0; i < count; i++ {
		msg := []byte{byte('a' + i), byte(i)}
		ct, header, err := s.Encrypt(msg)
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		out = append(out, sealed{plaintext: msg, ciphertext: ct, header: header})
	}
	return out
}

func TestOutOfOrderDelivery(t *testing.T) {
	aliceSess, bobSess := establishPair(t)

	msgs := encryptN(t, aliceSess, 5)

	// Shuffled delivery within one chain (zero-based order 0,2,1,4,3).
	for _, idx := range []int{0, 2, 1, 4, 3} {
		got, err := bobSess.Decrypt(msgs[idx].ciphertext, msgs[idx].header)
		if err != nil {
			t.Fatalf("decrypt message %d: %v", idx, err)
		}
		if !bytes.Equal(got, msgs[idx].plaintext) {
			t.Fatalf("message %d mismatch: got %q want %q", idx, got, msgs[idx].plaintext)
		}
	}
}

func TestOutOfOrderAcrossRatchetStep(t *testing.T) {
	aliceSess, bobSess := establishPair(t)

	early := encryptN(t, aliceSess, 3)

	// Deliver only the last of the first batch; 0 and 1 stay in flight.
	if _, err := bobSess.Decrypt(early[2].ciphertext, early[2].header); err != nil {
		t.Fatalf("decrypt head of chain: %v", err)
	}

	// A reply forces a DH ratchet step on both sides.
	ct, header, err := bobSess.Encrypt([]byte("ack"))
	if err != nil {
		t.Fatalf("bob encrypt: %v", err)
	}
	if _, err := aliceSess.Decrypt(ct, header); err != nil {
		t.Fatalf("alice decrypt ack: %v", err)
	}
	late := encryptN(t, aliceSess, 2)
	for i, m := range late {
		got, err := bobSess.Decrypt(m.ciphertext, m.header)
		if err != nil {
			t.Fatalf("decrypt new-chain message %d: %v", i, err)
		}
		if !bytes.Equal(got, m.plaintext) {
			t.Fatalf("new-chain message %d mismatch", i)
		}
	}

	// The stragglers from the previous chain still decrypt via cached keys.
	for _, idx := range []int{1, 0} {
		got, err := bobSess.Decrypt(early[idx].ciphertext, early[idx].header)
		if err != nil {
			t.Fatalf("decrypt straggler %d: %v", idx, err)
		}
		if !bytes.Equal(got, early[idx].plaintext) {
			t.Fatalf("straggler %d mismatch", idx)
		}
	}
}

func TestSkipWindowOverflow(t *testing.T) {
	aliceSess, bobSess := establishPair(t)

	ct, header, err := aliceSess.Encrypt([]byte("probe"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	header.N = maxSkippedKeys + 40

	if _, err := bobSess.Decrypt(ct, header); !errors.Is(err, ErrSessionDesync) {
		t.Fatalf("expected ErrSessionDesync, got %v", err)
	}

	// The failed attempt must not have advanced anything: honest traffic
	// still decrypts.
	ct2, header2, err := aliceSess.Encrypt([]byte("after overflow"))
	if err != nil {
		t.Fatalf("encrypt after overflow: %v", err)
	}
	// First deliver the original message with its real header.
	if _, err := bobSess.Decrypt(ct, &MessageHeader{DHPublic: header.DHPublic, PN: header.PN, N: 0, Nonce: header.Nonce}); err != nil {
		t.Fatalf("decrypt original after overflow: %v", err)
	}
	if _, err := bobSess.Decrypt(ct2, header2); err != nil {
		t.Fatalf("decrypt follow-up after overflow: %v", err)
	}
}

func TestTamperedCiphertextFailsWithoutStateChange(t *testing.T) {
	aliceSess, bobSess := establishPair(t)

	msgs := encryptN(t, aliceSess, 2)

	tampered := append([]byte(nil), msgs[0].ciphertext...)
	tampered[len(tampered)/2] ^= 0x01
	if _, err := bobSess.Decrypt(tampered, msgs[0].header); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}

	// No partial chain advancement: the untampered messages decrypt in order.
	for i, m := range msgs {
		got, err := bobSess.Decrypt(m.ciphertext, m.header)
		if err != nil {
			t.Fatalf("decrypt %d after tamper attempt: %v", i, err)
		}
		if !bytes.Equal(got, m.plaintext) {
			t.Fatalf("message %d mismatch after tamper attempt", i)
		}
	}
}

func TestDuplicateMessageRejected(t *testing.T) {
	aliceSess, bobSess := establishPair(t)

	msgs := encryptN(t, aliceSess, 2)
	for _, m := range msgs {
		if _, err := bobSess.Decrypt(m.ciphertext, m.header); err != nil {
			t.Fatalf("decrypt: %v", err)
		}
	}
	if _, err := bobSess.Decrypt(msgs[0].ciphertext, msgs[0].header); !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("expected ErrDuplicateMessage, got %v", err)
	}
}

func TestForwardSecrecyChainAdvance(t *testing.T) {
	aliceSess, bobSess := establishPair(t)

	before := aliceSess.sendChain.Key
	ct, header, err := aliceSess.Encrypt([]byte("one"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if aliceSess.sendChain.Key == before {
		t.Fatalf("send chain key not advanced")
	}

	recvBefore := bobSess.recvChain.Key
	if _, err := bobSess.Decrypt(ct, header); err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if bobSess.recvChain.Key == recvBefore {
		t.Fatalf("receive chain key not advanced")
	}
}
