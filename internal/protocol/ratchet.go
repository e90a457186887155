package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoRatchet = "keycore/ratchet"
	hkdfInfoAEAD    = "keycore/aead"

	// maxSkippedKeys bounds how many message keys may be derived ahead or
	// cached for out-of-order delivery before decryption fails with
	// ErrSessionDesync.
	maxSkippedKeys = 256
)

// MessageHeader accompanies every ciphertext and is authenticated as
// associated data.
type MessageHeader struct {
	DHPublic [32]byte
	PN       uint32
	N        uint32
	Nonce    [12]byte
}

// Encrypt derives the next sending message key, advances the sending chain and
// seals the plaintext. The prior chain key is overwritten and the message key
// is never retained.
func (s *Session) Encrypt(plaintext []byte) ([]byte, *MessageHeader, error) {
	if s == nil {
		return nil, nil, errors.New("protocol: nil session")
	}
	if s.phase == PhaseStale {
		return nil, nil, ErrSessionStale
	}
	if isZeroKey(s.sendChain.Key) {
		if err := s.dhRatchetSend(); err != nil {
			return nil, nil, err
		}
	}
	nextCK, mk := kdfChain(s.sendChain.Key)
	n := s.sendChain.Index
	s.sendChain.Key = nextCK
	s.sendChain.Index++

	key, nonce, err := deriveCipherParams(mk)
	if err != nil {
		return nil, nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, nil, err
	}
	header := &MessageHeader{DHPublic: s.ratchetPublic, PN: s.prevChainLen, N: n, Nonce: nonce}
	ciphertext := aead.Seal(nil, nonce[:], plaintext, header.associatedData())
	s.phase = PhaseActive
	return ciphertext, header, nil
}

// EncryptInitial seals a first message for attachment to the handshake
// envelope. Unlike Encrypt it leaves the session in the established phase:
// the ciphertext travels with the handshake itself, before the peer has
// confirmed the session, so it must not count as live traffic.
func (s *Session) EncryptInitial(plaintext []byte) ([]byte, *MessageHeader, error) {
	phase := s.phase
	ct, header, err := s.Encrypt(plaintext)
	if err != nil {
		return nil, nil, err
	}
	s.phase = phase
	return ct, header, nil
}

// Decrypt opens a ciphertext, handling ratchet steps and out-of-order delivery.
// All chain advancement happens on scratch state that is committed only when
// authentication succeeds, so a failed decrypt leaves the session untouched.
func (s *Session) Decrypt(ciphertext []byte, header *MessageHeader) ([]byte, error) {
	if s == nil {
		return nil, errors.New("protocol: nil session")
	}
	if header == nil {
		return nil, errors.New("protocol: nil header")
	}
	if s.phase == PhaseStale {
		return nil, ErrSessionStale
	}

	work := s.clone()
	plaintext, err := work.decryptLocked(ciphertext, header)
	if err != nil {
		return nil, err
	}
	work.phase = PhaseActive
	*s = *work
	return plaintext, nil
}

func (s *Session) decryptLocked(ciphertext []byte, header *MessageHeader) ([]byte, error) {
	if mk, ok := s.takeSkippedKey(header); ok {
		return openWithMessageKey(mk, ciphertext, header)
	}

	if header.DHPublic != s.remoteRatchet {
		// New remote ratchet key: finish skipping the current receiving chain
		// up to the sender's previous chain length, then step the DH ratchet.
		if err := s.skipRecvKeys(header.PN); err != nil {
			return nil, err
		}
		if err := s.dhRatchetRecv(header); err != nil {
			return nil, err
		}
	}

	if header.N < s.recvChain.Index {
		return nil, ErrDuplicateMessage
	}
	if err := s.skipRecvKeys(header.N); err != nil {
		return nil, err
	}

	nextCK, mk := kdfChain(s.recvChain.Key)
	s.recvChain.Key = nextCK
	s.recvChain.Index++
	return openWithMessageKey(mk, ciphertext, header)
}

// skipRecvKeys derives and caches message keys for receiving-chain positions
// below until, enforcing the skip window.
func (s *Session) skipRecvKeys(until uint32) error {
	if until <= s.recvChain.Index {
		return nil
	}
	needed := until - s.recvChain.Index
	if needed > maxSkippedKeys || len(s.skipped)+int(needed) > maxSkippedKeys {
		return ErrSessionDesync
	}
	if isZeroKey(s.recvChain.Key) {
		// No receiving chain yet; nothing to skip from.
		return ErrSessionDesync
	}
	for s.recvChain.Index < until {
		nextCK, mk := kdfChain(s.recvChain.Key)
		s.skipped[skippedKeyID{ratchetKey: s.remoteRatchet, index: s.recvChain.Index}] = mk
		s.recvChain.Key = nextCK
		s.recvChain.Index++
	}
	return nil
}

// dhRatchetSend generates a fresh DH key pair and derives a new sending chain
// from the root key. Called lazily before the first send on a new chain.
func (s *Session) dhRatchetSend() error {
	if isZeroKey(s.remoteRatchet) {
		return ErrInvalidRemoteKey
	}
	kp, err := generateX25519KeyPair()
	if err != nil {
		return err
	}
	dh, err := curve25519.X25519(kp.Private[:], s.remoteRatchet[:])
	if err != nil {
		return err
	}
	root, send, err := kdfRoot(s.rootKey[:], dh)
	if err != nil {
		return err
	}
	s.rootKey = root
	s.sendChain = chainState{Key: send}
	s.ratchetPrivate = kp.Private
	s.ratchetPublic = kp.Public
	return nil
}

// dhRatchetRecv adopts the remote's new ratchet key and derives a fresh
// receiving chain. The sending chain is reset so the next send performs its
// own DH step.
func (s *Session) dhRatchetRecv(header *MessageHeader) error {
	dh, err := curve25519.X25519(s.ratchetPrivate[:], header.DHPublic[:])
	if err != nil {
		return err
	}
	root, recv, err := kdfRoot(s.rootKey[:], dh)
	if err != nil {
		return err
	}
	s.rootKey = root
	s.remoteRatchet = header.DHPublic
	s.recvChain = chainState{Key: recv}
	// The sending chain ends here; record its length so the next outgoing
	// header carries it and the peer can cache keys for stragglers.
	s.prevChainLen = s.sendChain.Index
	s.sendChain = chainState{}
	return nil
}

func openWithMessageKey(mk [32]byte, ciphertext []byte, header *MessageHeader) ([]byte, error) {
	key, nonce, err := deriveCipherParams(mk)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, header.associatedData())
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func (s *Session) takeSkippedKey(header *MessageHeader) ([32]byte, bool) {
	id := skippedKeyID{ratchetKey: header.DHPublic, index: header.N}
	if mk, ok := s.skipped[id]; ok {
		delete(s.skipped, id)
		return mk, true
	}
	return [32]byte{}, false
}

func kdfRoot(root, dh []byte) ([32]byte, [32]byte, error) {
	hk := hkdf.New(sha256.New, dh, root, []byte(hkdfInfoRatchet))
	var newRoot, chain [32]byte
	if _, err := io.ReadFull(hk, newRoot[:]); err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	if _, err := io.ReadFull(hk, chain[:]); err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	return newRoot, chain, nil
}

func kdfChain(chain [32]byte) ([32]byte, [32]byte) {
	next := hmacSHA256(chain[:], []byte{0x02})
	msg := hmacSHA256(chain[:], []byte{0x01})
	var nextKey, msgKey [32]byte
	copy(nextKey[:], next)
	copy(msgKey[:], msg)
	return nextKey, msgKey
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func deriveCipherParams(mk [32]byte) ([32]byte, [12]byte, error) {
	hk := hkdf.New(sha256.New, mk[:], nil, []byte(hkdfInfoAEAD))
	var key [32]byte
	var nonce [12]byte
	if _, err := io.ReadFull(hk, key[:]); err != nil {
		return [32]byte{}, [12]byte{}, err
	}
	if _, err := io.ReadFull(hk, nonce[:]); err != nil {
		return [32]byte{}, [12]byte{}, err
	}
	return key, nonce, nil
}

func (h *MessageHeader) associatedData() []byte {
	buf := make([]byte, 32+4+4)
	copy(buf, h.DHPublic[:])
	binary.BigEndian.PutUint32(buf[32:], h.PN)
	binary.BigEndian.PutUint32(buf[36:], h.N)
	return buf
}

func isZeroKey(k [32]byte) bool {
	var zero [32]byte
	return k == zero
}
