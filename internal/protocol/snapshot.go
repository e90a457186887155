package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Snapshots are the JSON-safe form of device and session state, used for
// persistence. All key material is base64.

type DeviceSnapshot struct {
	SigningPrivate  string                       `json:"signingPrivate"`
	SigningPublic   string                       `json:"signingPublic"`
	DHPrivate       string                       `json:"dhPrivate"`
	DHPublic        string                       `json:"dhPublic"`
	SignedPrekey    KeyPairSnapshot              `json:"signedPrekey"`
	SignedPrekeySig string                       `json:"signedPrekeySig"`
	OneTime         map[uuid.UUID]KeyPairSnapshot `json:"oneTime,omitempty"`
}

type KeyPairSnapshot struct {
	Private string `json:"private"`
	Public  string `json:"public"`
}

type SessionSnapshot struct {
	RootKey         string            `json:"rootKey"`
	SendChain       ChainSnapshot     `json:"sendChain"`
	RecvChain       ChainSnapshot     `json:"recvChain"`
	RatchetPrivate  string            `json:"ratchetPrivate"`
	RatchetPublic   string            `json:"ratchetPublic"`
	RemoteRatchet   string            `json:"remoteRatchet"`
	RemoteIdentity  string            `json:"remoteIdentity"`
	RemoteSigning   string            `json:"remoteSigning"`
	PrevChainLen    uint32            `json:"previousChainLength"`
	Role            SessionRole       `json:"role"`
	Phase           SessionPhase      `json:"phase"`
	Degraded        bool              `json:"degraded"`
	IdentityVersion int               `json:"identityVersion"`
	PendingPrekey   *uuid.UUID        `json:"pendingPreKey,omitempty"`
	Skipped         map[string]string `json:"skipped,omitempty"`
}

type ChainSnapshot struct {
	Key   string `json:"key"`
	Index uint32 `json:"index"`
}

// Export captures the device's full key material, private halves included.
func (d *Device) Export() (*DeviceSnapshot, error) {
	if d == nil {
		return nil, errors.New("protocol: nil device")
	}
	snap := &DeviceSnapshot{
		SigningPrivate:  EncodeKey(d.identity.signingPrivate),
		SigningPublic:   EncodeKey(d.identity.signingPublic),
		DHPrivate:       EncodeKey(d.identity.dhPrivate[:]),
		DHPublic:        EncodeKey(d.identity.dhPublic[:]),
		SignedPrekey:    exportKeyPair(d.signedPrekey),
		SignedPrekeySig: EncodeKey(d.signedSig),
	}
	if len(d.oneTime) > 0 {
		snap.OneTime = make(map[uuid.UUID]KeyPairSnapshot, len(d.oneTime))
		for id, kp := range d.oneTime {
			snap.OneTime[id] = exportKeyPair(kp)
		}
	}
	return snap, nil
}

// ImportDevice restores a device from its snapshot.
func ImportDevice(snap *DeviceSnapshot) (*Device, error) {
	if snap == nil {
		return nil, errors.New("protocol: nil device snapshot")
	}
	signingPriv, err := decodeFixed(snap.SigningPrivate, 64)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode signing private: %w", err)
	}
	signingPub, err := decodeFixed(snap.SigningPublic, 32)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode signing public: %w", err)
	}
	dhPriv, err := decodeFixed(snap.DHPrivate, 32)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode dh private: %w", err)
	}
	dhPub, err := decodeFixed(snap.DHPublic, 32)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode dh public: %w", err)
	}
	signed, err := importKeyPair(snap.SignedPrekey)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode signed prekey: %w", err)
	}
	sig, err := decodeFixed(snap.SignedPrekeySig, 64)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode signed prekey sig: %w", err)
	}

	dev := &Device{
		identity: identityKeyPair{
			signingPublic:  append([]byte(nil), signingPub...),
			signingPrivate: append([]byte(nil), signingPriv...),
		},
		signedPrekey: signed,
		signedSig:    append([]byte(nil), sig...),
		oneTime:      make(map[uuid.UUID]dhKeyPair, len(snap.OneTime)),
	}
	copy(dev.identity.dhPrivate[:], dhPriv)
	copy(dev.identity.dhPublic[:], dhPub)
	for id, kp := range snap.OneTime {
		imported, err := importKeyPair(kp)
		if err != nil {
			return nil, fmt.Errorf("protocol: decode one-time prekey %s: %w", id, err)
		}
		dev.oneTime[id] = imported
	}
	return dev, nil
}

// Export captures the session's ratchet state.
func (s *Session) Export() (*SessionSnapshot, error) {
	if s == nil {
		return nil, errors.New("protocol: nil session")
	}
	snap := &SessionSnapshot{
		RootKey:         EncodeKey(s.rootKey[:]),
		SendChain:       exportChain(s.sendChain),
		RecvChain:       exportChain(s.recvChain),
		RatchetPrivate:  EncodeKey(s.ratchetPrivate[:]),
		RatchetPublic:   EncodeKey(s.ratchetPublic[:]),
		RemoteRatchet:   EncodeKey(s.remoteRatchet[:]),
		RemoteIdentity:  EncodeKey(s.remoteIdentity[:]),
		RemoteSigning:   EncodeKey(s.remoteSigning),
		PrevChainLen:    s.prevChainLen,
		Role:            s.role,
		Phase:           s.phase,
		Degraded:        s.degraded,
		IdentityVersion: s.identityVer,
		PendingPrekey:   s.pendingPrekey,
	}
	if len(s.skipped) > 0 {
		snap.Skipped = make(map[string]string, len(s.skipped))
		for id, mk := range s.skipped {
			snap.Skipped[encodeSkippedID(id)] = EncodeKey(mk[:])
		}
	}
	return snap, nil
}

// ImportSession restores a session from its snapshot.
func ImportSession(snap *SessionSnapshot) (*Session, error) {
	if snap == nil {
		return nil, errors.New("protocol: nil session snapshot")
	}
	sess := &Session{
		prevChainLen:  snap.PrevChainLen,
		role:          snap.Role,
		phase:         snap.Phase,
		degraded:      snap.Degraded,
		identityVer:   snap.IdentityVersion,
		pendingPrekey: snap.PendingPrekey,
		skipped:       make(map[skippedKeyID][32]byte, len(snap.Skipped)),
	}

	for _, field := range []struct {
		name string
		in   string
		out  *[32]byte
	}{
		{"root key", snap.RootKey, &sess.rootKey},
		{"ratchet private", snap.RatchetPrivate, &sess.ratchetPrivate},
		{"ratchet public", snap.RatchetPublic, &sess.ratchetPublic},
		{"remote ratchet", snap.RemoteRatchet, &sess.remoteRatchet},
		{"remote identity", snap.RemoteIdentity, &sess.remoteIdentity},
	} {
		raw, err := decodeFixed(field.in, 32)
		if err != nil {
			return nil, fmt.Errorf("protocol: decode %s: %w", field.name, err)
		}
		copy(field.out[:], raw)
	}

	send, err := importChain(snap.SendChain)
	if err != nil {
		return nil, err
	}
	recv, err := importChain(snap.RecvChain)
	if err != nil {
		return nil, err
	}
	sess.sendChain = send
	sess.recvChain = recv

	signing, err := decodeFixed(snap.RemoteSigning, 32)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode remote signing key: %w", err)
	}
	sess.remoteSigning = signing

	for encoded, keyB64 := range snap.Skipped {
		id, err := decodeSkippedID(encoded)
		if err != nil {
			return nil, err
		}
		raw, err := decodeFixed(keyB64, 32)
		if err != nil {
			return nil, fmt.Errorf("protocol: decode skipped key: %w", err)
		}
		var mk [32]byte
		copy(mk[:], raw)
		sess.skipped[id] = mk
	}
	return sess, nil
}

func exportKeyPair(kp dhKeyPair) KeyPairSnapshot {
	return KeyPairSnapshot{
		Private: EncodeKey(kp.Private[:]),
		Public:  EncodeKey(kp.Public[:]),
	}
}

func importKeyPair(snap KeyPairSnapshot) (dhKeyPair, error) {
	priv, err := decodeFixed(snap.Private, 32)
	if err != nil {
		return dhKeyPair{}, err
	}
	pub, err := decodeFixed(snap.Public, 32)
	if err != nil {
		return dhKeyPair{}, err
	}
	var kp dhKeyPair
	copy(kp.Private[:], priv)
	copy(kp.Public[:], pub)
	return kp, nil
}

func exportChain(cs chainState) ChainSnapshot {
	return ChainSnapshot{Key: EncodeKey(cs.Key[:]), Index: cs.Index}
}

func importChain(snap ChainSnapshot) (chainState, error) {
	raw, err := decodeFixed(snap.Key, 32)
	if err != nil {
		return chainState{}, fmt.Errorf("protocol: decode chain key: %w", err)
	}
	var key [32]byte
	copy(key[:], raw)
	return chainState{Key: key, Index: snap.Index}, nil
}

func encodeSkippedID(id skippedKeyID) string {
	return EncodeKey(id.ratchetKey[:]) + ":" + strconv.FormatUint(uint64(id.index), 10)
}

func decodeSkippedID(encoded string) (skippedKeyID, error) {
	sep := strings.LastIndex(encoded, ":")
	if sep < 0 {
		return skippedKeyID{}, fmt.Errorf("protocol: malformed skipped key id %q", encoded)
	}
	ratchet, err := decodeFixed(encoded[:sep], 32)
	if err != nil {
		return skippedKeyID{}, fmt.Errorf("protocol: decode skipped ratchet key: %w", err)
	}
	index, err := strconv.ParseUint(encoded[sep+1:], 10, 32)
	if err != nil {
		return skippedKeyID{}, fmt.Errorf("protocol: decode skipped index: %w", err)
	}
	var id skippedKeyID
	copy(id.ratchetKey[:], ratchet)
	id.index = uint32(index)
	return id, nil
}
