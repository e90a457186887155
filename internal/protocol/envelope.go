package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Envelope kinds form a closed union. Anything else on the wire is rejected
// before it can reach session state.
const (
	EnvelopeHandshake = "handshake"
	EnvelopeMessage   = "message"
)

// Envelope is the wire shape for delivered payloads: either an initial
// handshake or a ratcheted message. Exactly one of Handshake/Message is set,
// matching Kind.
type Envelope struct {
	Kind      string             `json:"type"`
	Handshake *HandshakePayload  `json:"handshake,omitempty"`
	Message   *CiphertextPayload `json:"message,omitempty"`
}

// HandshakePayload is the encoded form of a HandshakeMessage, optionally
// carrying the initiator's first ratcheted message.
type HandshakePayload struct {
	IdentityKey          string             `json:"identityKey"`
	IdentitySignatureKey string             `json:"identitySignatureKey"`
	EphemeralKey         string             `json:"ephemeralKey"`
	OneTimePrekeyID      *string            `json:"oneTimePreKeyId,omitempty"`
	Initial              *CiphertextPayload `json:"initial,omitempty"`
}

// CiphertextPayload is the encoded form of a ratcheted message.
type CiphertextPayload struct {
	RatchetKey       string `json:"ratchetKey"`
	PreviousChainLen uint32 `json:"previousChainLength"`
	MessageNumber    uint32 `json:"messageNumber"`
	Nonce            string `json:"nonce"`
	Ciphertext       string `json:"ciphertext"`
}

// EncodeHandshakeEnvelope renders a handshake message (and optional first
// ciphertext) as an envelope.
func EncodeHandshakeEnvelope(msg *HandshakeMessage, initial *CiphertextPayload) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil handshake", ErrInvalidEnvelope)
	}
	payload := &HandshakePayload{
		IdentityKey:          EncodeKey(msg.IdentityKey[:]),
		IdentitySignatureKey: EncodeKey(msg.IdentitySignatureKey),
		EphemeralKey:         EncodeKey(msg.EphemeralKey[:]),
		Initial:              initial,
	}
	if msg.OneTimePrekeyID != nil {
		id := msg.OneTimePrekeyID.String()
		payload.OneTimePrekeyID = &id
	}
	return json.Marshal(Envelope{Kind: EnvelopeHandshake, Handshake: payload})
}

// EncodeMessageEnvelope renders a header+ciphertext pair as an envelope.
func EncodeMessageEnvelope(header *MessageHeader, ciphertext []byte) ([]byte, error) {
	if header == nil || len(ciphertext) == 0 {
		return nil, fmt.Errorf("%w: missing header or ciphertext", ErrInvalidEnvelope)
	}
	return json.Marshal(Envelope{Kind: EnvelopeMessage, Message: NewCiphertextPayload(header, ciphertext)})
}

// NewCiphertextPayload encodes a header and ciphertext for the wire.
func NewCiphertextPayload(header *MessageHeader, ciphertext []byte) *CiphertextPayload {
	return &CiphertextPayload{
		RatchetKey:       EncodeKey(header.DHPublic[:]),
		PreviousChainLen: header.PN,
		MessageNumber:    header.N,
		Nonce:            EncodeKey(header.Nonce[:]),
		Ciphertext:       base64.StdEncoding.EncodeToString(ciphertext),
	}
}

// DecodeEnvelope parses and validates an envelope, rejecting unknown kinds and
// malformed or missing fields.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	switch env.Kind {
	case EnvelopeHandshake:
		if env.Handshake == nil || env.Message != nil {
			return nil, fmt.Errorf("%w: handshake envelope shape", ErrInvalidEnvelope)
		}
		if _, err := env.Handshake.HandshakeMessage(); err != nil {
			return nil, err
		}
		if env.Handshake.Initial != nil {
			if _, _, err := env.Handshake.Initial.Open(); err != nil {
				return nil, err
			}
		}
	case EnvelopeMessage:
		if env.Message == nil || env.Handshake != nil {
			return nil, fmt.Errorf("%w: message envelope shape", ErrInvalidEnvelope)
		}
		if _, _, err := env.Message.Open(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, env.Kind)
	}
	return &env, nil
}

// HandshakeMessage decodes the payload back into protocol types.
func (p *HandshakePayload) HandshakeMessage() (*HandshakeMessage, error) {
	identity, err := DecodePublicKey(p.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("%w: identity key", ErrInvalidEnvelope)
	}
	signing, err := DecodeSigningKey(p.IdentitySignatureKey)
	if err != nil {
		return nil, fmt.Errorf("%w: identity signature key", ErrInvalidEnvelope)
	}
	ephemeral, err := DecodePublicKey(p.EphemeralKey)
	if err != nil {
		return nil, fmt.Errorf("%w: ephemeral key", ErrInvalidEnvelope)
	}
	msg := &HandshakeMessage{
		IdentityKey:          identity,
		IdentitySignatureKey: signing,
		EphemeralKey:         ephemeral,
	}
	if p.OneTimePrekeyID != nil {
		id, err := uuid.Parse(*p.OneTimePrekeyID)
		if err != nil {
			return nil, fmt.Errorf("%w: one-time prekey id", ErrInvalidEnvelope)
		}
		msg.OneTimePrekeyID = &id
	}
	return msg, nil
}

// Open decodes the payload back into a header and raw ciphertext.
func (p *CiphertextPayload) Open() (*MessageHeader, []byte, error) {
	ratchet, err := DecodePublicKey(p.RatchetKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: ratchet key", ErrInvalidEnvelope)
	}
	nonceRaw, err := decodeFixed(p.Nonce, 12)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: nonce", ErrInvalidEnvelope)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(p.Ciphertext)
	if err != nil || len(ciphertext) == 0 {
		return nil, nil, fmt.Errorf("%w: ciphertext", ErrInvalidEnvelope)
	}
	header := &MessageHeader{
		DHPublic: ratchet,
		PN:       p.PreviousChainLen,
		N:        p.MessageNumber,
	}
	copy(header.Nonce[:], nonceRaw)
	return header, ciphertext, nil
}
