package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"keycore/internal/domain"
	"keycore/internal/dto"
	"keycore/internal/protocol"
	"keycore/internal/store"

	"github.com/google/uuid"
)

// Encryption status reasons returned when a conversation cannot be encrypted.
const (
	ReasonNoDeviceRegistered           = "NO_DEVICE_REGISTERED"
	ReasonSignedPreKeyExpiredOrInvalid = "SIGNED_PREKEY_EXPIRED_OR_INVALID"
	ReasonPartialGroupCoverage         = "PARTIAL_GROUP_COVERAGE"
)

// Invalidator receives identity-rotation signals so live sessions bound to an
// older identity key can be marked stale. The session manager implements it.
type Invalidator interface {
	InvalidateDevice(deviceID uuid.UUID, identityVersion int)
}

type Options struct {
	// SignedPreKeyMaxAge bounds how old an active signed pre-key may be before
	// the encryption status resolver counts the device as invalid.
	SignedPreKeyMaxAge time.Duration
}

type Service struct {
	store       *store.Store
	opts        Options
	invalidator Invalidator
}

func New(store *store.Store, opts Options) *Service {
	if opts.SignedPreKeyMaxAge <= 0 {
		opts.SignedPreKeyMaxAge = 30 * 24 * time.Hour
	}
	return &Service{store: store, opts: opts}
}

// SetInvalidator wires a session-side listener for identity rotations.
func (s *Service) SetInvalidator(inv Invalidator) { s.invalidator = inv }

// PrimaryDeviceID derives the stable device id used when a registration is
// flagged primary without an explicit device id. Re-registering a user's
// primary device therefore upserts the same row.
func PrimaryDeviceID(userID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(userID.String()+"-primary"))
}

func (s *Service) RegisterDevice(ctx context.Context, req dto.RegisterDeviceRequest) (dto.RegisterDeviceResponse, error) {
	if req.IdentityKey == "" || req.IdentitySignatureKey == "" || req.SignedPreKey.PublicKey == "" || req.SignedPreKey.Signature == "" {
		return dto.RegisterDeviceResponse{}, fmt.Errorf("%w: missing key material", ErrInvalidRequest)
	}

	if _, err := protocol.DecodePublicKey(req.IdentityKey); err != nil {
		return dto.RegisterDeviceResponse{}, fmt.Errorf("%w: identityKey: %v", ErrInvalidRequest, err)
	}
	signingKey, err := protocol.DecodeSigningKey(req.IdentitySignatureKey)
	if err != nil {
		return dto.RegisterDeviceResponse{}, fmt.Errorf("%w: identitySignatureKey: %v", ErrInvalidRequest, err)
	}
	signedPub, err := protocol.DecodePublicKey(req.SignedPreKey.PublicKey)
	if err != nil {
		return dto.RegisterDeviceResponse{}, fmt.Errorf("%w: signedPreKey: %v", ErrInvalidRequest, err)
	}
	sig, err := protocol.DecodeSignature(req.SignedPreKey.Signature)
	if err != nil {
		return dto.RegisterDeviceResponse{}, fmt.Errorf("%w: signedPreKey signature: %v", ErrInvalidRequest, err)
	}
	if err := protocol.VerifySignedPrekey(signingKey, signedPub, sig); err != nil {
		return dto.RegisterDeviceResponse{}, fmt.Errorf("%w: signed pre-key signature does not verify", ErrInvalidRequest)
	}

	userID, err := parseOrGenerate(req.UserID)
	if err != nil {
		return dto.RegisterDeviceResponse{}, fmt.Errorf("%w: invalid userId", ErrInvalidRequest)
	}
	var deviceID uuid.UUID
	switch {
	case req.DeviceID != "":
		deviceID, err = uuid.Parse(req.DeviceID)
		if err != nil {
			return dto.RegisterDeviceResponse{}, fmt.Errorf("%w: invalid deviceId", ErrInvalidRequest)
		}
	case req.IsPrimary:
		deviceID = PrimaryDeviceID(userID)
	default:
		deviceID = uuid.New()
	}

	createdAt := req.SignedPreKey.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	signedKeyID, err := parseOrGenerate(req.SignedPreKey.ID)
	if err != nil {
		return dto.RegisterDeviceResponse{}, fmt.Errorf("%w: invalid signed pre-key id", ErrInvalidRequest)
	}

	otks, err := buildOneTimeKeys(deviceID, req.OneTimePreKeys)
	if err != nil {
		return dto.RegisterDeviceResponse{}, err
	}

	identityVersion := 1
	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.Users().Ensure(ctx, userID); err != nil {
			return err
		}

		existing, err := tx.Devices().Get(ctx, deviceID)
		switch {
		case err == nil:
			identityVersion = existing.IdentityVersion
			if existing.IdentityKey != req.IdentityKey || existing.IdentitySignatureKey != req.IdentitySignatureKey {
				identityVersion = existing.IdentityVersion + 1
				staled, err := tx.Sessions().MarkStaleForDevice(ctx, deviceID, identityVersion)
				if err != nil {
					return err
				}
				slog.Warn("identity key rotated, sessions marked stale",
					"device_id", deviceID, "identity_version", identityVersion, "sessions_staled", staled)
			}
		case errors.Is(err, store.ErrRecordNotFound):
			// first registration keeps version 1
		default:
			return err
		}

		device := domain.Device{
			ID:                   deviceID,
			UserID:               userID,
			RegistrationID:       req.RegistrationID,
			IdentityKey:          req.IdentityKey,
			IdentitySignatureKey: req.IdentitySignatureKey,
			IsPrimary:            req.IsPrimary,
			IdentityVersion:      identityVersion,
			LastSeen:             time.Now().UTC(),
		}
		if err := tx.Devices().Upsert(ctx, device); err != nil {
			return err
		}
		if err := tx.SignedPreKeys().Replace(ctx, domain.SignedPreKey{
			DeviceID:  deviceID,
			KeyID:     signedKeyID,
			PublicKey: req.SignedPreKey.PublicKey,
			Signature: req.SignedPreKey.Signature,
			CreatedAt: createdAt,
		}); err != nil {
			return err
		}
		return tx.OneTimePreKeys().AddBatch(ctx, otks)
	})
	if err != nil {
		return dto.RegisterDeviceResponse{}, err
	}

	if s.invalidator != nil && identityVersion > 1 {
		s.invalidator.InvalidateDevice(deviceID, identityVersion)
	}

	return dto.RegisterDeviceResponse{
		UserID:          userID.String(),
		DeviceID:        deviceID.String(),
		IdentityVersion: identityVersion,
		OneTimePreKeys:  len(otks),
	}, nil
}

// GetPreKeyBundle assembles a bundle for the device, atomically consuming one
// one-time pre-key. An empty pool yields a bundle without a one-time key and
// the degraded flag set; delivery is never blocked on exhaustion.
func (s *Service) GetPreKeyBundle(ctx context.Context, deviceID uuid.UUID) (dto.PreKeyBundleResponse, error) {
	var (
		device *domain.Device
		signed *domain.SignedPreKey
		otk    *domain.OneTimePreKey
	)

	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		var err error
		device, err = tx.Devices().Get(ctx, deviceID)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return ErrDeviceNotFound
			}
			return err
		}
		signed, err = tx.SignedPreKeys().GetByDevice(ctx, deviceID)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return ErrDeviceNotFound
			}
			return err
		}
		otk, err = tx.OneTimePreKeys().ConsumeNext(ctx, deviceID)
		if err != nil {
			return err
		}
		return tx.Devices().TouchLastSeen(ctx, deviceID)
	})
	if err != nil {
		return dto.PreKeyBundleResponse{}, err
	}

	resp := dto.PreKeyBundleResponse{
		DeviceID:             deviceID.String(),
		RegistrationID:       device.RegistrationID,
		IdentityKey:          device.IdentityKey,
		IdentitySignatureKey: device.IdentitySignatureKey,
		SignedPreKey: dto.SignedPreKey{
			ID:        signed.KeyID.String(),
			PublicKey: signed.PublicKey,
			Signature: signed.Signature,
			CreatedAt: signed.CreatedAt,
		},
	}
	if otk != nil {
		resp.OneTimePreKey = &dto.OneTimePreKey{
			ID:        otk.ID.String(),
			PublicKey: otk.PublicKey,
		}
	} else {
		resp.Degraded = true
		slog.Warn("one-time pre-key pool empty", "device_id", deviceID)
	}
	return resp, nil
}

func (s *Service) RotateSignedPreKey(ctx context.Context, req dto.RotateSignedPreKeyRequest) (dto.RotateSignedPreKeyResponse, error) {
	deviceID, err := uuid.Parse(req.DeviceID)
	if err != nil {
		return dto.RotateSignedPreKeyResponse{}, fmt.Errorf("%w: invalid deviceId", ErrInvalidRequest)
	}
	if req.SignedPreKey.PublicKey == "" || req.SignedPreKey.Signature == "" {
		return dto.RotateSignedPreKeyResponse{}, fmt.Errorf("%w: missing signed prekey", ErrInvalidRequest)
	}
	signedPub, err := protocol.DecodePublicKey(req.SignedPreKey.PublicKey)
	if err != nil {
		return dto.RotateSignedPreKeyResponse{}, fmt.Errorf("%w: signedPreKey: %v", ErrInvalidRequest, err)
	}
	sig, err := protocol.DecodeSignature(req.SignedPreKey.Signature)
	if err != nil {
		return dto.RotateSignedPreKeyResponse{}, fmt.Errorf("%w: signedPreKey signature: %v", ErrInvalidRequest, err)
	}
	signedKeyID, err := parseOrGenerate(req.SignedPreKey.ID)
	if err != nil {
		return dto.RotateSignedPreKeyResponse{}, fmt.Errorf("%w: invalid signed pre-key id", ErrInvalidRequest)
	}

	createdAt := req.SignedPreKey.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	otks, err := buildOneTimeKeys(deviceID, req.OneTimePreKeys)
	if err != nil {
		return dto.RotateSignedPreKeyResponse{}, err
	}

	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		device, err := tx.Devices().Get(ctx, deviceID)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return ErrDeviceNotFound
			}
			return err
		}
		signingKey, err := protocol.DecodeSigningKey(device.IdentitySignatureKey)
		if err != nil {
			return err
		}
		if err := protocol.VerifySignedPrekey(signingKey, signedPub, sig); err != nil {
			return fmt.Errorf("%w: signed pre-key signature does not verify", ErrInvalidRequest)
		}
		if err := tx.SignedPreKeys().Replace(ctx, domain.SignedPreKey{
			DeviceID:  deviceID,
			KeyID:     signedKeyID,
			PublicKey: req.SignedPreKey.PublicKey,
			Signature: req.SignedPreKey.Signature,
			CreatedAt: createdAt,
		}); err != nil {
			return err
		}
		return tx.OneTimePreKeys().AddBatch(ctx, otks)
	})
	if err != nil {
		return dto.RotateSignedPreKeyResponse{}, err
	}

	return dto.RotateSignedPreKeyResponse{
		DeviceID: req.DeviceID,
		SignedPreKey: dto.SignedPreKey{
			ID:        signedKeyID.String(),
			PublicKey: req.SignedPreKey.PublicKey,
			Signature: req.SignedPreKey.Signature,
			CreatedAt: createdAt,
		},
		AddedOneTimeKeys: len(otks),
	}, nil
}

func (s *Service) ListDevices(ctx context.Context, userID uuid.UUID) (dto.DeviceListResponse, error) {
	exists, err := s.store.Users().Exists(ctx, userID)
	if err != nil {
		return dto.DeviceListResponse{}, err
	}
	if !exists {
		return dto.DeviceListResponse{}, ErrUserNotFound
	}
	devices, err := s.store.Devices().ListByUser(ctx, userID)
	if err != nil {
		return dto.DeviceListResponse{}, err
	}
	resp := dto.DeviceListResponse{UserID: userID.String(), Devices: make([]dto.DeviceSummary, 0, len(devices))}
	for _, d := range devices {
		resp.Devices = append(resp.Devices, dto.DeviceSummary{
			DeviceID:        d.ID.String(),
			RegistrationID:  d.RegistrationID,
			IdentityKey:     d.IdentityKey,
			IsPrimary:       d.IsPrimary,
			IdentityVersion: d.IdentityVersion,
			LastSeen:        d.LastSeen,
		})
	}
	return resp, nil
}

// SafetyNumber computes the comparison digits for two devices' identity keys.
// The result is symmetric in its arguments.
func (s *Service) SafetyNumber(ctx context.Context, deviceA, deviceB uuid.UUID) (dto.SafetyNumberResponse, error) {
	a, err := s.store.Devices().Get(ctx, deviceA)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return dto.SafetyNumberResponse{}, ErrDeviceNotFound
		}
		return dto.SafetyNumberResponse{}, err
	}
	b, err := s.store.Devices().Get(ctx, deviceB)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return dto.SafetyNumberResponse{}, ErrDeviceNotFound
		}
		return dto.SafetyNumberResponse{}, err
	}

	keyA, err := protocol.DecodePublicKey(a.IdentityKey)
	if err != nil {
		return dto.SafetyNumberResponse{}, err
	}
	keyB, err := protocol.DecodePublicKey(b.IdentityKey)
	if err != nil {
		return dto.SafetyNumberResponse{}, err
	}

	sn := protocol.ComputeSafetyNumber(keyA, keyB)
	return dto.SafetyNumberResponse{
		DeviceA:     deviceA.String(),
		DeviceB:     deviceB.String(),
		DisplayText: sn.DisplayText,
		RawDigits:   sn.Digits,
	}, nil
}

// EncryptionStatus resolves live whether a conversation can be end-to-end
// encrypted: every participant needs at least one device with a valid,
// unexpired signed pre-key. Results are never cached.
func (s *Service) EncryptionStatus(ctx context.Context, req dto.EncryptionStatusRequest) (dto.EncryptionStatusResponse, error) {
	if req.ConversationID == "" || len(req.ParticipantUserIDs) == 0 {
		return dto.EncryptionStatusResponse{}, fmt.Errorf("%w: conversationId and participantUserIds are required", ErrInvalidRequest)
	}

	covered := 0
	firstReason := ""
	for _, raw := range req.ParticipantUserIDs {
		userID, err := uuid.Parse(raw)
		if err != nil {
			return dto.EncryptionStatusResponse{}, fmt.Errorf("%w: invalid participant id %q", ErrInvalidRequest, raw)
		}
		reason, err := s.participantCoverage(ctx, userID)
		if err != nil {
			return dto.EncryptionStatusResponse{}, err
		}
		if reason == "" {
			covered++
			continue
		}
		if firstReason == "" {
			firstReason = reason
		}
	}

	resp := dto.EncryptionStatusResponse{ConversationID: req.ConversationID}
	switch {
	case covered == len(req.ParticipantUserIDs):
		resp.Encrypted = true
	case covered > 0 && len(req.ParticipantUserIDs) > 1:
		resp.Reason = ReasonPartialGroupCoverage
	default:
		resp.Reason = firstReason
	}
	return resp, nil
}

// participantCoverage returns "" when the user has at least one device whose
// signed pre-key is present, young enough, and verifies against the device's
// identity signature key.
func (s *Service) participantCoverage(ctx context.Context, userID uuid.UUID) (string, error) {
	devices, err := s.store.Devices().ListByUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(devices) == 0 {
		return ReasonNoDeviceRegistered, nil
	}

	cutoff := time.Now().UTC().Add(-s.opts.SignedPreKeyMaxAge)
	for _, d := range devices {
		signed, err := s.store.SignedPreKeys().GetByDevice(ctx, d.ID)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				continue
			}
			return "", err
		}
		if signed.CreatedAt.Before(cutoff) {
			continue
		}
		signingKey, err := protocol.DecodeSigningKey(d.IdentitySignatureKey)
		if err != nil {
			continue
		}
		signedPub, err := protocol.DecodePublicKey(signed.PublicKey)
		if err != nil {
			continue
		}
		sig, err := protocol.DecodeSignature(signed.Signature)
		if err != nil {
			continue
		}
		if protocol.VerifySignedPrekey(signingKey, signedPub, sig) == nil {
			return "", nil
		}
	}
	return ReasonSignedPreKeyExpiredOrInvalid, nil
}

func buildOneTimeKeys(deviceID uuid.UUID, keys []dto.OneTimePreKey) ([]domain.OneTimePreKey, error) {
	out := make([]domain.OneTimePreKey, 0, len(keys))
	seen := make(map[uuid.UUID]bool, len(keys))
	for _, k := range keys {
		if k.PublicKey == "" {
			return nil, fmt.Errorf("%w: one-time prekey missing publicKey", ErrInvalidRequest)
		}
		if _, err := protocol.DecodePublicKey(k.PublicKey); err != nil {
			return nil, fmt.Errorf("%w: one-time prekey: %v", ErrInvalidRequest, err)
		}
		id, err := parseOrGenerate(k.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid one-time prekey id", ErrInvalidRequest)
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate one-time prekey id %s", ErrInvalidRequest, id)
		}
		seen[id] = true
		out = append(out, domain.OneTimePreKey{ID: id, DeviceID: deviceID, PublicKey: k.PublicKey})
	}
	return out, nil
}

func parseOrGenerate(id string) (uuid.UUID, error) {
	if id == "" {
		return uuid.New(), nil
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return uuid.UUID{}, err
	}
	return parsed, nil
}
