package domain

import (
	"time"

	"keycore/internal/rawjson"

	"github.com/google/uuid"
)

type User struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

type Device struct {
	ID                   uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID               uuid.UUID `gorm:"type:uuid;not null;index"`
	RegistrationID       uint32    `gorm:"not null"`
	IdentityKey          string    `gorm:"type:text;not null"`
	IdentitySignatureKey string    `gorm:"type:text;not null"`
	IsPrimary            bool      `gorm:"not null;default:false"`
	// IdentityVersion is bumped whenever the device re-registers with a
	// different identity key; sessions bound to older versions go stale.
	IdentityVersion int       `gorm:"not null;default:1"`
	LastSeen        time.Time `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt       time.Time `gorm:"not null;autoUpdateTime"`
}

type SignedPreKey struct {
	DeviceID  uuid.UUID `gorm:"type:uuid;primaryKey"`
	KeyID     uuid.UUID `gorm:"type:uuid;not null"`
	PublicKey string    `gorm:"type:text;not null"`
	Signature string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

type OneTimePreKey struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey"`
	DeviceID   uuid.UUID  `gorm:"type:uuid;not null;index"`
	PublicKey  string     `gorm:"type:text;not null"`
	ConsumedAt *time.Time `gorm:"type:timestamptz"`
	CreatedAt  time.Time  `gorm:"not null;autoCreateTime"`
}

// Session is the registry-side snapshot of a client device-pair session,
// persisted so identity rotation can mark affected pairs stale server-side.
type Session struct {
	LocalDeviceID   uuid.UUID    `gorm:"type:uuid;primaryKey"`
	RemoteDeviceID  uuid.UUID    `gorm:"type:uuid;primaryKey"`
	IdentityVersion int          `gorm:"not null;default:1"`
	Stale           bool         `gorm:"not null;default:false"`
	State           rawjson.JSON `gorm:"type:jsonb"`
	CreatedAt       time.Time    `gorm:"not null;autoCreateTime"`
	UpdatedAt       time.Time    `gorm:"not null;autoUpdateTime"`
}
