package store

import (
	"context"

	"keycore/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DeviceStore struct{ db *gorm.DB }

func (s *Store) Devices() *DeviceStore { return &DeviceStore{db: s.DB} }

func (d *DeviceStore) Upsert(ctx context.Context, device domain.Device) error {
	return d.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"user_id":                device.UserID,
				"registration_id":        device.RegistrationID,
				"identity_key":           device.IdentityKey,
				"identity_signature_key": device.IdentitySignatureKey,
				"is_primary":             device.IsPrimary,
				"identity_version":       device.IdentityVersion,
				"last_seen":              device.LastSeen,
			}),
		}).
		Create(&device).Error
}

func (d *DeviceStore) Get(ctx context.Context, id uuid.UUID) (*domain.Device, error) {
	var device domain.Device
	if err := d.db.WithContext(ctx).First(&device, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &device, nil
}

func (d *DeviceStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.Device, error) {
	var devices []domain.Device
	err := d.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC, id ASC").
		Find(&devices).Error
	return devices, err
}

func (d *DeviceStore) TouchLastSeen(ctx context.Context, id uuid.UUID) error {
	return d.db.WithContext(ctx).Model(&domain.Device{}).
		Where("id = ?", id).
		Update("last_seen", gorm.Expr("CURRENT_TIMESTAMP")).Error
}
