package store

import (
	"context"

	"keycore/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type SignedPreKeyStore struct{ db *gorm.DB }

func (s *Store) SignedPreKeys() *SignedPreKeyStore { return &SignedPreKeyStore{db: s.DB} }

// Replace removes any prior signed pre-key for the device and installs the new
// one. A device has at most one active signed pre-key at a time.
func (s *SignedPreKeyStore) Replace(ctx context.Context, key domain.SignedPreKey) error {
	db := s.db.WithContext(ctx)
	if err := db.Where("device_id = ?", key.DeviceID).Delete(&domain.SignedPreKey{}).Error; err != nil {
		return err
	}
	return db.Create(&key).Error
}

func (s *SignedPreKeyStore) GetByDevice(ctx context.Context, deviceID uuid.UUID) (*domain.SignedPreKey, error) {
	var key domain.SignedPreKey
	if err := s.db.WithContext(ctx).First(&key, "device_id = ?", deviceID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &key, nil
}
