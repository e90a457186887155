package store

import (
	"context"
	"time"

	"keycore/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type OneTimePreKeyStore struct{ db *gorm.DB }

func (s *Store) OneTimePreKeys() *OneTimePreKeyStore { return &OneTimePreKeyStore{db: s.DB} }

func (o *OneTimePreKeyStore) AddBatch(ctx context.Context, keys []domain.OneTimePreKey) error {
	if len(keys) == 0 {
		return nil
	}
	return o.db.WithContext(ctx).Create(&keys).Error
}

// ConsumeNext marks the oldest unconsumed one-time pre-key of the device as
// consumed and returns it. Consumption is exactly-once: the guarded update
// only wins when consumed_at is still null, and a lost race is retried once
// against the next candidate. Returns (nil, nil) when the pool is empty.
func (o *OneTimePreKeyStore) ConsumeNext(ctx context.Context, deviceID uuid.UUID) (*domain.OneTimePreKey, error) {
	for attempt := 0; attempt < 2; attempt++ {
		var key domain.OneTimePreKey
		q := o.db.WithContext(ctx).
			Where("device_id = ? AND consumed_at IS NULL", deviceID).
			Order("created_at ASC, id ASC")
		if o.db.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.First(&key).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil, nil
			}
			return nil, err
		}

		now := time.Now().UTC()
		res := o.db.WithContext(ctx).Model(&domain.OneTimePreKey{}).
			Where("id = ? AND consumed_at IS NULL", key.ID).
			Update("consumed_at", now)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			// Another transaction consumed this key first; move to the next one.
			continue
		}
		key.ConsumedAt = &now
		return &key, nil
	}
	return nil, nil
}

func (o *OneTimePreKeyStore) CountUnconsumed(ctx context.Context, deviceID uuid.UUID) (int64, error) {
	var count int64
	err := o.db.WithContext(ctx).Model(&domain.OneTimePreKey{}).
		Where("device_id = ? AND consumed_at IS NULL", deviceID).
		Count(&count).Error
	return count, err
}
