package store

import (
	"context"

	"keycore/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SessionStore struct{ db *gorm.DB }

func (s *Store) Sessions() *SessionStore { return &SessionStore{db: s.DB} }

func (s *SessionStore) Upsert(ctx context.Context, sess domain.Session) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "local_device_id"}, {Name: "remote_device_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"identity_version": sess.IdentityVersion,
				"stale":            sess.Stale,
				"state":            sess.State,
			}),
		}).
		Create(&sess).Error
}

func (s *SessionStore) GetPair(ctx context.Context, local, remote uuid.UUID) (*domain.Session, error) {
	var sess domain.Session
	err := s.db.WithContext(ctx).
		First(&sess, "local_device_id = ? AND remote_device_id = ?", local, remote).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &sess, nil
}

// MarkStaleForDevice flags persisted sessions after the device's identity key
// rotated. The stored identity_version tracks the remote peer's version, so
// rows where the rotated device is the local side always go stale: their key
// material belongs to the replaced identity. Rows where it is the remote peer
// go stale only when they were established against an older version. Runs
// inside the re-registration transaction so rotation and staling commit
// together.
func (s *SessionStore) MarkStaleForDevice(ctx context.Context, deviceID uuid.UUID, identityVersion int) (int64, error) {
	res := s.db.WithContext(ctx).Model(&domain.Session{}).
		Where("local_device_id = ? OR (remote_device_id = ? AND identity_version < ?)", deviceID, deviceID, identityVersion).
		Update("stale", true)
	return res.RowsAffected, res.Error
}
