package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/vetting-api/internal/models"
)

// ActivitySignalRepository stores deduplicated integrity signals.
type ActivitySignalRepository interface {
	Increment(ctx context.Context, signal models.ActivitySignal) (bool, error)
	ListBySession(ctx context.Context, sessionID string) ([]models.ActivitySignal, error)
}

// NewActivitySignalRepository constructs the repository.
func NewActivitySignalRepository(db *gorm.DB) ActivitySignalRepository {
	return &activitySignalRepository{db: db}
}

type activitySignalRepository struct {
	db *gorm.DB
}

// Increment inserts the first occurrence of a signal type or bumps its counter.
// It reports true when the row was created. Concurrent first occurrences race on
// the unique index; the loser falls through to the increment.
func (r *activitySignalRepository) Increment(ctx context.Context, signal models.ActivitySignal) (bool, error) {
	if signal.Count == 0 {
		signal.Count = 1
	}
	if signal.LastSeenAt.IsZero() {
		signal.LastSeenAt = signal.FirstSeenAt
	}
	seen := signal.LastSeenAt
	if seen.IsZero() {
		seen = time.Now().UTC()
	}

	created := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "signal_type"}},
		DoNothing: true,
	}).Create(&signal)
	if created.Error != nil {
		return false, created.Error
	}
	if created.RowsAffected == 1 {
		return true, nil
	}

	err := r.db.WithContext(ctx).Model(&models.ActivitySignal{}).
		Where("session_id = ? AND signal_type = ?", signal.SessionID, signal.SignalType).
		Updates(map[string]interface{}{
			"count":        gorm.Expr("count + ?", 1),
			"last_seen_at": seen,
		}).Error
	return false, err
}

func (r *activitySignalRepository) ListBySession(ctx context.Context, sessionID string) ([]models.ActivitySignal, error) {
	var signals []models.ActivitySignal
	if err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("first_seen_at ASC, id ASC").Find(&signals).Error; err != nil {
		return nil, err
	}
	return signals, nil
}
