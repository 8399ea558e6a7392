package repository

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/vetting-api/internal/models"
)

// TestSessionRepository persists phase sessions. Close is a compare-and-swap on closed_at.
type TestSessionRepository interface {
	Create(ctx context.Context, session *models.TestSession) error
	GetBySessionID(ctx context.Context, sessionID string) (models.TestSession, error)
	FindOpen(ctx context.Context, applicantID uint, testType, skill string) (models.TestSession, error)
	ListOpen(ctx context.Context) ([]models.TestSession, error)
	ListExpiredOpen(ctx context.Context, now time.Time, limit int) ([]models.TestSession, error)
	SaveAnswers(ctx context.Context, sessionID string, answers models.SessionAnswers) error
	IncrementAttempts(ctx context.Context, sessionID string) error
	Close(ctx context.Context, sessionID, reason string, at time.Time) (bool, error)
	MarkGraded(ctx context.Context, sessionID string, gradingErr string) error
	FingerprintUsedByOthers(ctx context.Context, fingerprint string, applicantID uint) (bool, error)
}

// NewTestSessionRepository constructs the session repository.
func NewTestSessionRepository(db *gorm.DB) TestSessionRepository {
	return &testSessionRepository{db: db}
}

type testSessionRepository struct {
	db *gorm.DB
}

func (r *testSessionRepository) Create(ctx context.Context, session *models.TestSession) error {
	return r.db.WithContext(ctx).Create(session).Error
}

func (r *testSessionRepository) GetBySessionID(ctx context.Context, sessionID string) (models.TestSession, error) {
	var session models.TestSession
	if err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&session).Error; err != nil {
		return models.TestSession{}, err
	}
	return session, nil
}

func (r *testSessionRepository) FindOpen(ctx context.Context, applicantID uint, testType, skill string) (models.TestSession, error) {
	var session models.TestSession
	err := r.db.WithContext(ctx).
		Where("open_key = ?", models.SessionOpenKey(applicantID, testType, skill)).
		First(&session).Error
	if err != nil {
		return models.TestSession{}, err
	}
	return session, nil
}

func (r *testSessionRepository) ListOpen(ctx context.Context) ([]models.TestSession, error) {
	var sessions []models.TestSession
	if err := r.db.WithContext(ctx).Where("closed_at IS NULL").Order("expires_at ASC").Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *testSessionRepository) ListExpiredOpen(ctx context.Context, now time.Time, limit int) ([]models.TestSession, error) {
	query := r.db.WithContext(ctx).
		Where("closed_at IS NULL AND expires_at <= ?", now).
		Order("expires_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var sessions []models.TestSession
	if err := query.Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *testSessionRepository) SaveAnswers(ctx context.Context, sessionID string, answers models.SessionAnswers) error {
	result := r.db.WithContext(ctx).
		Model(&models.TestSession{}).
		Where("session_id = ? AND closed_at IS NULL", sessionID).
		Update("answers", datatypes.NewJSONType(answers))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSessionClosed
	}
	return nil
}

func (r *testSessionRepository) IncrementAttempts(ctx context.Context, sessionID string) error {
	result := r.db.WithContext(ctx).
		Model(&models.TestSession{}).
		Where("session_id = ? AND closed_at IS NULL", sessionID).
		Update("attempts", gorm.Expr("attempts + 1"))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSessionClosed
	}
	return nil
}

// Close reports true only for the caller whose update flipped the session from open to closed.
func (r *testSessionRepository) Close(ctx context.Context, sessionID, reason string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.TestSession{}).
		Where("session_id = ? AND closed_at IS NULL", sessionID).
		Updates(map[string]interface{}{
			"closed_at":    at,
			"close_reason": reason,
			"open_key":     gorm.Expr("NULL"),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *testSessionRepository) MarkGraded(ctx context.Context, sessionID string, gradingErr string) error {
	return r.db.WithContext(ctx).
		Model(&models.TestSession{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]interface{}{
			"graded":        gradingErr == "",
			"grading_error": gradingErr,
		}).Error
}

func (r *testSessionRepository) FingerprintUsedByOthers(ctx context.Context, fingerprint string, applicantID uint) (bool, error) {
	if fingerprint == "" {
		return false, nil
	}
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.TestSession{}).
		Where("browser_fingerprint = ? AND applicant_id <> ?", fingerprint, applicantID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
