package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/vetting-api/internal/models"
)

// SkillTestSessionRepository persists skill test flows.
type SkillTestSessionRepository interface {
	Create(ctx context.Context, session *models.SkillTestSession) error
	GetLive(ctx context.Context, applicantID uint) (models.SkillTestSession, error)
	GetLatest(ctx context.Context, applicantID uint) (models.SkillTestSession, error)
	GetBySessionID(ctx context.Context, sessionID string) (models.SkillTestSession, error)
	ListByApplicant(ctx context.Context, applicantID uint) ([]models.SkillTestSession, error)
	Mutate(ctx context.Context, sessionID string, fn func(session *models.SkillTestSession) error) (models.SkillTestSession, error)
}

// NewSkillTestSessionRepository constructs the repository.
func NewSkillTestSessionRepository(db *gorm.DB) SkillTestSessionRepository {
	return &skillTestSessionRepository{db: db}
}

type skillTestSessionRepository struct {
	db *gorm.DB
}

func (r *skillTestSessionRepository) Create(ctx context.Context, session *models.SkillTestSession) error {
	return r.db.WithContext(ctx).Create(session).Error
}

func (r *skillTestSessionRepository) GetLive(ctx context.Context, applicantID uint) (models.SkillTestSession, error) {
	var session models.SkillTestSession
	err := r.db.WithContext(ctx).
		Where("applicant_id = ? AND status <> ?", applicantID, models.SkillFlowCompleted).
		First(&session).Error
	if err != nil {
		return models.SkillTestSession{}, err
	}
	return session, nil
}

func (r *skillTestSessionRepository) GetLatest(ctx context.Context, applicantID uint) (models.SkillTestSession, error) {
	var session models.SkillTestSession
	err := r.db.WithContext(ctx).
		Where("applicant_id = ?", applicantID).
		Order("id DESC").
		First(&session).Error
	if err != nil {
		return models.SkillTestSession{}, err
	}
	return session, nil
}

func (r *skillTestSessionRepository) GetBySessionID(ctx context.Context, sessionID string) (models.SkillTestSession, error) {
	var session models.SkillTestSession
	if err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&session).Error; err != nil {
		return models.SkillTestSession{}, err
	}
	return session, nil
}

func (r *skillTestSessionRepository) ListByApplicant(ctx context.Context, applicantID uint) ([]models.SkillTestSession, error) {
	var sessions []models.SkillTestSession
	if err := r.db.WithContext(ctx).Where("applicant_id = ?", applicantID).Order("id ASC").Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *skillTestSessionRepository) Mutate(ctx context.Context, sessionID string, fn func(session *models.SkillTestSession) error) (models.SkillTestSession, error) {
	var session models.SkillTestSession
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("session_id = ?", sessionID).
			First(&session).Error
		if err != nil {
			return err
		}
		if err := fn(&session); err != nil {
			return err
		}
		return tx.Save(&session).Error
	})
	if err != nil {
		return models.SkillTestSession{}, err
	}
	return session, nil
}
