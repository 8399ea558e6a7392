package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/vetting-api/internal/models"
)

// ApplicantRepository reads applicants and applies the removal side effect.
type ApplicantRepository interface {
	Create(ctx context.Context, applicant *models.Applicant) error
	GetByID(ctx context.Context, id uint) (models.Applicant, error)
	Remove(ctx context.Context, id uint, reason string, at time.Time) error
}

// NewApplicantRepository constructs an applicant repository.
func NewApplicantRepository(db *gorm.DB) ApplicantRepository {
	return &applicantRepository{db: db}
}

type applicantRepository struct {
	db *gorm.DB
}

func (r *applicantRepository) Create(ctx context.Context, applicant *models.Applicant) error {
	return r.db.WithContext(ctx).Create(applicant).Error
}

func (r *applicantRepository) GetByID(ctx context.Context, id uint) (models.Applicant, error) {
	var applicant models.Applicant
	if err := r.db.WithContext(ctx).First(&applicant, id).Error; err != nil {
		return models.Applicant{}, err
	}
	return applicant, nil
}

// Remove deactivates and soft-deletes the applicant. Removing twice is harmless.
func (r *applicantRepository) Remove(ctx context.Context, id uint, reason string, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Applicant{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"status":         models.ApplicantStatusRemoved,
				"removal_reason": reason,
				"removed_at":     at,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Delete(&models.Applicant{}, id).Error
	})
}
