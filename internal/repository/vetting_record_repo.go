package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/vetting-api/internal/models"
)

// VettingRecordRepository persists the per-applicant aggregate.
type VettingRecordRepository interface {
	GetByApplicant(ctx context.Context, applicantID uint) (models.VettingRecord, error)
	Mutate(ctx context.Context, applicantID uint, fn func(record *models.VettingRecord) error) (models.VettingRecord, error)
}

// NewVettingRecordRepository constructs the vetting record repository.
func NewVettingRecordRepository(db *gorm.DB) VettingRecordRepository {
	return &vettingRecordRepository{db: db}
}

type vettingRecordRepository struct {
	db *gorm.DB
}

func (r *vettingRecordRepository) GetByApplicant(ctx context.Context, applicantID uint) (models.VettingRecord, error) {
	var record models.VettingRecord
	if err := r.db.WithContext(ctx).Where("applicant_id = ?", applicantID).First(&record).Error; err != nil {
		return models.VettingRecord{}, err
	}
	return record, nil
}

// Mutate loads (or lazily creates) the record, applies fn and saves it in one
// transaction. When fn returns an error nothing is written.
func (r *vettingRecordRepository) Mutate(ctx context.Context, applicantID uint, fn func(record *models.VettingRecord) error) (models.VettingRecord, error) {
	var record models.VettingRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("applicant_id = ?", applicantID).
			First(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			record = models.NewVettingRecord(applicantID)
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		if err := fn(&record); err != nil {
			return err
		}

		return tx.Save(&record).Error
	})
	if err != nil {
		return models.VettingRecord{}, err
	}
	return record, nil
}
