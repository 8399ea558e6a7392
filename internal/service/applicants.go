package service

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/noah-isme/vetting-api/internal/models"
	"github.com/noah-isme/vetting-api/internal/repository"
)

// ClientInfo carries the environment an assessment is taken from.
type ClientInfo struct {
	Fingerprint string
	IPAddress   string
}

func loadEligibleApplicant(ctx context.Context, repo repository.ApplicantRepository, applicantID uint) (models.Applicant, error) {
	applicant, err := repo.GetByID(ctx, applicantID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Applicant{}, ErrApplicantNotFound
	}
	if err != nil {
		return models.Applicant{}, err
	}
	if !applicant.Eligible() {
		return models.Applicant{}, ErrApplicantNotEligible
	}
	return applicant, nil
}

func requireStep(record models.VettingRecord, step string) error {
	if record.IsDecided() {
		return ErrPhaseCompleted
	}
	if step != "" && !record.HasStep(step) {
		return ErrStepOutOfOrder
	}
	return nil
}
