package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/vetting-api/internal/models"
	"github.com/noah-isme/vetting-api/internal/observability"
	"github.com/noah-isme/vetting-api/internal/repository"
)

// RecordStore is the single write path to vetting records. Every update holds the
// applicant lock and runs inside one database transaction.
type RecordStore struct {
	repo   repository.VettingRecordRepository
	locker Locker
	clock  clockwork.Clock
	logger zerolog.Logger
}

// NewRecordStore constructs the record store.
func NewRecordStore(repo repository.VettingRecordRepository, locker Locker, clock clockwork.Clock, logger zerolog.Logger) *RecordStore {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RecordStore{
		repo:   repo,
		locker: locker,
		clock:  clock,
		logger: logger.With().Str("component", "record_store").Logger(),
	}
}

// Get returns the stored record, or a fresh unsaved record when none exists yet.
func (s *RecordStore) Get(ctx context.Context, applicantID uint) (models.VettingRecord, error) {
	record, err := s.repo.GetByApplicant(ctx, applicantID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.NewVettingRecord(applicantID), nil
	}
	if err != nil {
		return models.VettingRecord{}, err
	}
	return record, nil
}

// Update applies fn atomically. fn must not call back into the store.
func (s *RecordStore) Update(ctx context.Context, applicantID uint, fn func(record *models.VettingRecord) error) (models.VettingRecord, error) {
	unlock, err := s.locker.Lock(ctx, applicantLockKey(applicantID))
	if err != nil {
		return models.VettingRecord{}, err
	}
	defer unlock()

	return s.repo.Mutate(ctx, applicantID, fn)
}

// MarkStarted moves a pending record to in_progress.
func (s *RecordStore) MarkStarted(ctx context.Context, applicantID uint) error {
	current, err := s.Get(ctx, applicantID)
	if err != nil {
		return err
	}
	if current.ID != 0 && current.Status != models.VettingStatusPending {
		return nil
	}
	_, err = s.Update(ctx, applicantID, func(record *models.VettingRecord) error {
		record.Started()
		return nil
	})
	return err
}

// RaiseFlag appends the flag unless one of the same type already exists for the session.
// It reports whether a new flag was stored.
func (s *RecordStore) RaiseFlag(ctx context.Context, applicantID uint, flag models.FraudFlag) (bool, error) {
	added := false
	_, err := s.Update(ctx, applicantID, func(record *models.VettingRecord) error {
		if flag.SessionID != "" && record.HasFlagFor(flag.FlagType, flag.SessionID) {
			return nil
		}
		record.FraudFlags = append(record.FraudFlags, flag)
		added = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("raise %s flag: %w", flag.FlagType, err)
	}
	if added {
		observability.FraudFlags().WithLabelValues(flag.FlagType, flag.Severity).Inc()
		s.logger.Info().
			Uint("applicant_id", applicantID).
			Str("flag_type", flag.FlagType).
			Str("severity", flag.Severity).
			Str("session_id", flag.SessionID).
			Msg("fraud flag raised")
	}
	return added, nil
}

// NewFlag builds an unresolved fraud flag detected now.
func (s *RecordStore) NewFlag(flagType, severity, description, sessionID string) models.FraudFlag {
	return newFraudFlag(flagType, severity, description, sessionID, s.clock.Now())
}

func newFraudFlag(flagType, severity, description, sessionID string, at time.Time) models.FraudFlag {
	return models.FraudFlag{
		ID:          uuid.NewString(),
		FlagType:    flagType,
		Severity:    severity,
		Description: description,
		SessionID:   sessionID,
		DetectedAt:  at.UTC(),
	}
}
