package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/noah-isme/vetting-api/internal/models"
	"github.com/noah-isme/vetting-api/internal/observability"
)

// ReviewService is the reviewer-facing side of the pipeline. Manual review is the
// only way out of the flagged status.
type ReviewService interface {
	Record(ctx context.Context, applicantID uint) (models.VettingRecord, error)
	ResolveFlag(ctx context.Context, applicantID uint, flagID string, reviewerID uint) (models.VettingRecord, error)
	RaiseFlag(ctx context.Context, applicantID uint, flagType, severity, description string) (models.VettingRecord, error)
	Review(ctx context.Context, applicantID uint, reviewerID uint, decision, note string) (models.VettingRecord, error)
	Decide(ctx context.Context, applicantID uint) (models.VettingRecord, error)
}

type reviewService struct {
	records  *RecordStore
	decider  Decider
	notifier Notifier
	clock    clockwork.Clock
	logger   zerolog.Logger
}

// NewReviewService constructs the review service.
func NewReviewService(records *RecordStore, decider Decider, notifier Notifier, clock clockwork.Clock, logger zerolog.Logger) ReviewService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &reviewService{
		records:  records,
		decider:  decider,
		notifier: notifier,
		clock:    clock,
		logger:   logger.With().Str("component", "review_service").Logger(),
	}
}

func (s *reviewService) Record(ctx context.Context, applicantID uint) (models.VettingRecord, error) {
	record, err := s.records.Get(ctx, applicantID)
	if err != nil {
		return models.VettingRecord{}, err
	}
	if record.ID == 0 {
		return models.VettingRecord{}, ErrRecordNotFound
	}
	return record, nil
}

// ResolveFlag marks the flag resolved. The record status is left as is; a reviewer
// clears a flagged record through Review.
func (s *reviewService) ResolveFlag(ctx context.Context, applicantID uint, flagID string, reviewerID uint) (models.VettingRecord, error) {
	if _, err := s.Record(ctx, applicantID); err != nil {
		return models.VettingRecord{}, err
	}

	now := s.clock.Now().UTC()
	return s.records.Update(ctx, applicantID, func(record *models.VettingRecord) error {
		for i := range record.FraudFlags {
			flag := &record.FraudFlags[i]
			if flag.ID != flagID {
				continue
			}
			if !flag.Resolved {
				flag.Resolved = true
				flag.ResolvedAt = &now
				reviewer := reviewerID
				flag.ResolvedBy = &reviewer
			}
			return nil
		}
		return ErrFlagNotFound
	})
}

func (s *reviewService) RaiseFlag(ctx context.Context, applicantID uint, flagType, severity, description string) (models.VettingRecord, error) {
	flagType = strings.ToLower(strings.TrimSpace(flagType))
	severity = strings.ToLower(strings.TrimSpace(severity))
	if flagType == "" {
		return models.VettingRecord{}, fmt.Errorf("%w: flag type is required", ErrInvalidSubmission)
	}
	if models.SeverityRank(severity) == 0 {
		return models.VettingRecord{}, fmt.Errorf("%w: unknown severity %q", ErrInvalidSubmission, severity)
	}
	if _, err := s.Record(ctx, applicantID); err != nil {
		return models.VettingRecord{}, err
	}

	flag := s.records.NewFlag(flagType, severity, strings.TrimSpace(description), "")
	if _, err := s.records.RaiseFlag(ctx, applicantID, flag); err != nil {
		return models.VettingRecord{}, err
	}
	return s.records.Get(ctx, applicantID)
}

// Review settles a flagged record. A reviewer rejection does not remove the account.
func (s *reviewService) Review(ctx context.Context, applicantID uint, reviewerID uint, decision, note string) (models.VettingRecord, error) {
	decision = strings.ToLower(strings.TrimSpace(decision))
	if decision != models.VettingStatusApproved && decision != models.VettingStatusRejected {
		return models.VettingRecord{}, fmt.Errorf("%w: decision must be approved or rejected", ErrInvalidSubmission)
	}
	if _, err := s.Record(ctx, applicantID); err != nil {
		return models.VettingRecord{}, err
	}

	now := s.clock.Now().UTC()
	record, err := s.records.Update(ctx, applicantID, func(record *models.VettingRecord) error {
		if record.Status != models.VettingStatusFlagged {
			return ErrNotFlagged
		}
		reviewer := reviewerID
		record.Status = decision
		record.Decision = decision
		record.ReviewedBy = &reviewer
		record.ReviewedAt = &now
		record.ReviewNote = strings.TrimSpace(note)
		return nil
	})
	if err != nil {
		return models.VettingRecord{}, err
	}

	observability.Decisions().WithLabelValues(record.Status).Inc()
	s.logger.Info().
		Uint("applicant_id", applicantID).
		Uint("reviewer_id", reviewerID).
		Str("status", record.Status).
		Msg("flagged record reviewed")
	if s.notifier != nil {
		s.notifier.DecisionMade(ctx, record)
	}
	return record, nil
}

func (s *reviewService) Decide(ctx context.Context, applicantID uint) (models.VettingRecord, error) {
	if _, err := s.Record(ctx, applicantID); err != nil {
		return models.VettingRecord{}, err
	}
	return s.decider.Decide(ctx, applicantID)
}
