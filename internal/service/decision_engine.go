package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/noah-isme/vetting-api/internal/models"
	"github.com/noah-isme/vetting-api/internal/observability"
	"github.com/noah-isme/vetting-api/internal/repository"
)

// AccountRemover deactivates an applicant who failed the minimum bar.
type AccountRemover interface {
	RemoveAccount(ctx context.Context, applicantID uint, reason string) error
}

type applicantRemover struct {
	repo  repository.ApplicantRepository
	clock clockwork.Clock
}

// NewApplicantRemover removes accounts through the applicant repository.
func NewApplicantRemover(repo repository.ApplicantRepository, clock clockwork.Clock) AccountRemover {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &applicantRemover{repo: repo, clock: clock}
}

func (r *applicantRemover) RemoveAccount(ctx context.Context, applicantID uint, reason string) error {
	return r.repo.Remove(ctx, applicantID, reason, r.clock.Now().UTC())
}

type decisionEngine struct {
	records  *RecordStore
	remover  AccountRemover
	notifier Notifier
	clock    clockwork.Clock
	logger   zerolog.Logger
}

// NewDecisionEngine constructs the admission decision engine. notifier may be nil.
func NewDecisionEngine(records *RecordStore, remover AccountRemover, notifier Notifier, clock clockwork.Clock, logger zerolog.Logger) Decider {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &decisionEngine{
		records:  records,
		remover:  remover,
		notifier: notifier,
		clock:    clock,
		logger:   logger.With().Str("component", "decision_engine").Logger(),
	}
}

type decisionComponents struct {
	identity int
	english  int
	skills   float64
}

func componentsOf(record models.VettingRecord) (decisionComponents, bool) {
	mean, ok := record.MeanSkillScore()
	if !ok || record.Identity.Score == nil || record.English.OverallScore == nil {
		return decisionComponents{}, false
	}
	return decisionComponents{identity: *record.Identity.Score, english: *record.English.OverallScore, skills: mean}, true
}

func (c decisionComponents) floorReason() string {
	var failed []string
	if float64(c.identity) < componentFloor {
		failed = append(failed, fmt.Sprintf("identity %d", c.identity))
	}
	if float64(c.english) < componentFloor {
		failed = append(failed, fmt.Sprintf("english %d", c.english))
	}
	if c.skills < componentFloor {
		failed = append(failed, fmt.Sprintf("skills %.1f", c.skills))
	}
	return "below minimum score: " + strings.Join(failed, ", ")
}

// Decide records the admission decision once all three steps are complete.
// Replays return the stored decision and never repeat the account removal.
func (e *decisionEngine) Decide(ctx context.Context, applicantID uint) (models.VettingRecord, error) {
	now := e.clock.Now().UTC()
	decided := false
	removal := false
	reason := ""

	record, err := e.records.Update(ctx, applicantID, func(record *models.VettingRecord) error {
		if record.ID == 0 {
			return ErrRecordNotFound
		}
		if record.IsDecided() {
			// A removal that failed earlier is claimed again by the next replay.
			if record.Status == models.VettingStatusRejected && record.ReviewedBy == nil && record.AccountRemovedAt == nil {
				if components, ok := componentsOf(*record); ok && BelowFloor(components.identity, components.english, components.skills) {
					record.AccountRemovedAt = &now
					removal = true
					reason = components.floorReason()
					return nil
				}
			}
			return ErrConcurrentDecisionConflict
		}
		if !record.AllStepsCompleted() {
			return ErrStepsIncomplete
		}
		components, ok := componentsOf(*record)
		if !ok {
			return ErrStepsIncomplete
		}

		overall := OverallScore(components.identity, components.english, components.skills)
		record.OverallScore = &overall

		switch {
		case BelowFloor(components.identity, components.english, components.skills):
			record.Status = models.VettingStatusRejected
			record.AccountRemovedAt = &now
			removal = true
			reason = components.floorReason()
		case record.HasUnresolvedCritical():
			record.Status = models.VettingStatusFlagged
		default:
			record.Status = models.VettingStatusApproved
		}
		record.Decision = record.Status
		record.DecidedAt = &now
		record.CurrentStep = models.StepComplete
		decided = true
		return nil
	})
	if errors.Is(err, ErrConcurrentDecisionConflict) {
		e.logger.Debug().Uint("applicant_id", applicantID).Msg("decision already recorded")
		return e.records.Get(ctx, applicantID)
	}
	if err != nil {
		return models.VettingRecord{}, err
	}

	if decided {
		observability.Decisions().WithLabelValues(record.Status).Inc()
		e.logger.Info().
			Uint("applicant_id", applicantID).
			Str("status", record.Status).
			Float64("overall_score", *record.OverallScore).
			Msg("admission decision recorded")
		if e.notifier != nil {
			e.notifier.DecisionMade(ctx, record)
		}
	}

	if removal {
		if err := e.removeAccount(ctx, applicantID, reason); err != nil {
			return record, err
		}
	}

	return record, nil
}

func (e *decisionEngine) removeAccount(ctx context.Context, applicantID uint, reason string) error {
	var err error
	if e.remover == nil {
		err = errors.New("account remover not configured")
	} else {
		err = e.remover.RemoveAccount(ctx, applicantID, reason)
	}
	if err == nil {
		observability.AccountRemovals().Inc()
		e.logger.Warn().Uint("applicant_id", applicantID).Str("reason", reason).Msg("applicant account removed")
		if e.notifier != nil {
			e.notifier.AccountRemoved(ctx, applicantID, reason)
		}
		return nil
	}

	// Release the claim so a replay can try again.
	revertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, revertErr := e.records.Update(revertCtx, applicantID, func(record *models.VettingRecord) error {
		record.AccountRemovedAt = nil
		return nil
	}); revertErr != nil {
		e.logger.Error().Err(revertErr).Uint("applicant_id", applicantID).Msg("failed to release account removal claim")
	}
	return fmt.Errorf("remove account: %w", err)
}
