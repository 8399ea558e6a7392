package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/vetting-api/internal/models"
	"github.com/noah-isme/vetting-api/internal/observability"
	"github.com/noah-isme/vetting-api/internal/repository"
)

// PhaseGrader scores closed sessions of the test types it is registered for.
// ValidateDraft checks saved progress, Validate a final submission. Anything
// ValidateDraft accepts must be gradable. Grade must be safe to run again for the
// same session.
type PhaseGrader interface {
	ValidateDraft(ctx context.Context, session models.TestSession, answers models.SessionAnswers) error
	Validate(ctx context.Context, session models.TestSession, answers models.SessionAnswers) error
	Grade(ctx context.Context, session models.TestSession) (models.VettingRecord, error)
}

// Decider runs the admission decision for an applicant.
type Decider interface {
	Decide(ctx context.Context, applicantID uint) (models.VettingRecord, error)
}

// GradingService grades closed sessions. Manual submissions and expiries both end here.
type GradingService interface {
	Register(testType string, grader PhaseGrader)
	Grader(testType string) (PhaseGrader, bool)
	Finalize(ctx context.Context, session models.TestSession) (models.VettingRecord, error)
}

type gradingService struct {
	sessions repository.TestSessionRepository
	records  *RecordStore
	locker   Locker
	decider  Decider
	graders  map[string]PhaseGrader
	clock    clockwork.Clock
	logger   zerolog.Logger
	tracer   trace.Tracer
}

// NewGradingService constructs the grading service.
func NewGradingService(sessions repository.TestSessionRepository, records *RecordStore, locker Locker, decider Decider, clock clockwork.Clock, logger zerolog.Logger) GradingService {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &gradingService{
		sessions: sessions,
		records:  records,
		locker:   locker,
		decider:  decider,
		graders:  make(map[string]PhaseGrader),
		clock:    clock,
		logger:   logger.With().Str("component", "grading_service").Logger(),
		tracer:   otel.Tracer("github.com/noah-isme/vetting-api/internal/service/grading"),
	}
}

// Register is not safe for concurrent use; call it during wiring.
func (s *gradingService) Register(testType string, grader PhaseGrader) {
	s.graders[testType] = grader
}

func (s *gradingService) Grader(testType string) (PhaseGrader, bool) {
	grader, ok := s.graders[testType]
	return grader, ok
}

func (s *gradingService) Finalize(ctx context.Context, session models.TestSession) (models.VettingRecord, error) {
	ctx, span := s.tracer.Start(ctx, "grading.finalize", trace.WithAttributes(
		attribute.String("session.id", session.SessionID),
		attribute.String("session.test_type", session.TestType),
	))
	defer span.End()

	unlock, err := s.locker.Lock(ctx, sessionLockKey(session.SessionID))
	if err != nil {
		return models.VettingRecord{}, err
	}
	defer unlock()

	current, err := s.sessions.GetBySessionID(ctx, session.SessionID)
	if err != nil {
		return models.VettingRecord{}, err
	}
	if current.IsOpen() {
		return models.VettingRecord{}, fmt.Errorf("%w: session is still open", ErrInvalidSubmission)
	}
	if current.Graded {
		return s.records.Get(ctx, current.ApplicantID)
	}

	grader, ok := s.graders[current.TestType]
	if !ok {
		return models.VettingRecord{}, fmt.Errorf("no grader registered for %s", current.TestType)
	}

	start := s.clock.Now()
	record, gradeErr := grader.Grade(ctx, current)
	outcome := "graded"
	if gradeErr != nil {
		outcome = "failed"
	}
	observability.GradingDuration().WithLabelValues(current.TestType, outcome).Observe(s.clock.Since(start).Seconds())

	if gradeErr != nil {
		span.RecordError(gradeErr)
		span.SetStatus(codes.Error, gradeErr.Error())
		if err := s.sessions.MarkGraded(ctx, current.SessionID, gradeErr.Error()); err != nil {
			s.logger.Error().Err(err).Str("session_id", current.SessionID).Msg("failed to record grading error")
		}
		s.logger.Warn().Err(gradeErr).Str("session_id", current.SessionID).Msg("grading failed")
		return models.VettingRecord{}, gradeErr
	}

	if err := s.sessions.MarkGraded(ctx, current.SessionID, ""); err != nil {
		s.logger.Error().Err(err).Str("session_id", current.SessionID).Msg("failed to mark session graded")
	}

	return decideIfReady(ctx, s.decider, s.logger, record), nil
}

// RegisterPhase registers grader for the test types and routes their expiries into
// Finalize, so an expired session is graded exactly like a submitted one.
func RegisterPhase(store SessionStore, grading GradingService, grader PhaseGrader, testTypes ...string) {
	for _, testType := range testTypes {
		grading.Register(testType, grader)
		store.RegisterAutoSubmit(testType, func(ctx context.Context, session models.TestSession) error {
			_, err := grading.Finalize(ctx, session)
			return err
		})
	}
}

// decideIfReady runs the decision once all three steps are complete. Decision
// failures are logged; the reviewer endpoint can re-run the decision.
func decideIfReady(ctx context.Context, decider Decider, logger zerolog.Logger, record models.VettingRecord) models.VettingRecord {
	if decider == nil || !record.AllStepsCompleted() || record.IsDecided() {
		return record
	}
	decided, err := decider.Decide(ctx, record.ApplicantID)
	if err != nil {
		logger.Error().Err(err).Uint("applicant_id", record.ApplicantID).Msg("admission decision failed")
		return record
	}
	return decided
}

// buildIntegrity summarises the proctoring context of a session.
func buildIntegrity(ctx context.Context, signals repository.ActivitySignalRepository, session models.TestSession, now time.Time, logger zerolog.Logger) models.IntegrityMetadata {
	metadata := models.IntegrityMetadata{
		SessionID:          session.SessionID,
		TimeSpentSeconds:   int64(session.TimeSpent(now).Seconds()),
		Attempts:           session.Attempts,
		Fingerprint:        session.BrowserFingerprint,
		IPAddress:          session.IPAddress,
		SuspiciousActivity: []string{},
	}
	if signals == nil {
		return metadata
	}

	observed, err := signals.ListBySession(ctx, session.SessionID)
	if err != nil {
		logger.Warn().Err(err).Str("session_id", session.SessionID).Msg("failed to load activity signals")
		return metadata
	}
	for _, signal := range observed {
		metadata.SuspiciousActivity = append(metadata.SuspiciousActivity, signal.SignalType)
	}
	sort.Strings(metadata.SuspiciousActivity)
	return metadata
}
