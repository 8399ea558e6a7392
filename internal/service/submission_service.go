package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/noah-isme/vetting-api/internal/models"
)

// SubmissionResult is the state after a submit or regrade.
type SubmissionResult struct {
	Session       models.TestSession
	Record        models.VettingRecord
	AlreadyClosed bool
}

// SubmissionService handles progress, submission and regrading of english and
// standalone skill sessions.
type SubmissionService interface {
	Get(ctx context.Context, applicantID uint, sessionID string) (models.TestSession, error)
	SaveProgress(ctx context.Context, applicantID uint, sessionID string, answers models.SessionAnswers) (models.TestSession, error)
	Submit(ctx context.Context, applicantID uint, sessionID string, answers models.SessionAnswers) (SubmissionResult, error)
	Regrade(ctx context.Context, applicantID uint, sessionID string) (SubmissionResult, error)
}

type submissionService struct {
	store   SessionStore
	grading GradingService
	records *RecordStore
	clock   clockwork.Clock
	logger  zerolog.Logger
}

// NewSubmissionService constructs the submission service.
func NewSubmissionService(store SessionStore, grading GradingService, records *RecordStore, clock clockwork.Clock, logger zerolog.Logger) SubmissionService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &submissionService{
		store:   store,
		grading: grading,
		records: records,
		clock:   clock,
		logger:  logger.With().Str("component", "submission_service").Logger(),
	}
}

func (s *submissionService) Get(ctx context.Context, applicantID uint, sessionID string) (models.TestSession, error) {
	return s.store.GetOwned(ctx, applicantID, sessionID)
}

// SaveProgress stores answers the session's grader can later score, so an expiry
// never closes a session on work that cannot be graded.
func (s *submissionService) SaveProgress(ctx context.Context, applicantID uint, sessionID string, answers models.SessionAnswers) (models.TestSession, error) {
	session, err := s.store.GetOwned(ctx, applicantID, sessionID)
	if err != nil {
		return models.TestSession{}, err
	}
	grader, ok := s.grading.Grader(session.TestType)
	if !ok {
		return models.TestSession{}, fmt.Errorf("%w: %s sessions are not saved here", ErrInvalidSubmission, session.TestType)
	}
	if session.IsOpen() {
		if err := grader.ValidateDraft(ctx, session, answers); err != nil {
			return models.TestSession{}, err
		}
	}
	return s.store.SaveProgress(ctx, applicantID, sessionID, answers)
}

// Submit saves the final answers, closes the session and grades it from the stored
// answers, exactly like an expiry would.
func (s *submissionService) Submit(ctx context.Context, applicantID uint, sessionID string, answers models.SessionAnswers) (SubmissionResult, error) {
	session, err := s.store.GetOwned(ctx, applicantID, sessionID)
	if err != nil {
		return SubmissionResult{}, err
	}

	grader, ok := s.grading.Grader(session.TestType)
	if !ok {
		return SubmissionResult{}, fmt.Errorf("%w: %s sessions are not submitted here", ErrInvalidSubmission, session.TestType)
	}

	if !session.IsOpen() {
		return s.closedResult(ctx, session)
	}
	if session.IsExpired(s.clock.Now()) {
		if _, _, err := s.store.Close(ctx, sessionID, models.CloseReasonExpired); err != nil {
			return SubmissionResult{}, err
		}
		return SubmissionResult{}, ErrSessionExpired
	}

	if err := grader.Validate(ctx, session, answers); err != nil {
		return SubmissionResult{}, err
	}

	if _, err := s.store.SaveProgress(ctx, applicantID, sessionID, answers); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			current, getErr := s.store.Get(ctx, sessionID)
			if getErr != nil {
				return SubmissionResult{}, getErr
			}
			return s.closedResult(ctx, current)
		}
		return SubmissionResult{}, err
	}

	closed, won, err := s.store.Close(ctx, sessionID, models.CloseReasonSubmitted)
	if err != nil {
		return SubmissionResult{}, err
	}
	if !won {
		return s.closedResult(ctx, closed)
	}

	record, err := s.grading.Finalize(ctx, closed)
	if err != nil {
		return SubmissionResult{Session: closed}, err
	}
	closed.Graded = true

	return SubmissionResult{Session: closed, Record: record}, nil
}

func (s *submissionService) Regrade(ctx context.Context, applicantID uint, sessionID string) (SubmissionResult, error) {
	session, err := s.store.GetOwned(ctx, applicantID, sessionID)
	if err != nil {
		return SubmissionResult{}, err
	}
	if session.IsOpen() {
		return SubmissionResult{}, fmt.Errorf("%w: session is still open", ErrInvalidSubmission)
	}

	record, err := s.grading.Finalize(ctx, session)
	if err != nil {
		return SubmissionResult{Session: session}, err
	}
	session.Graded = true
	session.GradingError = ""

	return SubmissionResult{Session: session, Record: record, AlreadyClosed: true}, nil
}

func (s *submissionService) closedResult(ctx context.Context, session models.TestSession) (SubmissionResult, error) {
	if session.CloseReason == models.CloseReasonExpired {
		return SubmissionResult{}, ErrSessionExpired
	}
	record, err := s.records.Get(ctx, session.ApplicantID)
	if err != nil {
		return SubmissionResult{}, err
	}
	return SubmissionResult{Session: session, Record: record, AlreadyClosed: true}, nil
}
