package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/vetting-api/internal/models"
	"github.com/noah-isme/vetting-api/internal/observability"
	"github.com/noah-isme/vetting-api/internal/repository"
)

// AutoSubmitFunc receives a session closed by expiry together with its last saved answers.
type AutoSubmitFunc func(ctx context.Context, session models.TestSession) error

// OpenSessionRequest describes a session to open.
type OpenSessionRequest struct {
	ApplicantID uint
	TestType    string
	Skill       string
	Category    string
	Duration    time.Duration
	Fingerprint string
	IPAddress   string
	Content     models.SessionContent
}

// SessionStore owns the lifecycle of timed test sessions. The store is the only
// authority for expiry; closing is a compare-and-swap so exactly one of a manual
// submission and an expiry wins.
type SessionStore interface {
	Open(ctx context.Context, req OpenSessionRequest) (models.TestSession, error)
	Close(ctx context.Context, sessionID, reason string) (models.TestSession, bool, error)
	Resume(ctx context.Context, applicantID uint, testType, skill string) (models.TestSession, error)
	Get(ctx context.Context, sessionID string) (models.TestSession, error)
	GetOwned(ctx context.Context, applicantID uint, sessionID string) (models.TestSession, error)
	SaveProgress(ctx context.Context, applicantID uint, sessionID string, answers models.SessionAnswers) (models.TestSession, error)
	WriteAnswers(ctx context.Context, applicantID uint, sessionID string, answers models.SessionAnswers) (models.TestSession, error)
	RegisterAutoSubmit(testType string, fn AutoSubmitFunc)
	Restore(ctx context.Context) (int, error)
	Sweep(ctx context.Context, limit int) (int, error)
	Shutdown(ctx context.Context)
}

type sessionStore struct {
	repo            repository.TestSessionRepository
	records         *RecordStore
	clock           clockwork.Clock
	logger          zerolog.Logger
	tracer          trace.Tracer
	callbackTimeout time.Duration

	mu        sync.Mutex
	timers    map[string]clockwork.Timer
	callbacks map[string]AutoSubmitFunc
	inflight  sync.WaitGroup
	baseCtx   context.Context
	cancel    context.CancelFunc
}

// NewSessionStore constructs the session store.
func NewSessionStore(repo repository.TestSessionRepository, records *RecordStore, clock clockwork.Clock, logger zerolog.Logger) SessionStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &sessionStore{
		repo:            repo,
		records:         records,
		clock:           clock,
		logger:          logger.With().Str("component", "session_store").Logger(),
		tracer:          otel.Tracer("github.com/noah-isme/vetting-api/internal/service/sessions"),
		callbackTimeout: 2 * time.Minute,
		timers:          make(map[string]clockwork.Timer),
		callbacks:       make(map[string]AutoSubmitFunc),
		baseCtx:         baseCtx,
		cancel:          cancel,
	}
}

func (s *sessionStore) RegisterAutoSubmit(testType string, fn AutoSubmitFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks[testType] = fn
}

func (s *sessionStore) Open(ctx context.Context, req OpenSessionRequest) (models.TestSession, error) {
	ctx, span := s.tracer.Start(ctx, "sessions.open", trace.WithAttributes(
		attribute.Int64("applicant.id", int64(req.ApplicantID)),
		attribute.String("session.test_type", req.TestType),
	))
	defer span.End()

	if req.Duration <= 0 {
		return models.TestSession{}, fmt.Errorf("no duration configured for %s", req.TestType)
	}

	existing, err := s.repo.FindOpen(ctx, req.ApplicantID, req.TestType, req.Skill)
	switch {
	case err == nil:
		if !existing.IsExpired(s.clock.Now()) {
			return models.TestSession{}, ErrSessionAlreadyOpen
		}
		if _, _, err := s.Close(ctx, existing.SessionID, models.CloseReasonExpired); err != nil {
			return models.TestSession{}, err
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		span.RecordError(err)
		return models.TestSession{}, err
	}

	now := s.clock.Now().UTC()
	openKey := models.SessionOpenKey(req.ApplicantID, req.TestType, req.Skill)
	session := models.TestSession{
		SessionID:          uuid.NewString(),
		ApplicantID:        req.ApplicantID,
		TestType:           req.TestType,
		Skill:              req.Skill,
		Category:           req.Category,
		OpenKey:            &openKey,
		StartedAt:          now,
		ExpiresAt:          now.Add(req.Duration),
		BrowserFingerprint: req.Fingerprint,
		IPAddress:          req.IPAddress,
		Attempts:           1,
		Content:            datatypes.NewJSONType(req.Content),
		Answers:            datatypes.NewJSONType(models.SessionAnswers{}),
	}

	if err := s.repo.Create(ctx, &session); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return models.TestSession{}, ErrSessionAlreadyOpen
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.TestSession{}, err
	}

	s.arm(session)
	observability.SessionsOpened().WithLabelValues(req.TestType).Inc()
	span.SetAttributes(attribute.String("session.id", session.SessionID))

	if s.records != nil {
		if err := s.records.MarkStarted(ctx, req.ApplicantID); err != nil {
			s.logger.Warn().Err(err).Uint("applicant_id", req.ApplicantID).Msg("failed to mark vetting record in progress")
		}
	}
	s.checkDeviceReuse(ctx, session)

	s.logger.Info().
		Str("session_id", session.SessionID).
		Uint("applicant_id", session.ApplicantID).
		Str("test_type", session.TestType).
		Time("expires_at", session.ExpiresAt).
		Msg("session opened")

	return session, nil
}

// Close is idempotent. The boolean reports whether this call performed the close.
func (s *sessionStore) Close(ctx context.Context, sessionID, reason string) (models.TestSession, bool, error) {
	ctx, span := s.tracer.Start(ctx, "sessions.close", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("session.close_reason", reason),
	))
	defer span.End()

	won, err := s.repo.Close(ctx, sessionID, reason, s.clock.Now().UTC())
	if err != nil {
		span.RecordError(err)
		return models.TestSession{}, false, err
	}

	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return models.TestSession{}, false, err
	}
	if !won {
		return session, false, nil
	}

	s.disarm(sessionID)
	observability.SessionsClosed().WithLabelValues(session.TestType, reason).Inc()
	s.logger.Info().
		Str("session_id", sessionID).
		Str("test_type", session.TestType).
		Str("reason", reason).
		Msg("session closed")

	if reason == models.CloseReasonExpired {
		// Grading of a won expiry outlives a cancelled request but not Shutdown.
		submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.callbackTimeout)
		stop := context.AfterFunc(s.baseCtx, cancel)
		s.autoSubmit(submitCtx, session)
		stop()
		cancel()
	}

	return session, true, nil
}

func (s *sessionStore) Resume(ctx context.Context, applicantID uint, testType, skill string) (models.TestSession, error) {
	session, err := s.repo.FindOpen(ctx, applicantID, testType, skill)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.TestSession{}, ErrSessionNotFound
	}
	if err != nil {
		return models.TestSession{}, err
	}

	if session.IsExpired(s.clock.Now()) {
		if _, _, err := s.Close(ctx, session.SessionID, models.CloseReasonExpired); err != nil {
			return models.TestSession{}, err
		}
		return models.TestSession{}, ErrSessionExpired
	}

	if err := s.repo.IncrementAttempts(ctx, session.SessionID); err != nil {
		if errors.Is(err, repository.ErrSessionClosed) {
			return models.TestSession{}, ErrSessionNotFound
		}
		return models.TestSession{}, err
	}
	session.Attempts++

	// Timers are per process; make sure this replica knows about the deadline.
	s.arm(session)

	return session, nil
}

func (s *sessionStore) Get(ctx context.Context, sessionID string) (models.TestSession, error) {
	session, err := s.repo.GetBySessionID(ctx, sessionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.TestSession{}, ErrSessionNotFound
	}
	return session, err
}

func (s *sessionStore) GetOwned(ctx context.Context, applicantID uint, sessionID string) (models.TestSession, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return models.TestSession{}, err
	}
	if session.ApplicantID != applicantID {
		return models.TestSession{}, ErrSessionNotFound
	}
	return session, nil
}

// SaveProgress stores answers and closes the session when its deadline has passed.
func (s *sessionStore) SaveProgress(ctx context.Context, applicantID uint, sessionID string, answers models.SessionAnswers) (models.TestSession, error) {
	session, err := s.WriteAnswers(ctx, applicantID, sessionID, answers)
	if errors.Is(err, ErrSessionExpired) {
		if _, _, closeErr := s.Close(ctx, sessionID, models.CloseReasonExpired); closeErr != nil {
			return models.TestSession{}, closeErr
		}
	}
	return session, err
}

// WriteAnswers stores answers on an open session and never closes it. Past the
// deadline it returns ErrSessionExpired and leaves closing to the caller, which
// lets callers holding the session lock release it before expiry grading runs.
func (s *sessionStore) WriteAnswers(ctx context.Context, applicantID uint, sessionID string, answers models.SessionAnswers) (models.TestSession, error) {
	session, err := s.GetOwned(ctx, applicantID, sessionID)
	if err != nil {
		return models.TestSession{}, err
	}
	if !session.IsOpen() {
		return models.TestSession{}, closedSessionError(session)
	}
	if session.IsExpired(s.clock.Now()) {
		return models.TestSession{}, ErrSessionExpired
	}

	if err := s.repo.SaveAnswers(ctx, sessionID, answers); err != nil {
		if errors.Is(err, repository.ErrSessionClosed) {
			current, getErr := s.Get(ctx, sessionID)
			if getErr != nil {
				return models.TestSession{}, getErr
			}
			return models.TestSession{}, closedSessionError(current)
		}
		return models.TestSession{}, err
	}

	session.Answers = datatypes.NewJSONType(answers)
	return session, nil
}

// Restore re-arms expiry timers for sessions left open by a previous process.
func (s *sessionStore) Restore(ctx context.Context) (int, error) {
	sessions, err := s.repo.ListOpen(ctx)
	if err != nil {
		return 0, err
	}
	for _, session := range sessions {
		s.arm(session)
	}
	return len(sessions), nil
}

// Sweep closes open sessions whose deadline passed without a timer firing.
func (s *sessionStore) Sweep(ctx context.Context, limit int) (int, error) {
	expired, err := s.repo.ListExpiredOpen(ctx, s.clock.Now().UTC(), limit)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, session := range expired {
		_, won, err := s.Close(ctx, session.SessionID, models.CloseReasonExpired)
		if err != nil {
			s.logger.Error().Err(err).Str("session_id", session.SessionID).Msg("failed to close expired session")
			continue
		}
		if won {
			closed++
		}
	}
	return closed, nil
}

// Shutdown stops every timer and waits for running expiry callbacks until ctx is done.
func (s *sessionStore) Shutdown(ctx context.Context) {
	s.mu.Lock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
		observability.SessionTimersActive().Dec()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("shutdown interrupted running session expiries")
	}
	s.cancel()
}

func (s *sessionStore) arm(session models.TestSession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.timers[session.SessionID]; exists {
		return
	}

	wait := session.ExpiresAt.Sub(s.clock.Now())
	if wait < 0 {
		wait = 0
	}

	sessionID := session.SessionID
	s.timers[sessionID] = s.clock.AfterFunc(wait, func() {
		s.expire(sessionID)
	})
	observability.SessionTimersActive().Inc()
}

func (s *sessionStore) disarm(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[sessionID]; ok {
		timer.Stop()
		delete(s.timers, sessionID)
		observability.SessionTimersActive().Dec()
	}
}

func (s *sessionStore) expire(sessionID string) {
	s.inflight.Add(1)
	defer s.inflight.Done()

	s.disarm(sessionID)

	ctx, cancel := context.WithTimeout(s.baseCtx, s.callbackTimeout)
	defer cancel()

	if _, _, err := s.Close(ctx, sessionID, models.CloseReasonExpired); err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to expire session")
	}
}

func (s *sessionStore) autoSubmit(ctx context.Context, session models.TestSession) {
	s.mu.Lock()
	callback := s.callbacks[session.TestType]
	s.mu.Unlock()

	if callback == nil {
		s.logger.Warn().Str("test_type", session.TestType).Msg("no auto-submit callback registered")
		return
	}

	if err := callback(ctx, session); err != nil {
		s.logger.Warn().Err(err).Str("session_id", session.SessionID).Msg("auto-submit failed; answers kept for regrade")
	}
}

func (s *sessionStore) checkDeviceReuse(ctx context.Context, session models.TestSession) {
	if s.records == nil || session.BrowserFingerprint == "" {
		return
	}

	shared, err := s.repo.FingerprintUsedByOthers(ctx, session.BrowserFingerprint, session.ApplicantID)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", session.SessionID).Msg("device reuse check failed")
		return
	}
	if !shared {
		return
	}

	flag := s.records.NewFlag(models.FlagSharedDevice, models.SeverityHigh,
		"browser fingerprint was used by another applicant", session.SessionID)
	if _, err := s.records.RaiseFlag(ctx, session.ApplicantID, flag); err != nil {
		s.logger.Warn().Err(err).Str("session_id", session.SessionID).Msg("failed to raise shared device flag")
	}
}

func closedSessionError(session models.TestSession) error {
	if session.CloseReason == models.CloseReasonExpired {
		return ErrSessionExpired
	}
	return ErrSessionClosed
}
