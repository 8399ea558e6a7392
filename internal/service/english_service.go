package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/noah-isme/vetting-api/internal/config"
	"github.com/noah-isme/vetting-api/internal/models"
	"github.com/noah-isme/vetting-api/internal/repository"
	"github.com/noah-isme/vetting-api/pkg/ai"
)

// PhaseSession is an open session together with the content served for it.
type PhaseSession struct {
	Session    models.TestSession
	Questions  []models.Question
	Challenges []models.CodingChallenge
	Resumed    bool
}

// EnglishService starts and grades the grammar, comprehension and written phases.
type EnglishService interface {
	PhaseGrader
	Start(ctx context.Context, applicantID uint, phase string, client ClientInfo) (PhaseSession, error)
}

type englishService struct {
	applicants repository.ApplicantRepository
	bank       repository.QuestionBankRepository
	signals    repository.ActivitySignalRepository
	store      SessionStore
	records    *RecordStore
	written    ai.WrittenGrader
	cfg        config.VettingConfig
	retry      RetryPolicy
	sanitizer  *bluemonday.Policy
	clock      clockwork.Clock
	logger     zerolog.Logger
}

// EnglishDependencies groups the collaborators of the english phase.
type EnglishDependencies struct {
	Applicants repository.ApplicantRepository
	Bank       repository.QuestionBankRepository
	Signals    repository.ActivitySignalRepository
	Store      SessionStore
	Records    *RecordStore
	Written    ai.WrittenGrader
	Config     config.VettingConfig
	Retry      RetryPolicy
	Clock      clockwork.Clock
	Logger     zerolog.Logger
}

// NewEnglishService constructs the english phase service.
func NewEnglishService(deps EnglishDependencies) EnglishService {
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &englishService{
		applicants: deps.Applicants,
		bank:       deps.Bank,
		signals:    deps.Signals,
		store:      deps.Store,
		records:    deps.Records,
		written:    deps.Written,
		cfg:        deps.Config,
		retry:      deps.Retry,
		sanitizer:  bluemonday.StrictPolicy(),
		clock:      clock,
		logger:     deps.Logger.With().Str("component", "english_service").Logger(),
	}
}

func isEnglishPhase(phase string) bool {
	switch phase {
	case models.TestTypeGrammar, models.TestTypeComprehension, models.TestTypeWritten:
		return true
	default:
		return false
	}
}

func englishSubScore(english models.EnglishProficiency, phase string) *int {
	switch phase {
	case models.TestTypeGrammar:
		return english.GrammarScore
	case models.TestTypeComprehension:
		return english.ComprehensionScore
	default:
		return english.WrittenResponseScore
	}
}

func (s *englishService) Start(ctx context.Context, applicantID uint, phase string, client ClientInfo) (PhaseSession, error) {
	phase = strings.ToLower(strings.TrimSpace(phase))
	if !isEnglishPhase(phase) {
		return PhaseSession{}, fmt.Errorf("%w: unknown english phase %q", ErrInvalidSubmission, phase)
	}

	if _, err := loadEligibleApplicant(ctx, s.applicants, applicantID); err != nil {
		return PhaseSession{}, err
	}

	record, err := s.records.Get(ctx, applicantID)
	if err != nil {
		return PhaseSession{}, err
	}
	if err := requireStep(record, models.StepIdentity); err != nil {
		return PhaseSession{}, err
	}
	if englishSubScore(record.English, phase) != nil {
		return PhaseSession{}, ErrPhaseCompleted
	}

	resumed, err := s.store.Resume(ctx, applicantID, phase, "")
	switch {
	case err == nil:
		questions, err := s.bank.QuestionsByIDs(ctx, resumed.Content.Data().QuestionIDs)
		if err != nil {
			return PhaseSession{}, err
		}
		return PhaseSession{Session: resumed, Questions: questions, Resumed: true}, nil
	case errors.Is(err, ErrSessionExpired):
		record, err = s.records.Get(ctx, applicantID)
		if err != nil {
			return PhaseSession{}, err
		}
		if englishSubScore(record.English, phase) != nil {
			return PhaseSession{}, ErrPhaseCompleted
		}
	case !errors.Is(err, ErrSessionNotFound):
		return PhaseSession{}, err
	}

	required := s.cfg.EnglishQuestions[phase]
	if required <= 0 {
		required = 1
	}
	questions, err := s.bank.Questions(ctx, phase, "", "", required)
	if err != nil {
		return PhaseSession{}, err
	}
	if len(questions) < required {
		return PhaseSession{}, fmt.Errorf("%w: %s needs %d items, bank has %d", ErrInsufficientContent, phase, required, len(questions))
	}

	ids := make([]uint, 0, len(questions))
	for _, question := range questions {
		ids = append(ids, question.ID)
	}

	session, err := s.store.Open(ctx, OpenSessionRequest{
		ApplicantID: applicantID,
		TestType:    phase,
		Duration:    s.cfg.PhaseDurations[phase],
		Fingerprint: client.Fingerprint,
		IPAddress:   client.IPAddress,
		Content:     models.SessionContent{QuestionIDs: ids},
	})
	if err != nil {
		return PhaseSession{}, err
	}

	return PhaseSession{Session: session, Questions: questions}, nil
}

func (s *englishService) ValidateDraft(ctx context.Context, session models.TestSession, answers models.SessionAnswers) error {
	if session.TestType == models.TestTypeWritten {
		return nil
	}
	return s.Validate(ctx, session, answers)
}

func (s *englishService) Validate(ctx context.Context, session models.TestSession, answers models.SessionAnswers) error {
	content := session.Content.Data()
	switch session.TestType {
	case models.TestTypeGrammar, models.TestTypeComprehension:
		return validateChoices(ctx, s.bank, content.QuestionIDs, answers.Choices)
	case models.TestTypeWritten:
		if strings.TrimSpace(s.sanitizer.Sanitize(answers.Text)) == "" {
			return fmt.Errorf("%w: written response is empty", ErrInvalidSubmission)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s is not an english phase", ErrInvalidSubmission, session.TestType)
	}
}

func (s *englishService) Grade(ctx context.Context, session models.TestSession) (models.VettingRecord, error) {
	answers := session.Answers.Data()
	content := session.Content.Data()

	var score int
	var writtenText string

	switch session.TestType {
	case models.TestTypeGrammar, models.TestTypeComprehension:
		questions, err := s.bank.QuestionsByIDs(ctx, content.QuestionIDs)
		if err != nil {
			return models.VettingRecord{}, err
		}
		_, _, score = ScoreChoices(questions, answers.Choices)
	case models.TestTypeWritten:
		writtenText = strings.TrimSpace(s.sanitizer.Sanitize(answers.Text))
		if writtenText != "" {
			graded, err := s.gradeWritten(ctx, content, writtenText)
			if err != nil {
				return models.VettingRecord{}, err
			}
			score = graded
		}
	default:
		return models.VettingRecord{}, fmt.Errorf("%w: %s is not an english phase", ErrInvalidSubmission, session.TestType)
	}

	now := s.clock.Now().UTC()
	integrity := buildIntegrity(ctx, s.signals, session, now, s.logger)

	return s.records.Update(ctx, session.ApplicantID, func(record *models.VettingRecord) error {
		english := &record.English
		value := score
		switch session.TestType {
		case models.TestTypeGrammar:
			english.GrammarScore = &value
		case models.TestTypeComprehension:
			english.ComprehensionScore = &value
		case models.TestTypeWritten:
			english.WrittenResponseScore = &value
			english.WrittenResponse = writtenText
		}
		english.Integrity = upsertIntegrity(english.Integrity, integrity)

		if english.GrammarScore != nil && english.ComprehensionScore != nil && english.WrittenResponseScore != nil {
			overall := EnglishOverall(*english.GrammarScore, *english.ComprehensionScore, *english.WrittenResponseScore)
			english.OverallScore = &overall
			if english.CompletedAt == nil {
				english.CompletedAt = &now
			}
			record.CompleteStep(models.StepEnglish)
		}
		return nil
	})
}

func (s *englishService) gradeWritten(ctx context.Context, content models.SessionContent, text string) (int, error) {
	if s.written == nil {
		return 0, fmt.Errorf("%w: written grader not configured", ErrExternalGraderUnavailable)
	}

	prompt := ""
	if len(content.QuestionIDs) > 0 {
		questions, err := s.bank.QuestionsByIDs(ctx, content.QuestionIDs[:1])
		if err != nil {
			return 0, err
		}
		if len(questions) > 0 {
			prompt = questions[0].Prompt
		}
	}

	result, err := callExternal(ctx, s.retry, "written_grader", s.logger, nil, func(ctx context.Context) (ai.WrittenResult, error) {
		return s.written.GradeWritten(ctx, ai.WrittenInput{Prompt: prompt, Response: text})
	})
	if err != nil {
		return 0, err
	}
	return result.Score, nil
}

func upsertIntegrity(entries []models.IntegrityMetadata, metadata models.IntegrityMetadata) []models.IntegrityMetadata {
	for i := range entries {
		if entries[i].SessionID == metadata.SessionID {
			entries[i] = metadata
			return entries
		}
	}
	return append(entries, metadata)
}

// validateChoices rejects answers to questions that were not served and out of range options.
func validateChoices(ctx context.Context, bank repository.QuestionBankRepository, served []uint, choices map[uint]int) error {
	if len(choices) > len(served) {
		return fmt.Errorf("%w: %d answers for %d questions", ErrInvalidSubmission, len(choices), len(served))
	}
	if len(choices) == 0 {
		return nil
	}

	questions, err := bank.QuestionsByIDs(ctx, served)
	if err != nil {
		return err
	}
	byID := make(map[uint]models.Question, len(questions))
	for _, question := range questions {
		byID[question.ID] = question
	}

	for id, choice := range choices {
		question, ok := byID[id]
		if !ok {
			return fmt.Errorf("%w: question %d was not part of this session", ErrInvalidSubmission, id)
		}
		if choice < 0 || choice >= len(question.Options) {
			return fmt.Errorf("%w: option %d out of range for question %d", ErrInvalidSubmission, choice, id)
		}
	}
	return nil
}
