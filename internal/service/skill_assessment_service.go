package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/noah-isme/vetting-api/internal/config"
	"github.com/noah-isme/vetting-api/internal/models"
	"github.com/noah-isme/vetting-api/internal/repository"
	"github.com/noah-isme/vetting-api/pkg/ai"
)

// SkillAssessmentService starts and grades one-mode assessments for a declared skill.
type SkillAssessmentService interface {
	PhaseGrader
	Start(ctx context.Context, applicantID uint, skill string, client ClientInfo) (PhaseSession, error)
}

// SkillDependencies groups the collaborators shared by the skill services.
type SkillDependencies struct {
	Applicants repository.ApplicantRepository
	Bank       repository.QuestionBankRepository
	Signals    repository.ActivitySignalRepository
	Flows      repository.SkillTestSessionRepository
	Store      SessionStore
	Grading    GradingService
	Records    *RecordStore
	Locker     Locker
	Runner     CodeRunner
	Portfolio  ai.PortfolioGrader
	Config     config.VettingConfig
	Retry      RetryPolicy
	Clock      clockwork.Clock
	Logger     zerolog.Logger
}

type skillAssessmentService struct {
	deps      SkillDependencies
	sanitizer *bluemonday.Policy
	clock     clockwork.Clock
	logger    zerolog.Logger
}

// NewSkillAssessmentService constructs the standalone skill assessment service.
func NewSkillAssessmentService(deps SkillDependencies) SkillAssessmentService {
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &skillAssessmentService{
		deps:      deps,
		sanitizer: bluemonday.StrictPolicy(),
		clock:     clock,
		logger:    deps.Logger.With().Str("component", "skill_assessment_service").Logger(),
	}
}

func skillTestType(assessmentType string) string {
	switch assessmentType {
	case models.AssessmentCoding:
		return models.TestTypeSkillCoding
	case models.AssessmentPortfolio:
		return models.TestTypeSkillPortfolio
	default:
		return models.TestTypeSkillMCQ
	}
}

func assessmentTypeFor(testType string) string {
	switch testType {
	case models.TestTypeSkillCoding:
		return models.AssessmentCoding
	case models.TestTypeSkillPortfolio:
		return models.AssessmentPortfolio
	default:
		return models.AssessmentMCQ
	}
}

func (s *skillAssessmentService) duration(testType, level string) time.Duration {
	switch testType {
	case models.TestTypeSkillCoding:
		return s.deps.Config.CodingDurations[level]
	case models.TestTypeSkillPortfolio:
		return s.deps.Config.PhaseDurations[models.TestTypeSkillPortfolio]
	default:
		return s.deps.Config.MCQDurations[level]
	}
}

func normalizeSkill(skill string) string {
	return strings.ToLower(strings.TrimSpace(skill))
}

func (s *skillAssessmentService) Start(ctx context.Context, applicantID uint, skill string, client ClientInfo) (PhaseSession, error) {
	skill = normalizeSkill(skill)

	applicant, err := loadEligibleApplicant(ctx, s.deps.Applicants, applicantID)
	if err != nil {
		return PhaseSession{}, err
	}
	if !applicant.HasSkill(skill) {
		return PhaseSession{}, fmt.Errorf("%w: skill %q was not declared", ErrInvalidSubmission, skill)
	}

	record, err := s.deps.Records.Get(ctx, applicantID)
	if err != nil {
		return PhaseSession{}, err
	}
	if err := requireStep(record, models.StepEnglish); err != nil {
		return PhaseSession{}, err
	}
	if assessment, ok := record.Assessment(skill); ok && assessment.Score != nil {
		return PhaseSession{}, ErrPhaseCompleted
	}

	categoryName, category, ok := s.deps.Config.CategoryForSkill(skill)
	if !ok {
		return PhaseSession{}, fmt.Errorf("%w: no assessment configured for skill %q", ErrInvalidSubmission, skill)
	}
	testType := skillTestType(category.AssessmentType)

	resumed, err := s.deps.Store.Resume(ctx, applicantID, testType, skill)
	switch {
	case err == nil:
		return s.withContent(ctx, resumed, true)
	case errors.Is(err, ErrSessionExpired):
		record, err = s.deps.Records.Get(ctx, applicantID)
		if err != nil {
			return PhaseSession{}, err
		}
		if assessment, ok := record.Assessment(skill); ok && assessment.Score != nil {
			return PhaseSession{}, ErrPhaseCompleted
		}
	case !errors.Is(err, ErrSessionNotFound):
		return PhaseSession{}, err
	}

	level := applicant.Level()
	content := models.SessionContent{}
	var questions []models.Question
	var challenges []models.CodingChallenge

	switch testType {
	case models.TestTypeSkillMCQ:
		questions, err = loadQuestions(ctx, s.deps.Bank, categoryName, level, category.MCQQuestions)
		if err != nil {
			return PhaseSession{}, err
		}
		content.QuestionIDs = questionIDs(questions)
	case models.TestTypeSkillCoding:
		required := category.CodingChallenges
		if required <= 0 {
			required = 1
		}
		challenges, err = loadChallenges(ctx, s.deps.Bank, categoryName, level, required)
		if err != nil {
			return PhaseSession{}, err
		}
		content.ChallengeIDs = challengeIDs(challenges)
	}

	session, err := s.deps.Store.Open(ctx, OpenSessionRequest{
		ApplicantID: applicantID,
		TestType:    testType,
		Skill:       skill,
		Category:    categoryName,
		Duration:    s.duration(testType, level),
		Fingerprint: client.Fingerprint,
		IPAddress:   client.IPAddress,
		Content:     content,
	})
	if err != nil {
		return PhaseSession{}, err
	}

	return PhaseSession{Session: session, Questions: questions, Challenges: challenges}, nil
}

func (s *skillAssessmentService) withContent(ctx context.Context, session models.TestSession, resumed bool) (PhaseSession, error) {
	content := session.Content.Data()
	result := PhaseSession{Session: session, Resumed: resumed}

	if len(content.QuestionIDs) > 0 {
		questions, err := s.deps.Bank.QuestionsByIDs(ctx, content.QuestionIDs)
		if err != nil {
			return PhaseSession{}, err
		}
		result.Questions = questions
	}
	if len(content.ChallengeIDs) > 0 {
		challenges, err := s.deps.Bank.ChallengesByIDs(ctx, content.ChallengeIDs)
		if err != nil {
			return PhaseSession{}, err
		}
		result.Challenges = challenges
	}
	return result, nil
}

func (s *skillAssessmentService) ValidateDraft(ctx context.Context, session models.TestSession, answers models.SessionAnswers) error {
	if session.TestType == models.TestTypeSkillPortfolio && len(answers.Portfolio) == 0 {
		return nil
	}
	return s.Validate(ctx, session, answers)
}

func (s *skillAssessmentService) Validate(ctx context.Context, session models.TestSession, answers models.SessionAnswers) error {
	content := session.Content.Data()
	switch session.TestType {
	case models.TestTypeSkillMCQ:
		return validateChoices(ctx, s.deps.Bank, content.QuestionIDs, answers.Choices)
	case models.TestTypeSkillCoding:
		return validateCode(content.ChallengeIDs, answers.Code, s.deps.Runner)
	case models.TestTypeSkillPortfolio:
		return validatePortfolio(answers.Portfolio)
	default:
		return fmt.Errorf("%w: %s is not a skill assessment", ErrInvalidSubmission, session.TestType)
	}
}

func (s *skillAssessmentService) Grade(ctx context.Context, session models.TestSession) (models.VettingRecord, error) {
	answers := session.Answers.Data()
	content := session.Content.Data()
	now := s.clock.Now().UTC()

	applicant, err := s.deps.Applicants.GetByID(ctx, session.ApplicantID)
	if err != nil {
		return models.VettingRecord{}, fmt.Errorf("load applicant: %w", err)
	}

	assessment := models.SkillAssessment{
		Skill:          session.Skill,
		Category:       session.Category,
		AssessmentType: assessmentTypeFor(session.TestType),
		CompletedAt:    &now,
		Integrity:      buildIntegrity(ctx, s.deps.Signals, session, now, s.logger),
	}

	var score int
	switch session.TestType {
	case models.TestTypeSkillMCQ:
		questions, err := s.deps.Bank.QuestionsByIDs(ctx, content.QuestionIDs)
		if err != nil {
			return models.VettingRecord{}, err
		}
		correct, total, mcqScore := ScoreChoices(questions, answers.Choices)
		score = mcqScore
		assessment.Detail = map[string]interface{}{"correct": correct, "total": total}
	case models.TestTypeSkillCoding:
		challenges, err := s.deps.Bank.ChallengesByIDs(ctx, content.ChallengeIDs)
		if err != nil {
			return models.VettingRecord{}, err
		}
		submissions := make([]models.CodeSubmission, 0, len(challenges))
		for _, challenge := range challenges {
			submission, err := runChallenge(ctx, s.deps.Runner, s.deps.Retry, s.logger, challenge, answers.Code[challenge.ID], now)
			if err != nil {
				return models.VettingRecord{}, err
			}
			submissions = append(submissions, submission)
		}
		score = CodingScore(submissions)
		assessment.CodeSubmissions = submissions
	case models.TestTypeSkillPortfolio:
		result, err := gradePortfolio(ctx, s.deps.Portfolio, s.deps.Retry, s.logger, s.sanitizer, answers.Portfolio, session.Skill, applicant.Level())
		if err != nil {
			return models.VettingRecord{}, err
		}
		score = result.Score
		assessment.Detail = map[string]interface{}{"breakdown": result.Breakdown, "feedback": result.Feedback}
	default:
		return models.VettingRecord{}, fmt.Errorf("%w: %s is not a skill assessment", ErrInvalidSubmission, session.TestType)
	}
	assessment.Score = &score

	return s.deps.Records.Update(ctx, session.ApplicantID, func(record *models.VettingRecord) error {
		record.UpsertAssessment(assessment)
		completeSkillsStepIfDone(record, applicant)
		return nil
	})
}

// completeSkillsStepIfDone completes the skills step once every declared skill is scored.
func completeSkillsStepIfDone(record *models.VettingRecord, applicant models.Applicant) {
	if len(applicant.Skills) == 0 {
		return
	}
	for _, declared := range applicant.Skills {
		assessment, ok := record.Assessment(normalizeSkill(declared))
		if !ok || assessment.Score == nil {
			return
		}
	}
	record.CompleteStep(models.StepSkills)
}

func loadQuestions(ctx context.Context, bank repository.QuestionBankRepository, category, level string, required int) ([]models.Question, error) {
	if required <= 0 {
		return nil, nil
	}
	questions, err := bank.Questions(ctx, models.QuestionKindSkillMCQ, category, level, required)
	if err != nil {
		return nil, err
	}
	if len(questions) < required {
		return nil, fmt.Errorf("%w: %s/%s needs %d questions, bank has %d", ErrInsufficientContent, category, level, required, len(questions))
	}
	return questions, nil
}

func loadChallenges(ctx context.Context, bank repository.QuestionBankRepository, category, level string, required int) ([]models.CodingChallenge, error) {
	if required <= 0 {
		return nil, nil
	}
	challenges, err := bank.Challenges(ctx, category, level, required)
	if err != nil {
		return nil, err
	}
	if len(challenges) < required {
		return nil, fmt.Errorf("%w: %s/%s needs %d challenges, bank has %d", ErrInsufficientContent, category, level, required, len(challenges))
	}
	return challenges, nil
}

func questionIDs(questions []models.Question) []uint {
	ids := make([]uint, 0, len(questions))
	for _, question := range questions {
		ids = append(ids, question.ID)
	}
	return ids
}

func challengeIDs(challenges []models.CodingChallenge) []uint {
	ids := make([]uint, 0, len(challenges))
	for _, challenge := range challenges {
		ids = append(ids, challenge.ID)
	}
	return ids
}

func validateCode(served []uint, code map[uint]models.CodeAnswer, runner CodeRunner) error {
	allowed := make(map[uint]struct{}, len(served))
	for _, id := range served {
		allowed[id] = struct{}{}
	}
	for id, answer := range code {
		if _, ok := allowed[id]; !ok {
			return fmt.Errorf("%w: challenge %d was not part of this session", ErrInvalidSubmission, id)
		}
		if strings.TrimSpace(answer.Code) != "" && runner != nil && !runner.Supports(answer.Language) {
			return fmt.Errorf("%w: %w: %s", ErrInvalidSubmission, ErrUnsupportedLanguage, answer.Language)
		}
	}
	return nil
}

func validatePortfolio(items []models.PortfolioItem) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: at least one portfolio item is required", ErrInvalidSubmission)
	}
	for i, item := range items {
		if strings.TrimSpace(item.Title) == "" || strings.TrimSpace(item.URL) == "" {
			return fmt.Errorf("%w: portfolio item %d needs a title and url", ErrInvalidSubmission, i+1)
		}
	}
	return nil
}

// gradePortfolio sanitises the items and asks the portfolio grader for a score.
// An empty portfolio scores zero without calling the grader.
func gradePortfolio(ctx context.Context, grader ai.PortfolioGrader, policy RetryPolicy, logger zerolog.Logger, sanitizer *bluemonday.Policy, items []models.PortfolioItem, skill, level string) (ai.PortfolioResult, error) {
	if len(items) == 0 {
		return ai.PortfolioResult{Score: 0, Feedback: "no portfolio items submitted"}, nil
	}
	if grader == nil {
		return ai.PortfolioResult{}, fmt.Errorf("%w: portfolio grader not configured", ErrExternalGraderUnavailable)
	}

	input := ai.PortfolioInput{SkillName: skill, ExperienceLevel: level}
	for _, item := range items {
		input.Items = append(input.Items, ai.PortfolioItem{
			Title:       strings.TrimSpace(sanitizer.Sanitize(item.Title)),
			Description: strings.TrimSpace(sanitizer.Sanitize(item.Description)),
			URL:         strings.TrimSpace(item.URL),
		})
	}

	return callExternal(ctx, policy, "portfolio_grader", logger, nil, func(ctx context.Context) (ai.PortfolioResult, error) {
		return grader.GradePortfolio(ctx, input)
	})
}
