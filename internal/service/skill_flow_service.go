package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/vetting-api/internal/models"
)

// SkillFlowRequest selects what a new skill test covers.
type SkillFlowRequest struct {
	Category string
	Skills   []string
	Language string
}

// SkillFlowState is a flow together with its backing session and content.
type SkillFlowState struct {
	Flow       models.SkillTestSession
	Session    models.TestSession
	Questions  []models.Question
	Challenges []models.CodingChallenge
	Resumed    bool
}

// SkillFlowService drives the portfolio → coding → mcq skill test. The three
// sub-phases share one deadline fixed when the flow starts.
type SkillFlowService interface {
	PhaseGrader
	Start(ctx context.Context, applicantID uint, req SkillFlowRequest, client ClientInfo) (SkillFlowState, error)
	Get(ctx context.Context, applicantID uint) (SkillFlowState, error)
	SubmitPortfolio(ctx context.Context, applicantID uint, items []models.PortfolioItem) (SkillFlowState, error)
	SubmitChallenge(ctx context.Context, applicantID uint, challengeID uint, answer models.CodeAnswer) (SkillFlowState, error)
	SaveCodeDraft(ctx context.Context, applicantID uint, challengeID uint, answer models.CodeAnswer) (SkillFlowState, error)
	SaveMCQProgress(ctx context.Context, applicantID uint, choices map[uint]int) (SkillFlowState, error)
	SubmitMCQ(ctx context.Context, applicantID uint, choices map[uint]int) (SkillFlowState, error)
}

type skillFlowService struct {
	deps      SkillDependencies
	locker    Locker
	sanitizer *bluemonday.Policy
	clock     clockwork.Clock
	logger    zerolog.Logger
}

// NewSkillFlowService constructs the skill test flow controller.
func NewSkillFlowService(deps SkillDependencies) SkillFlowService {
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	locker := deps.Locker
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &skillFlowService{
		deps:      deps,
		locker:    locker,
		sanitizer: bluemonday.StrictPolicy(),
		clock:     clock,
		logger:    deps.Logger.With().Str("component", "skill_flow_service").Logger(),
	}
}

func firstFlowStatus(requiresPortfolio bool, challenges int) string {
	if requiresPortfolio {
		return models.SkillFlowPortfolioReview
	}
	return statusAfterPortfolio(challenges)
}

func statusAfterPortfolio(challenges int) string {
	if challenges > 0 {
		return models.SkillFlowCoding
	}
	return models.SkillFlowMCQ
}

func (s *skillFlowService) Start(ctx context.Context, applicantID uint, req SkillFlowRequest, client ClientInfo) (SkillFlowState, error) {
	applicant, err := loadEligibleApplicant(ctx, s.deps.Applicants, applicantID)
	if err != nil {
		return SkillFlowState{}, err
	}

	record, err := s.deps.Records.Get(ctx, applicantID)
	if err != nil {
		return SkillFlowState{}, err
	}
	if err := requireStep(record, models.StepEnglish); err != nil {
		return SkillFlowState{}, err
	}

	resumed, err := s.deps.Store.Resume(ctx, applicantID, models.TestTypeSkillFlow, "")
	switch {
	case err == nil:
		flow, err := s.deps.Flows.GetBySessionID(ctx, resumed.SessionID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return SkillFlowState{}, ErrSkillFlowNotFound
			}
			return SkillFlowState{}, err
		}
		return s.state(ctx, flow, resumed, true)
	case errors.Is(err, ErrSessionExpired), errors.Is(err, ErrSessionNotFound):
	default:
		return SkillFlowState{}, err
	}

	categoryName := strings.ToLower(strings.TrimSpace(req.Category))
	category, ok := s.deps.Config.Categories[categoryName]
	if !ok {
		return SkillFlowState{}, fmt.Errorf("%w: unknown category %q", ErrInvalidSubmission, req.Category)
	}

	skills, err := selectFlowSkills(applicant, categoryName, category.Skills, req.Skills)
	if err != nil {
		return SkillFlowState{}, err
	}

	previous, err := s.deps.Flows.ListByApplicant(ctx, applicantID)
	if err != nil {
		return SkillFlowState{}, err
	}
	for _, flow := range previous {
		if flow.Category == categoryName && flow.Status == models.SkillFlowCompleted {
			return SkillFlowState{}, ErrPhaseCompleted
		}
	}

	level := applicant.Level()
	challengeCount := 0
	if category.AssessmentType == models.AssessmentCoding {
		challengeCount = category.CodingChallenges
	}

	language := normalizeLanguage(req.Language)
	if challengeCount > 0 {
		if language == "" {
			return SkillFlowState{}, fmt.Errorf("%w: a programming language is required for %s", ErrInvalidSubmission, categoryName)
		}
		if s.deps.Runner != nil && !s.deps.Runner.Supports(language) {
			return SkillFlowState{}, fmt.Errorf("%w: %w: %s", ErrInvalidSubmission, ErrUnsupportedLanguage, language)
		}
	}

	challenges, err := loadChallenges(ctx, s.deps.Bank, categoryName, level, challengeCount)
	if err != nil {
		return SkillFlowState{}, err
	}
	questions, err := loadQuestions(ctx, s.deps.Bank, categoryName, level, category.MCQQuestions)
	if err != nil {
		return SkillFlowState{}, err
	}

	session, err := s.deps.Store.Open(ctx, OpenSessionRequest{
		ApplicantID: applicantID,
		TestType:    models.TestTypeSkillFlow,
		Category:    categoryName,
		Duration:    s.deps.Config.SkillFlowDuration,
		Fingerprint: client.Fingerprint,
		IPAddress:   client.IPAddress,
		Content: models.SessionContent{
			QuestionIDs:  questionIDs(questions),
			ChallengeIDs: challengeIDs(challenges),
		},
	})
	if err != nil {
		return SkillFlowState{}, err
	}

	liveKey := strconv.FormatUint(uint64(applicantID), 10)
	flow := models.SkillTestSession{
		ApplicantID:       applicantID,
		SessionID:         session.SessionID,
		LiveKey:           &liveKey,
		Category:          categoryName,
		Skills:            datatypes.JSONSlice[string](skills),
		SelectedLanguage:  language,
		Status:            firstFlowStatus(category.RequiresPortfolio, len(challenges)),
		RequiresPortfolio: category.RequiresPortfolio,
		CodingBlendWeight: category.CodingBlendWeight,
		ChallengeIDs:      datatypes.JSONSlice[uint](challengeIDs(challenges)),
		QuestionIDs:       datatypes.JSONSlice[uint](questionIDs(questions)),
		ExpiresAt:         session.ExpiresAt,
		PortfolioItems:    datatypes.JSONSlice[models.PortfolioItem]{},
		CodingSubmissions: datatypes.JSONSlice[models.CodeSubmission]{},
		MCQAnswers:        datatypes.NewJSONType(map[uint]int{}),
	}
	if err := s.deps.Flows.Create(ctx, &flow); err != nil {
		if _, _, closeErr := s.deps.Store.Close(ctx, session.SessionID, models.CloseReasonSubmitted); closeErr != nil {
			s.logger.Error().Err(closeErr).Str("session_id", session.SessionID).Msg("failed to close orphaned skill flow session")
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return SkillFlowState{}, ErrSessionAlreadyOpen
		}
		return SkillFlowState{}, err
	}

	s.logger.Info().
		Uint("applicant_id", applicantID).
		Str("session_id", flow.SessionID).
		Str("category", categoryName).
		Str("status", flow.Status).
		Msg("skill test started")

	return SkillFlowState{Flow: flow, Session: session, Questions: questions, Challenges: challenges}, nil
}

// selectFlowSkills keeps the requested skills that belong to the category and were
// declared by the applicant. An empty request selects every declared skill of the category.
func selectFlowSkills(applicant models.Applicant, categoryName string, categorySkills, requested []string) ([]string, error) {
	inCategory := make(map[string]struct{}, len(categorySkills))
	for _, skill := range categorySkills {
		inCategory[normalizeSkill(skill)] = struct{}{}
	}

	candidates := requested
	if len(candidates) == 0 {
		candidates = applicant.Skills
	}

	seen := map[string]struct{}{}
	selected := make([]string, 0, len(candidates))
	for _, raw := range candidates {
		skill := normalizeSkill(raw)
		if skill == "" {
			continue
		}
		if _, dup := seen[skill]; dup {
			continue
		}
		_, belongs := inCategory[skill]
		if !belongs {
			if len(requested) == 0 {
				continue
			}
			return nil, fmt.Errorf("%w: skill %q is not part of %s", ErrInvalidSubmission, raw, categoryName)
		}
		if !applicant.HasSkill(skill) {
			return nil, fmt.Errorf("%w: skill %q was not declared", ErrInvalidSubmission, raw)
		}
		seen[skill] = struct{}{}
		selected = append(selected, skill)
	}

	if len(selected) == 0 {
		return nil, fmt.Errorf("%w: no declared skills in %s", ErrInvalidSubmission, categoryName)
	}
	return selected, nil
}

func (s *skillFlowService) Get(ctx context.Context, applicantID uint) (SkillFlowState, error) {
	flow, err := s.deps.Flows.GetLatest(ctx, applicantID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SkillFlowState{}, ErrSkillFlowNotFound
	}
	if err != nil {
		return SkillFlowState{}, err
	}

	session, err := s.deps.Store.GetOwned(ctx, applicantID, flow.SessionID)
	if err != nil {
		return SkillFlowState{}, err
	}

	if session.IsOpen() && session.IsExpired(s.clock.Now()) {
		if _, _, err := s.deps.Store.Close(ctx, session.SessionID, models.CloseReasonExpired); err != nil {
			return SkillFlowState{}, err
		}
		if flow, err = s.deps.Flows.GetBySessionID(ctx, flow.SessionID); err != nil {
			return SkillFlowState{}, err
		}
		if session, err = s.deps.Store.Get(ctx, flow.SessionID); err != nil {
			return SkillFlowState{}, err
		}
	}

	return s.state(ctx, flow, session, false)
}

func (s *skillFlowService) SubmitPortfolio(ctx context.Context, applicantID uint, items []models.PortfolioItem) (SkillFlowState, error) {
	if err := validatePortfolio(items); err != nil {
		return SkillFlowState{}, err
	}

	flow, session, unlock, err := s.lockLive(ctx, applicantID, models.SkillFlowPortfolioReview)
	if err != nil {
		return SkillFlowState{}, err
	}
	defer unlock()

	answers := session.Answers.Data()
	answers.Portfolio = items
	if session, err = s.saveLocked(ctx, unlock, applicantID, session.SessionID, answers); err != nil {
		return SkillFlowState{}, err
	}

	applicant, err := s.deps.Applicants.GetByID(ctx, applicantID)
	if err != nil {
		return SkillFlowState{}, err
	}

	result, err := gradePortfolio(ctx, s.deps.Portfolio, s.deps.Retry, s.logger, s.sanitizer, items, strings.Join(flow.Skills, ", "), applicant.Level())
	if err != nil {
		return SkillFlowState{}, err
	}

	flow, err = s.deps.Flows.Mutate(ctx, flow.SessionID, func(current *models.SkillTestSession) error {
		if current.Status != models.SkillFlowPortfolioReview {
			return fmt.Errorf("%w: skill test is in %s", ErrInvalidSubmission, current.Status)
		}
		score := result.Score
		current.PortfolioItems = datatypes.JSONSlice[models.PortfolioItem](items)
		current.PortfolioScore = &score
		current.PortfolioBreakdown = datatypes.JSONMap(result.Breakdown)
		current.Status = statusAfterPortfolio(len(current.ChallengeIDs))
		return nil
	})
	if err != nil {
		return SkillFlowState{}, err
	}

	return s.state(ctx, flow, session, false)
}

func (s *skillFlowService) SubmitChallenge(ctx context.Context, applicantID uint, challengeID uint, answer models.CodeAnswer) (SkillFlowState, error) {
	flow, session, unlock, err := s.lockLive(ctx, applicantID, models.SkillFlowCoding)
	if err != nil {
		return SkillFlowState{}, err
	}
	defer unlock()

	index := flow.CurrentChallenge
	answer, err = s.currentAnswer(flow, challengeID, answer)
	if err != nil {
		return SkillFlowState{}, err
	}

	answers := session.Answers.Data()
	if answers.Code == nil {
		answers.Code = map[uint]models.CodeAnswer{}
	}
	answers.Code[challengeID] = answer
	if session, err = s.saveLocked(ctx, unlock, applicantID, session.SessionID, answers); err != nil {
		return SkillFlowState{}, err
	}

	challenges, err := s.deps.Bank.ChallengesByIDs(ctx, []uint{challengeID})
	if err != nil {
		return SkillFlowState{}, err
	}
	if len(challenges) == 0 {
		return SkillFlowState{}, fmt.Errorf("%w: challenge %d", ErrInsufficientContent, challengeID)
	}

	submission, err := runChallenge(ctx, s.deps.Runner, s.deps.Retry, s.logger, challenges[0], answer, s.clock.Now().UTC())
	if err != nil {
		return SkillFlowState{}, err
	}

	flow, err = s.deps.Flows.Mutate(ctx, flow.SessionID, func(current *models.SkillTestSession) error {
		if current.Status != models.SkillFlowCoding || current.CurrentChallenge != index {
			return fmt.Errorf("%w: challenge %d was already submitted", ErrInvalidSubmission, challengeID)
		}
		current.CodingSubmissions = append(current.CodingSubmissions, submission)
		current.CurrentChallenge++
		if current.CurrentChallenge >= len(current.ChallengeIDs) {
			current.Status = models.SkillFlowMCQ
		}
		return nil
	})
	if err != nil {
		return SkillFlowState{}, err
	}

	return s.state(ctx, flow, session, false)
}

// SaveCodeDraft keeps unsubmitted code for the current challenge. An expiry runs
// the draft as the submission.
func (s *skillFlowService) SaveCodeDraft(ctx context.Context, applicantID uint, challengeID uint, answer models.CodeAnswer) (SkillFlowState, error) {
	flow, session, unlock, err := s.lockLive(ctx, applicantID, models.SkillFlowCoding)
	if err != nil {
		return SkillFlowState{}, err
	}
	defer unlock()

	answer, err = s.currentAnswer(flow, challengeID, answer)
	if err != nil {
		return SkillFlowState{}, err
	}

	answers := session.Answers.Data()
	if answers.Code == nil {
		answers.Code = map[uint]models.CodeAnswer{}
	}
	answers.Code[challengeID] = answer
	if session, err = s.saveLocked(ctx, unlock, applicantID, session.SessionID, answers); err != nil {
		return SkillFlowState{}, err
	}

	return s.state(ctx, flow, session, false)
}

// currentAnswer checks that challengeID is the challenge being worked on and
// resolves the answer's language against the flow's selection.
func (s *skillFlowService) currentAnswer(flow models.SkillTestSession, challengeID uint, answer models.CodeAnswer) (models.CodeAnswer, error) {
	index := flow.CurrentChallenge
	if index >= len(flow.ChallengeIDs) || flow.ChallengeIDs[index] != challengeID {
		return models.CodeAnswer{}, fmt.Errorf("%w: challenge %d is not the current challenge", ErrInvalidSubmission, challengeID)
	}
	if strings.TrimSpace(answer.Language) == "" {
		answer.Language = flow.SelectedLanguage
	}
	answer.Language = normalizeLanguage(answer.Language)
	if s.deps.Runner != nil && !s.deps.Runner.Supports(answer.Language) {
		return models.CodeAnswer{}, fmt.Errorf("%w: %w: %s", ErrInvalidSubmission, ErrUnsupportedLanguage, answer.Language)
	}
	return answer, nil
}

func (s *skillFlowService) SaveMCQProgress(ctx context.Context, applicantID uint, choices map[uint]int) (SkillFlowState, error) {
	flow, session, unlock, err := s.lockLive(ctx, applicantID, models.SkillFlowMCQ)
	if err != nil {
		return SkillFlowState{}, err
	}
	defer unlock()

	if err := validateChoices(ctx, s.deps.Bank, flow.QuestionIDs, choices); err != nil {
		return SkillFlowState{}, err
	}

	answers := session.Answers.Data()
	answers.Choices = choices
	if session, err = s.saveLocked(ctx, unlock, applicantID, session.SessionID, answers); err != nil {
		return SkillFlowState{}, err
	}

	return s.state(ctx, flow, session, false)
}

// SubmitMCQ saves the final choices and closes the flow. Grading then runs the same
// path an expiry would.
func (s *skillFlowService) SubmitMCQ(ctx context.Context, applicantID uint, choices map[uint]int) (SkillFlowState, error) {
	closed, err := s.closeWithChoices(ctx, applicantID, choices)
	if err != nil {
		return SkillFlowState{}, err
	}

	if _, err := s.deps.Grading.Finalize(ctx, closed); err != nil {
		return SkillFlowState{}, err
	}

	flow, err := s.deps.Flows.GetBySessionID(ctx, closed.SessionID)
	if err != nil {
		return SkillFlowState{}, err
	}
	session, err := s.deps.Store.Get(ctx, closed.SessionID)
	if err != nil {
		return SkillFlowState{}, err
	}
	return s.state(ctx, flow, session, false)
}

func (s *skillFlowService) closeWithChoices(ctx context.Context, applicantID uint, choices map[uint]int) (models.TestSession, error) {
	flow, session, unlock, err := s.lockLive(ctx, applicantID, models.SkillFlowMCQ)
	if err != nil {
		return models.TestSession{}, err
	}
	defer unlock()

	if err := validateChoices(ctx, s.deps.Bank, flow.QuestionIDs, choices); err != nil {
		return models.TestSession{}, err
	}

	answers := session.Answers.Data()
	answers.Choices = choices
	if _, err := s.saveLocked(ctx, unlock, applicantID, session.SessionID, answers); err != nil {
		return models.TestSession{}, err
	}

	closed, won, err := s.deps.Store.Close(ctx, session.SessionID, models.CloseReasonSubmitted)
	if err != nil {
		return models.TestSession{}, err
	}
	if !won {
		return models.TestSession{}, closedSessionError(closed)
	}
	return closed, nil
}

// saveLocked writes answers while the session lock is held. Past the deadline it
// releases the lock before closing, since expiry grading takes the same lock.
func (s *skillFlowService) saveLocked(ctx context.Context, unlock func(), applicantID uint, sessionID string, answers models.SessionAnswers) (models.TestSession, error) {
	session, err := s.deps.Store.WriteAnswers(ctx, applicantID, sessionID, answers)
	if errors.Is(err, ErrSessionExpired) {
		unlock()
		if _, _, closeErr := s.deps.Store.Close(ctx, sessionID, models.CloseReasonExpired); closeErr != nil {
			return models.TestSession{}, closeErr
		}
	}
	return session, err
}

// lockLive takes the session lock for the applicant's live flow and checks that the
// flow is open and in the wanted sub-phase.
func (s *skillFlowService) lockLive(ctx context.Context, applicantID uint, status string) (models.SkillTestSession, models.TestSession, func(), error) {
	flow, err := s.deps.Flows.GetLive(ctx, applicantID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.SkillTestSession{}, models.TestSession{}, nil, ErrSkillFlowNotFound
	}
	if err != nil {
		return models.SkillTestSession{}, models.TestSession{}, nil, err
	}

	unlock, err := s.locker.Lock(ctx, sessionLockKey(flow.SessionID))
	if err != nil {
		return models.SkillTestSession{}, models.TestSession{}, nil, err
	}

	fail := func(err error) (models.SkillTestSession, models.TestSession, func(), error) {
		unlock()
		return models.SkillTestSession{}, models.TestSession{}, nil, err
	}

	session, err := s.deps.Store.GetOwned(ctx, applicantID, flow.SessionID)
	if err != nil {
		return fail(err)
	}
	if !session.IsOpen() {
		return fail(closedSessionError(session))
	}
	if session.IsExpired(s.clock.Now()) {
		// Expiry grading needs the session lock, so release it before closing.
		unlock()
		if _, _, err := s.deps.Store.Close(ctx, session.SessionID, models.CloseReasonExpired); err != nil {
			return models.SkillTestSession{}, models.TestSession{}, nil, err
		}
		return models.SkillTestSession{}, models.TestSession{}, nil, ErrSessionExpired
	}

	if flow, err = s.deps.Flows.GetBySessionID(ctx, flow.SessionID); err != nil {
		return fail(err)
	}
	if flow.Status != status {
		return fail(fmt.Errorf("%w: skill test is in %s", ErrInvalidSubmission, flow.Status))
	}
	return flow, session, unlock, nil
}

func (s *skillFlowService) state(ctx context.Context, flow models.SkillTestSession, session models.TestSession, resumed bool) (SkillFlowState, error) {
	state := SkillFlowState{Flow: flow, Session: session, Resumed: resumed}
	if flow.Status == models.SkillFlowMCQ && len(flow.QuestionIDs) > 0 {
		questions, err := s.deps.Bank.QuestionsByIDs(ctx, flow.QuestionIDs)
		if err != nil {
			return SkillFlowState{}, err
		}
		state.Questions = questions
	}
	if len(flow.ChallengeIDs) > 0 {
		challenges, err := s.deps.Bank.ChallengesByIDs(ctx, flow.ChallengeIDs)
		if err != nil {
			return SkillFlowState{}, err
		}
		state.Challenges = challenges
	}
	return state, nil
}

// ValidateDraft and Validate reject the generic session endpoints; the flow saves
// and advances through its own sub-phase calls.
func (s *skillFlowService) ValidateDraft(context.Context, models.TestSession, models.SessionAnswers) error {
	return fmt.Errorf("%w: skill test progress is saved one sub-phase at a time", ErrInvalidSubmission)
}

func (s *skillFlowService) Validate(context.Context, models.TestSession, models.SessionAnswers) error {
	return fmt.Errorf("%w: skill tests are submitted one sub-phase at a time", ErrInvalidSubmission)
}

// Grade completes a closed flow. Work left in earlier sub-phases is submitted as
// saved, unanswered questions count as incorrect, and every selected skill receives
// the composite score.
func (s *skillFlowService) Grade(ctx context.Context, session models.TestSession) (models.VettingRecord, error) {
	flow, err := s.deps.Flows.GetBySessionID(ctx, session.SessionID)
	if err != nil {
		return models.VettingRecord{}, fmt.Errorf("load skill test: %w", err)
	}
	applicant, err := s.deps.Applicants.GetByID(ctx, session.ApplicantID)
	if err != nil {
		return models.VettingRecord{}, fmt.Errorf("load applicant: %w", err)
	}

	answers := session.Answers.Data()
	now := s.clock.Now().UTC()

	if flow.Status != models.SkillFlowCompleted {
		var portfolio *int
		var breakdown map[string]interface{}
		if flow.RequiresPortfolio && flow.PortfolioScore == nil {
			result, err := gradePortfolio(ctx, s.deps.Portfolio, s.deps.Retry, s.logger, s.sanitizer, answers.Portfolio, strings.Join(flow.Skills, ", "), applicant.Level())
			if err != nil {
				return models.VettingRecord{}, err
			}
			score := result.Score
			portfolio = &score
			breakdown = result.Breakdown
		}

		pending := map[int]models.CodeSubmission{}
		if flow.CurrentChallenge < len(flow.ChallengeIDs) {
			challenges, err := s.deps.Bank.ChallengesByIDs(ctx, flow.ChallengeIDs[flow.CurrentChallenge:])
			if err != nil {
				return models.VettingRecord{}, err
			}
			byID := make(map[uint]models.CodingChallenge, len(challenges))
			for _, challenge := range challenges {
				byID[challenge.ID] = challenge
			}
			for i := flow.CurrentChallenge; i < len(flow.ChallengeIDs); i++ {
				id := flow.ChallengeIDs[i]
				answer := answers.Code[id]
				if strings.TrimSpace(answer.Language) == "" {
					answer.Language = flow.SelectedLanguage
				}
				submission, err := runChallenge(ctx, s.deps.Runner, s.deps.Retry, s.logger, byID[id], answer, now)
				if err != nil {
					return models.VettingRecord{}, err
				}
				submission.ChallengeID = id
				pending[i] = submission
			}
		}

		questions, err := s.deps.Bank.QuestionsByIDs(ctx, flow.QuestionIDs)
		if err != nil {
			return models.VettingRecord{}, err
		}
		_, _, mcqScore := ScoreChoices(questions, answers.Choices)

		flow, err = s.deps.Flows.Mutate(ctx, flow.SessionID, func(current *models.SkillTestSession) error {
			if current.Status == models.SkillFlowCompleted {
				return nil
			}
			if current.RequiresPortfolio && current.PortfolioScore == nil {
				current.PortfolioScore = portfolio
				current.PortfolioBreakdown = datatypes.JSONMap(breakdown)
				current.PortfolioItems = datatypes.JSONSlice[models.PortfolioItem](answers.Portfolio)
			}
			for i := current.CurrentChallenge; i < len(current.ChallengeIDs); i++ {
				if submission, ok := pending[i]; ok {
					current.CodingSubmissions = append(current.CodingSubmissions, submission)
				}
			}
			current.CurrentChallenge = len(current.ChallengeIDs)

			choices := answers.Choices
			if choices == nil {
				choices = map[uint]int{}
			}
			current.MCQAnswers = datatypes.NewJSONType(choices)
			current.MCQScore = &mcqScore

			composite := flowComposite(*current)
			current.CompositeScore = &composite
			current.Status = models.SkillFlowCompleted
			current.CompletedAt = &now
			current.LiveKey = nil
			return nil
		})
		if err != nil {
			return models.VettingRecord{}, err
		}
	}

	if flow.CompositeScore == nil {
		return models.VettingRecord{}, fmt.Errorf("skill test %s completed without a score", flow.SessionID)
	}

	assessmentType := models.AssessmentMCQ
	if category, ok := s.deps.Config.Categories[flow.Category]; ok {
		assessmentType = category.AssessmentType
	}
	integrity := buildIntegrity(ctx, s.deps.Signals, session, now, s.logger)
	completedAt := now
	if flow.CompletedAt != nil {
		completedAt = *flow.CompletedAt
	}

	s.logger.Info().
		Uint("applicant_id", flow.ApplicantID).
		Str("session_id", flow.SessionID).
		Int("composite_score", *flow.CompositeScore).
		Msg("skill test completed")

	return s.deps.Records.Update(ctx, session.ApplicantID, func(record *models.VettingRecord) error {
		for _, skill := range flow.Skills {
			score := *flow.CompositeScore
			at := completedAt
			record.UpsertAssessment(models.SkillAssessment{
				Skill:           skill,
				Category:        flow.Category,
				AssessmentType:  assessmentType,
				Score:           &score,
				CompletedAt:     &at,
				Integrity:       integrity,
				CodeSubmissions: flow.CodingSubmissions,
				Detail: map[string]interface{}{
					"skill_test_id":   flow.SessionID,
					"portfolio_score": flow.PortfolioScore,
					"mcq_score":       flow.MCQScore,
					"coding_score":    CodingScore(flow.CodingSubmissions),
				},
			})
		}
		completeSkillsStepIfDone(record, applicant)
		return nil
	})
}

func flowComposite(flow models.SkillTestSession) int {
	mcq := 0
	if flow.MCQScore != nil {
		mcq = *flow.MCQScore
	}
	bucket := SkillBucket(mcq, CodingPassRate(flow.CodingSubmissions), len(flow.ChallengeIDs) > 0, flow.CodingBlendWeight)

	portfolio := 0
	if flow.PortfolioScore != nil {
		portfolio = *flow.PortfolioScore
	}
	return CompositeSkillScore(portfolio, flow.RequiresPortfolio, bucket)
}
