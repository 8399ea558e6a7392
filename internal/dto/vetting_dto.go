package dto

import (
	"time"

	"github.com/noah-isme/vetting-api/internal/models"
)

// SessionStartRequest carries the client details recorded when a session opens.
type SessionStartRequest struct {
	Fingerprint string `json:"fingerprint" validate:"omitempty,max=255"`
}

// CodeAnswerRequest is the latest code for one challenge.
type CodeAnswerRequest struct {
	Language string `json:"language" validate:"omitempty,max=32"`
	Code     string `json:"code" validate:"max=65536"`
}

// PortfolioItemRequest is one portfolio entry.
type PortfolioItemRequest struct {
	Title       string `json:"title" validate:"required,max=200"`
	Description string `json:"description" validate:"max=5000"`
	URL         string `json:"url" validate:"required,url,max=2048"`
}

// AnswersRequest holds partial or final answers for a session.
type AnswersRequest struct {
	Choices   map[uint]int               `json:"choices" validate:"omitempty,dive,gte=0"`
	Text      string                     `json:"text" validate:"max=20000"`
	Code      map[uint]CodeAnswerRequest `json:"code" validate:"omitempty,dive"`
	Portfolio []PortfolioItemRequest     `json:"portfolio" validate:"omitempty,max=10,dive"`
}

// ToModel converts the request into stored answers.
func (r AnswersRequest) ToModel() models.SessionAnswers {
	answers := models.SessionAnswers{Choices: r.Choices, Text: r.Text}
	if len(r.Code) > 0 {
		answers.Code = make(map[uint]models.CodeAnswer, len(r.Code))
		for id, code := range r.Code {
			answers.Code[id] = models.CodeAnswer{Language: code.Language, Code: code.Code}
		}
	}
	answers.Portfolio = PortfolioItems(r.Portfolio)
	return answers
}

// PortfolioItems converts request items to models.
func PortfolioItems(items []PortfolioItemRequest) []models.PortfolioItem {
	if len(items) == 0 {
		return nil
	}
	result := make([]models.PortfolioItem, 0, len(items))
	for _, item := range items {
		result = append(result, models.PortfolioItem{Title: item.Title, Description: item.Description, URL: item.URL})
	}
	return result
}

// SkillFlowStartRequest starts the skill test path.
type SkillFlowStartRequest struct {
	Category    string   `json:"category" validate:"required,max=64"`
	Skills      []string `json:"skills" validate:"omitempty,max=20,dive,required,max=64"`
	Language    string   `json:"language" validate:"omitempty,max=32"`
	Fingerprint string   `json:"fingerprint" validate:"omitempty,max=255"`
}

// PortfolioSubmitRequest submits the portfolio sub-phase.
type PortfolioSubmitRequest struct {
	Items []PortfolioItemRequest `json:"items" validate:"required,min=1,max=10,dive"`
}

// ChallengeSubmitRequest submits the current coding challenge.
type ChallengeSubmitRequest struct {
	Language string `json:"language" validate:"omitempty,max=32"`
	Code     string `json:"code" validate:"required,max=65536"`
}

// MCQRequest saves or submits the multiple-choice answers.
type MCQRequest struct {
	Choices map[uint]int `json:"choices" validate:"required,dive,gte=0"`
}

// SignalRequest reports one integrity signal.
type SignalRequest struct {
	Type string `json:"type" validate:"required,max=64"`
}

// ReviewRequest settles a flagged record.
type ReviewRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approved rejected"`
	Note     string `json:"note" validate:"max=2000"`
}

// FlagRequest raises a reviewer flag.
type FlagRequest struct {
	Type        string `json:"type" validate:"required,max=64"`
	Severity    string `json:"severity" validate:"required,oneof=low medium high critical"`
	Description string `json:"description" validate:"max=2000"`
}

// QuestionResponse is a question as served to the applicant.
type QuestionResponse struct {
	ID      uint     `json:"id"`
	Kind    string   `json:"kind"`
	Passage string   `json:"passage,omitempty"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options"`
}

// ExampleCaseResponse is a visible test case.
type ExampleCaseResponse struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
}

// ChallengeResponse is a coding challenge without its hidden cases.
type ChallengeResponse struct {
	ID          uint                  `json:"id"`
	Title       string                `json:"title"`
	Prompt      string                `json:"prompt"`
	StarterCode string                `json:"starter_code"`
	Examples    []ExampleCaseResponse `json:"examples"`
	TotalCases  int                   `json:"total_cases"`
}

// NewQuestionResponses maps questions without their answers.
func NewQuestionResponses(questions []models.Question) []QuestionResponse {
	result := make([]QuestionResponse, 0, len(questions))
	for _, question := range questions {
		options := []string(question.Options)
		if options == nil {
			options = []string{}
		}
		result = append(result, QuestionResponse{
			ID:      question.ID,
			Kind:    question.Kind,
			Passage: question.Passage,
			Prompt:  question.Prompt,
			Options: options,
		})
	}
	return result
}

// NewChallengeResponses maps challenges keeping only visible cases.
func NewChallengeResponses(challenges []models.CodingChallenge) []ChallengeResponse {
	result := make([]ChallengeResponse, 0, len(challenges))
	for _, challenge := range challenges {
		visible := challenge.VisibleCases()
		examples := make([]ExampleCaseResponse, 0, len(visible))
		for _, tc := range visible {
			examples = append(examples, ExampleCaseResponse{Input: tc.Input, ExpectedOutput: tc.ExpectedOutput})
		}
		result = append(result, ChallengeResponse{
			ID:          challenge.ID,
			Title:       challenge.Title,
			Prompt:      challenge.Prompt,
			StarterCode: challenge.StarterCode,
			Examples:    examples,
			TotalCases:  len(challenge.TestCases),
		})
	}
	return result
}

// SessionResponse describes a test session and the content it serves.
type SessionResponse struct {
	SessionID        string                `json:"session_id"`
	TestType         string                `json:"test_type"`
	Skill            string                `json:"skill,omitempty"`
	Category         string                `json:"category,omitempty"`
	StartedAt        time.Time             `json:"started_at"`
	ExpiresAt        time.Time             `json:"expires_at"`
	RemainingSeconds int64                 `json:"remaining_seconds"`
	Open             bool                  `json:"open"`
	ClosedAt         *time.Time            `json:"closed_at,omitempty"`
	CloseReason      string                `json:"close_reason,omitempty"`
	Attempts         int                   `json:"attempts"`
	Graded           bool                  `json:"graded"`
	GradingError     string                `json:"grading_error,omitempty"`
	Resumed          bool                  `json:"resumed"`
	Answers          models.SessionAnswers `json:"answers"`
	Questions        []QuestionResponse    `json:"questions,omitempty"`
	Challenges       []ChallengeResponse   `json:"challenges,omitempty"`
}

func remainingSeconds(expiresAt, now time.Time, open bool) int64 {
	if !open || !expiresAt.After(now) {
		return 0
	}
	return int64(expiresAt.Sub(now) / time.Second)
}

// NewSessionResponse builds the session view at now.
func NewSessionResponse(session models.TestSession, now time.Time) SessionResponse {
	return SessionResponse{
		SessionID:        session.SessionID,
		TestType:         session.TestType,
		Skill:            session.Skill,
		Category:         session.Category,
		StartedAt:        session.StartedAt,
		ExpiresAt:        session.ExpiresAt,
		RemainingSeconds: remainingSeconds(session.ExpiresAt, now, session.IsOpen()),
		Open:             session.IsOpen(),
		ClosedAt:         session.ClosedAt,
		CloseReason:      session.CloseReason,
		Attempts:         session.Attempts,
		Graded:           session.Graded,
		GradingError:     session.GradingError,
		Answers:          session.Answers.Data(),
	}
}

// NewPhaseSessionResponse adds the served content to the session view.
func NewPhaseSessionResponse(session models.TestSession, questions []models.Question, challenges []models.CodingChallenge, resumed bool, now time.Time) SessionResponse {
	response := NewSessionResponse(session, now)
	response.Resumed = resumed
	if len(questions) > 0 {
		response.Questions = NewQuestionResponses(questions)
	}
	if len(challenges) > 0 {
		response.Challenges = NewChallengeResponses(challenges)
	}
	return response
}

// StepProgress lists the vetting steps in order.
type StepProgress struct {
	Current   string   `json:"current"`
	Completed []string `json:"completed"`
}

// SkillScoreResponse is the applicant view of a skill assessment.
type SkillScoreResponse struct {
	Skill          string     `json:"skill"`
	Category       string     `json:"category"`
	AssessmentType string     `json:"assessment_type"`
	Score          *int       `json:"score"`
	CompletedAt    *time.Time `json:"completed_at"`
}

// VettingRecordResponse is the applicant view of the record. Fraud flags are reviewer-only.
type VettingRecordResponse struct {
	ApplicantID        uint                 `json:"applicant_id"`
	Status             string               `json:"status"`
	Steps              StepProgress         `json:"steps"`
	IdentityStatus     string               `json:"identity_status"`
	IdentityScore      *int                 `json:"identity_score"`
	GrammarScore       *int                 `json:"grammar_score"`
	ComprehensionScore *int                 `json:"comprehension_score"`
	WrittenScore       *int                 `json:"written_score"`
	EnglishScore       *int                 `json:"english_score"`
	Skills             []SkillScoreResponse `json:"skills"`
	OverallScore       *float64             `json:"overall_score"`
	Decision           string               `json:"decision,omitempty"`
	DecidedAt          *time.Time           `json:"decided_at,omitempty"`
}

// NewVettingRecordResponse builds the applicant view.
func NewVettingRecordResponse(record models.VettingRecord) VettingRecordResponse {
	completed := []string(record.StepsCompleted)
	if completed == nil {
		completed = []string{}
	}
	skills := make([]SkillScoreResponse, 0, len(record.SkillAssessments))
	for _, assessment := range record.SkillAssessments {
		skills = append(skills, SkillScoreResponse{
			Skill:          assessment.Skill,
			Category:       assessment.Category,
			AssessmentType: assessment.AssessmentType,
			Score:          assessment.Score,
			CompletedAt:    assessment.CompletedAt,
		})
	}
	return VettingRecordResponse{
		ApplicantID:        record.ApplicantID,
		Status:             record.Status,
		Steps:              StepProgress{Current: record.CurrentStep, Completed: completed},
		IdentityStatus:     record.Identity.Status,
		IdentityScore:      record.Identity.Score,
		GrammarScore:       record.English.GrammarScore,
		ComprehensionScore: record.English.ComprehensionScore,
		WrittenScore:       record.English.WrittenResponseScore,
		EnglishScore:       record.English.OverallScore,
		Skills:             skills,
		OverallScore:       record.OverallScore,
		Decision:           record.Decision,
		DecidedAt:          record.DecidedAt,
	}
}

// ReviewRecordResponse is the reviewer view: the full record.
type ReviewRecordResponse struct {
	models.VettingRecord
}

// NewReviewRecordResponse wraps the record for reviewers.
func NewReviewRecordResponse(record models.VettingRecord) ReviewRecordResponse {
	return ReviewRecordResponse{VettingRecord: record}
}

// SubmissionResponse reports a graded (or already closed) session.
type SubmissionResponse struct {
	Session       SessionResponse       `json:"session"`
	Record        VettingRecordResponse `json:"record"`
	AlreadyClosed bool                  `json:"already_closed"`
}

// SkillFlowResponse describes the skill test path.
type SkillFlowResponse struct {
	SessionID         string                  `json:"session_id"`
	Category          string                  `json:"category"`
	Skills            []string                `json:"skills"`
	Language          string                  `json:"language,omitempty"`
	Status            string                  `json:"status"`
	ExpiresAt         time.Time               `json:"expires_at"`
	RemainingSeconds  int64                   `json:"remaining_seconds"`
	RequiresPortfolio bool                    `json:"requires_portfolio"`
	CurrentChallenge  int                     `json:"current_challenge"`
	PortfolioScore    *int                    `json:"portfolio_score"`
	MCQScore          *int                    `json:"mcq_score"`
	CompositeScore    *int                    `json:"composite_score"`
	CodingSubmissions []models.CodeSubmission `json:"coding_submissions"`
	Challenges        []ChallengeResponse     `json:"challenges"`
	Questions         []QuestionResponse      `json:"questions"`
	Resumed           bool                    `json:"resumed"`
}

// NewSkillFlowResponse builds the flow view at now.
func NewSkillFlowResponse(flow models.SkillTestSession, session models.TestSession, questions []models.Question, challenges []models.CodingChallenge, resumed bool, now time.Time) SkillFlowResponse {
	skills := []string(flow.Skills)
	if skills == nil {
		skills = []string{}
	}
	submissions := []models.CodeSubmission(flow.CodingSubmissions)
	if submissions == nil {
		submissions = []models.CodeSubmission{}
	}
	return SkillFlowResponse{
		SessionID:         flow.SessionID,
		Category:          flow.Category,
		Skills:            skills,
		Language:          flow.SelectedLanguage,
		Status:            flow.Status,
		ExpiresAt:         flow.ExpiresAt,
		RemainingSeconds:  remainingSeconds(flow.ExpiresAt, now, flow.IsLive() && session.IsOpen()),
		RequiresPortfolio: flow.RequiresPortfolio,
		CurrentChallenge:  flow.CurrentChallenge,
		PortfolioScore:    flow.PortfolioScore,
		MCQScore:          flow.MCQScore,
		CompositeScore:    flow.CompositeScore,
		CodingSubmissions: submissions,
		Challenges:        NewChallengeResponses(challenges),
		Questions:         NewQuestionResponses(questions),
		Resumed:           resumed,
	}
}
