package models

import (
	"time"

	"gorm.io/datatypes"
)

// Test types. Each one has at most one open session per applicant.
const (
	TestTypeGrammar        = "grammar"
	TestTypeComprehension  = "comprehension"
	TestTypeWritten        = "written"
	TestTypeSkillMCQ       = "skill_mcq"
	TestTypeSkillCoding    = "skill_coding"
	TestTypeSkillPortfolio = "skill_portfolio"
	TestTypeSkillFlow      = "skill_flow"
)

// Close reasons.
const (
	CloseReasonSubmitted = "submitted"
	CloseReasonExpired   = "expired"
)

// Skill test flow states.
const (
	SkillFlowPortfolioReview = "portfolio_review"
	SkillFlowCoding          = "coding"
	SkillFlowMCQ             = "mcq"
	SkillFlowCompleted       = "completed"
)

// PortfolioItem is one piece of work submitted for portfolio review.
type PortfolioItem struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
}

// CodeAnswer is the latest code written for one challenge.
type CodeAnswer struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// SessionContent lists the bank items served when the session opened.
type SessionContent struct {
	QuestionIDs  []uint `json:"question_ids,omitempty"`
	ChallengeIDs []uint `json:"challenge_ids,omitempty"`
}

// SessionAnswers holds the applicant's latest answers, partial or final.
type SessionAnswers struct {
	Choices   map[uint]int        `json:"choices,omitempty"`
	Text      string              `json:"text,omitempty"`
	Code      map[uint]CodeAnswer `json:"code,omitempty"`
	Portfolio []PortfolioItem     `json:"portfolio,omitempty"`
}

// TestSession is a time-boxed, single-use attempt at one phase.
type TestSession struct {
	ID                 uint                               `gorm:"primaryKey" json:"id"`
	SessionID          string                             `gorm:"size:64;uniqueIndex;not null" json:"session_id"`
	ApplicantID        uint                               `gorm:"not null;index" json:"applicant_id"`
	TestType           string                             `gorm:"size:32;not null" json:"test_type"`
	Skill              string                             `gorm:"size:64" json:"skill,omitempty"`
	Category           string                             `gorm:"size:64" json:"category,omitempty"`
	OpenKey            *string                            `gorm:"size:128;uniqueIndex" json:"-"`
	StartedAt          time.Time                          `gorm:"not null" json:"started_at"`
	ExpiresAt          time.Time                          `gorm:"not null;index" json:"expires_at"`
	ClosedAt           *time.Time                         `gorm:"index" json:"closed_at,omitempty"`
	CloseReason        string                             `gorm:"size:16" json:"close_reason,omitempty"`
	BrowserFingerprint string                             `gorm:"size:255;index" json:"browser_fingerprint"`
	IPAddress          string                             `gorm:"size:64" json:"ip_address"`
	Attempts           int                                `gorm:"not null;default:1" json:"attempts"`
	Content            datatypes.JSONType[SessionContent] `json:"content"`
	Answers            datatypes.JSONType[SessionAnswers] `json:"answers"`
	Graded             bool                               `gorm:"not null;default:false" json:"graded"`
	GradingError       string                             `gorm:"type:text" json:"grading_error,omitempty"`
	CreatedAt          time.Time                          `json:"created_at"`
	UpdatedAt          time.Time                          `json:"updated_at"`
}

// IsOpen reports whether the session has not been closed yet.
func (s TestSession) IsOpen() bool {
	return s.ClosedAt == nil
}

// IsExpired reports whether the server-side deadline has passed.
func (s TestSession) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// TimeSpent returns how long the session ran until it was closed or now.
func (s TestSession) TimeSpent(now time.Time) time.Duration {
	end := now
	if s.ClosedAt != nil {
		end = *s.ClosedAt
	}
	if end.After(s.ExpiresAt) {
		end = s.ExpiresAt
	}
	if end.Before(s.StartedAt) {
		return 0
	}
	return end.Sub(s.StartedAt)
}

// SessionOpenKey builds the uniqueness key held by an open session.
func SessionOpenKey(applicantID uint, testType, skill string) string {
	key := testType + ":" + uintToString(applicantID)
	if skill != "" {
		key += ":" + skill
	}
	return key
}

// SkillTestSession is the nested portfolio → coding → mcq flow sharing one deadline.
type SkillTestSession struct {
	ID                 uint                                `gorm:"primaryKey" json:"id"`
	ApplicantID        uint                                `gorm:"not null;index" json:"applicant_id"`
	SessionID          string                              `gorm:"size:64;uniqueIndex;not null" json:"session_id"`
	LiveKey            *string                             `gorm:"size:64;uniqueIndex" json:"-"`
	Category           string                              `gorm:"size:64;not null" json:"category"`
	Skills             datatypes.JSONSlice[string]         `json:"skills"`
	SelectedLanguage   string                              `gorm:"size:32" json:"selected_language"`
	Status             string                              `gorm:"size:32;not null" json:"status"`
	RequiresPortfolio  bool                                `gorm:"not null" json:"requires_portfolio"`
	CodingBlendWeight  float64                             `gorm:"not null;default:0" json:"coding_blend_weight"`
	ChallengeIDs       datatypes.JSONSlice[uint]           `json:"challenge_ids"`
	QuestionIDs        datatypes.JSONSlice[uint]           `json:"question_ids"`
	CurrentChallenge   int                                 `gorm:"not null;default:0" json:"current_challenge"`
	ExpiresAt          time.Time                           `gorm:"not null" json:"expires_at"`
	PortfolioItems     datatypes.JSONSlice[PortfolioItem]  `json:"portfolio_items"`
	PortfolioScore     *int                                `json:"portfolio_score"`
	PortfolioBreakdown datatypes.JSONMap                   `json:"portfolio_breakdown"`
	CodingSubmissions  datatypes.JSONSlice[CodeSubmission] `json:"coding_submissions"`
	MCQAnswers         datatypes.JSONType[map[uint]int]    `json:"mcq_answers"`
	MCQScore           *int                                `json:"mcq_score"`
	CompositeScore     *int                                `json:"composite_score"`
	CompletedAt        *time.Time                          `json:"completed_at,omitempty"`
	CreatedAt          time.Time                           `json:"created_at"`
	UpdatedAt          time.Time                           `json:"updated_at"`
}

// IsLive reports whether the flow has not reached completed.
func (s SkillTestSession) IsLive() bool {
	return s.Status != SkillFlowCompleted
}
