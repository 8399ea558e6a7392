package models

import (
	"time"

	"gorm.io/datatypes"
)

// Question kinds served from the bank.
const (
	QuestionKindGrammar       = "grammar"
	QuestionKindComprehension = "comprehension"
	QuestionKindWritten       = "written"
	QuestionKindSkillMCQ      = "skill_mcq"
)

// Question is a single multiple-choice item. The answer never leaves the service.
type Question struct {
	ID          uint                        `gorm:"primaryKey" json:"id"`
	Kind        string                      `gorm:"size:32;not null;index:idx_question_lookup" json:"kind"`
	Category    string                      `gorm:"size:64;index:idx_question_lookup" json:"category"`
	Level       string                      `gorm:"size:32;index:idx_question_lookup" json:"level"`
	Passage     string                      `gorm:"type:text" json:"passage,omitempty"`
	Prompt      string                      `gorm:"type:text;not null" json:"prompt"`
	Options     datatypes.JSONSlice[string] `json:"options"`
	AnswerIndex int                         `gorm:"not null" json:"-"`
	CreatedAt   time.Time                   `json:"created_at"`
}

// CodingChallenge is a programming task scored by executing test cases.
type CodingChallenge struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Category    string     `gorm:"size:64;not null;index:idx_challenge_lookup" json:"category"`
	Level       string     `gorm:"size:32;not null;index:idx_challenge_lookup" json:"level"`
	Title       string     `gorm:"size:255;not null" json:"title"`
	Prompt      string     `gorm:"type:text;not null" json:"prompt"`
	StarterCode string     `gorm:"type:text" json:"starter_code"`
	TestCases   []TestCase `gorm:"foreignKey:ChallengeID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"test_cases"`
	CreatedAt   time.Time  `json:"created_at"`
}

// TestCase is one input/expected-output pair. Hidden cases are scored but never shown.
type TestCase struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	ChallengeID    uint   `gorm:"not null;index" json:"challenge_id"`
	Position       int    `gorm:"not null" json:"position"`
	Input          string `gorm:"type:text" json:"input"`
	ExpectedOutput string `gorm:"type:text" json:"expected_output"`
	IsHidden       bool   `gorm:"not null;default:false" json:"is_hidden"`
}

// VisibleCases returns the examples that may be shown to the applicant.
func (c CodingChallenge) VisibleCases() []TestCase {
	visible := make([]TestCase, 0, len(c.TestCases))
	for _, tc := range c.TestCases {
		if !tc.IsHidden {
			visible = append(visible, tc)
		}
	}
	return visible
}
