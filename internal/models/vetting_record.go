package models

import (
	"time"

	"gorm.io/datatypes"
)

// Vetting record statuses.
const (
	VettingStatusPending    = "pending"
	VettingStatusInProgress = "in_progress"
	VettingStatusApproved   = "approved"
	VettingStatusFlagged    = "flagged"
	VettingStatusRejected   = "rejected"
)

// Vetting steps. StepComplete is only ever a CurrentStep value.
const (
	StepIdentity = "identity"
	StepEnglish  = "english"
	StepSkills   = "skills"
	StepComplete = "complete"
)

// Identity verification states returned by the identity provider.
const (
	IdentityStatusPending  = "pending"
	IdentityStatusVerified = "verified"
	IdentityStatusFailed   = "failed"
	IdentityStatusRejected = "rejected"
)

// Assessment types resolved from the category table.
const (
	AssessmentMCQ       = "mcq"
	AssessmentCoding    = "coding"
	AssessmentPortfolio = "portfolio"
)

// Fraud flag severities, ordered from least to most severe.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Fraud flag types raised by the pipeline itself. Reviewers may use any type.
const (
	FlagSuspiciousActivity = "suspicious_activity"
	FlagIdentityLiveness   = "identity_liveness"
	FlagSharedDevice       = "shared_device"
)

var orderedSteps = []string{StepIdentity, StepEnglish, StepSkills}

// SeverityRank orders severities so they can be compared.
func SeverityRank(severity string) int {
	switch severity {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// IntegrityMetadata captures proctoring context of one session.
type IntegrityMetadata struct {
	SessionID          string   `json:"session_id"`
	TimeSpentSeconds   int64    `json:"time_spent_seconds"`
	Attempts           int      `json:"attempts"`
	Fingerprint        string   `json:"fingerprint"`
	IPAddress          string   `json:"ip_address"`
	SuspiciousActivity []string `json:"suspicious_activity"`
}

// IdentityVerification stores the identity provider outcome.
type IdentityVerification struct {
	Status        string     `gorm:"size:16;not null;default:pending" json:"status"`
	Score         *int       `json:"score"`
	LivenessCheck bool       `json:"liveness_check"`
	DocumentType  string     `gorm:"size:32" json:"document_type"`
	DocumentURL   string     `gorm:"size:512" json:"document_url,omitempty"`
	SelfieURL     string     `gorm:"size:512" json:"selfie_url,omitempty"`
	VerifiedAt    *time.Time `json:"verified_at"`
}

// EnglishProficiency stores the three english sub-scores and their weighted total.
type EnglishProficiency struct {
	GrammarScore         *int                                   `json:"grammar_score"`
	ComprehensionScore   *int                                   `json:"comprehension_score"`
	WrittenResponseScore *int                                   `json:"written_response_score"`
	WrittenResponse      string                                 `gorm:"type:text" json:"written_response,omitempty"`
	OverallScore         *int                                   `json:"overall_score"`
	CompletedAt          *time.Time                             `json:"completed_at"`
	Integrity            datatypes.JSONSlice[IntegrityMetadata] `json:"integrity"`
}

// TestCaseResult is the sandbox outcome of a single test case.
type TestCaseResult struct {
	Index        int    `json:"index"`
	Passed       bool   `json:"passed"`
	Hidden       bool   `json:"hidden"`
	ActualOutput string `json:"actual_output,omitempty"`
	Error        string `json:"error,omitempty"`
}

// CodeSubmission is one executed coding answer with per-case results.
type CodeSubmission struct {
	ChallengeID uint             `json:"challenge_id"`
	Language    string           `json:"language"`
	Code        string           `json:"code"`
	Passed      int              `json:"passed"`
	Total       int              `json:"total"`
	Score       int              `json:"score"`
	Results     []TestCaseResult `json:"results"`
	SubmittedAt time.Time        `json:"submitted_at"`
}

// SkillAssessment is the scored outcome for one declared skill.
type SkillAssessment struct {
	Skill           string                 `json:"skill"`
	Category        string                 `json:"category"`
	AssessmentType  string                 `json:"assessment_type"`
	Score           *int                   `json:"score"`
	CompletedAt     *time.Time             `json:"completed_at"`
	Integrity       IntegrityMetadata      `json:"integrity"`
	CodeSubmissions []CodeSubmission       `json:"code_submissions,omitempty"`
	Detail          map[string]interface{} `json:"detail,omitempty"`
}

// FraudFlag records an integrity concern. Only Resolved may change after creation.
type FraudFlag struct {
	ID          string     `json:"id"`
	FlagType    string     `json:"flag_type"`
	Severity    string     `json:"severity"`
	Description string     `json:"description"`
	SessionID   string     `json:"session_id,omitempty"`
	DetectedAt  time.Time  `json:"detected_at"`
	Resolved    bool       `json:"resolved"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy  *uint      `json:"resolved_by,omitempty"`
}

// VettingRecord is the per-applicant aggregate root of the admission pipeline.
type VettingRecord struct {
	ID               uint                                 `gorm:"primaryKey" json:"id"`
	ApplicantID      uint                                 `gorm:"uniqueIndex;not null" json:"applicant_id"`
	Identity         IdentityVerification                 `gorm:"embedded;embeddedPrefix:identity_" json:"identity_verification"`
	English          EnglishProficiency                   `gorm:"embedded;embeddedPrefix:english_" json:"english_proficiency"`
	SkillAssessments datatypes.JSONSlice[SkillAssessment] `json:"skill_assessments"`
	OverallScore     *float64                             `json:"overall_score"`
	Status           string                               `gorm:"size:16;not null;default:pending;index" json:"status"`
	CurrentStep      string                               `gorm:"size:16;not null;default:identity" json:"current_step"`
	StepsCompleted   datatypes.JSONSlice[string]          `json:"steps_completed"`
	FraudFlags       datatypes.JSONSlice[FraudFlag]       `json:"fraud_flags"`
	Decision         string                               `gorm:"size:16" json:"decision,omitempty"`
	DecidedAt        *time.Time                           `json:"decided_at,omitempty"`
	ReviewedBy       *uint                                `json:"reviewed_by,omitempty"`
	ReviewedAt       *time.Time                           `json:"reviewed_at,omitempty"`
	ReviewNote       string                               `gorm:"type:text" json:"review_note,omitempty"`
	AccountRemovedAt *time.Time                           `json:"account_removed_at,omitempty"`
	CreatedAt        time.Time                            `json:"created_at"`
	UpdatedAt        time.Time                            `json:"updated_at"`
}

// NewVettingRecord returns an empty record in the initial state.
func NewVettingRecord(applicantID uint) VettingRecord {
	return VettingRecord{
		ApplicantID:      applicantID,
		Identity:         IdentityVerification{Status: IdentityStatusPending},
		Status:           VettingStatusPending,
		CurrentStep:      StepIdentity,
		StepsCompleted:   datatypes.JSONSlice[string]{},
		SkillAssessments: datatypes.JSONSlice[SkillAssessment]{},
		FraudFlags:       datatypes.JSONSlice[FraudFlag]{},
	}
}

// HasStep reports whether the step has been completed.
func (r VettingRecord) HasStep(step string) bool {
	for _, completed := range r.StepsCompleted {
		if completed == step {
			return true
		}
	}
	return false
}

// AllStepsCompleted reports whether identity, english and skills are all done.
func (r VettingRecord) AllStepsCompleted() bool {
	for _, step := range orderedSteps {
		if !r.HasStep(step) {
			return false
		}
	}
	return true
}

// CompleteStep appends the step if missing and advances CurrentStep. Steps are never removed.
func (r *VettingRecord) CompleteStep(step string) bool {
	if r.HasStep(step) {
		return false
	}
	r.StepsCompleted = append(r.StepsCompleted, step)
	r.CurrentStep = StepComplete
	for _, candidate := range orderedSteps {
		if !r.HasStep(candidate) {
			r.CurrentStep = candidate
			break
		}
	}
	return true
}

// Started moves a pending record into progress.
func (r *VettingRecord) Started() {
	if r.Status == VettingStatusPending {
		r.Status = VettingStatusInProgress
	}
}

// IsDecided reports whether the admission decision has been recorded.
func (r VettingRecord) IsDecided() bool {
	return r.DecidedAt != nil
}

// MeanSkillScore averages the scored skill assessments.
func (r VettingRecord) MeanSkillScore() (float64, bool) {
	var total, count int
	for _, assessment := range r.SkillAssessments {
		if assessment.Score != nil {
			total += *assessment.Score
			count++
		}
	}
	if count == 0 {
		return 0, false
	}
	return float64(total) / float64(count), true
}

// Assessment returns the assessment recorded for a skill, if any.
func (r VettingRecord) Assessment(skill string) (SkillAssessment, bool) {
	for _, assessment := range r.SkillAssessments {
		if assessment.Skill == skill {
			return assessment, true
		}
	}
	return SkillAssessment{}, false
}

// UpsertAssessment replaces the assessment for the same skill or appends a new one.
func (r *VettingRecord) UpsertAssessment(assessment SkillAssessment) {
	for i := range r.SkillAssessments {
		if r.SkillAssessments[i].Skill == assessment.Skill {
			r.SkillAssessments[i] = assessment
			return
		}
	}
	r.SkillAssessments = append(r.SkillAssessments, assessment)
}

// HasUnresolvedCritical reports whether any open critical flag exists.
func (r VettingRecord) HasUnresolvedCritical() bool {
	for _, flag := range r.FraudFlags {
		if !flag.Resolved && flag.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// HasFlagFor reports whether a flag of the type was already raised for the session.
func (r VettingRecord) HasFlagFor(flagType, sessionID string) bool {
	for _, flag := range r.FraudFlags {
		if flag.FlagType == flagType && flag.SessionID == sessionID {
			return true
		}
	}
	return false
}
