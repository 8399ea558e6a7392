package service

import "errors"

var (
	// ErrSessionAlreadyOpen indicates an open, unexpired session exists for the phase.
	ErrSessionAlreadyOpen = errors.New("session already open")
	// ErrSessionExpired indicates the server-side deadline passed before the submission.
	ErrSessionExpired = errors.New("session expired")
	// ErrSessionClosed indicates the session was already submitted.
	ErrSessionClosed = errors.New("session already closed")
	// ErrInvalidSubmission indicates a malformed submission, e.g. an answer count mismatch.
	ErrInvalidSubmission = errors.New("invalid submission")
	// ErrExternalGraderUnavailable indicates an external collaborator kept failing after retries.
	ErrExternalGraderUnavailable = errors.New("external grader unavailable")
	// ErrInsufficientContent indicates the question bank returned fewer items than required.
	ErrInsufficientContent = errors.New("insufficient content")
	// ErrConcurrentDecisionConflict indicates the decision was already recorded.
	ErrConcurrentDecisionConflict = errors.New("concurrent decision conflict")
)

var (
	ErrApplicantNotFound    = errors.New("applicant not found")
	ErrApplicantNotEligible = errors.New("applicant not eligible for vetting")
	ErrRecordNotFound       = errors.New("vetting record not found")
	ErrSessionNotFound      = errors.New("session not found")
	ErrSkillFlowNotFound    = errors.New("skill test not found")
	ErrFlagNotFound         = errors.New("fraud flag not found")
	ErrPhaseCompleted       = errors.New("phase already completed")
	ErrStepOutOfOrder       = errors.New("previous vetting step not completed")
	ErrStepsIncomplete      = errors.New("vetting steps incomplete")
	ErrNotFlagged           = errors.New("vetting record is not awaiting manual review")
	ErrUnsupportedLanguage  = errors.New("unsupported language")
	ErrUnsupportedDocument  = errors.New("unsupported document image")
)

func isUnsupportedLanguage(err error) bool {
	return errors.Is(err, ErrUnsupportedLanguage)
}
