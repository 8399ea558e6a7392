package models

import "time"

// Integrity signal types emitted by the assessment environment.
const (
	SignalTabSwitch      = "tab_switch"
	SignalWindowBlur     = "window_blur"
	SignalCopyAttempt    = "copy_attempt"
	SignalPasteAttempt   = "paste_attempt"
	SignalRightClick     = "right_click"
	SignalFullscreenExit = "fullscreen_exit"
)

// ActivitySignal aggregates one signal type observed during one session.
type ActivitySignal struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	SessionID   string    `gorm:"size:64;not null;uniqueIndex:idx_signal_session_type" json:"session_id"`
	SignalType  string    `gorm:"size:32;not null;uniqueIndex:idx_signal_session_type" json:"signal_type"`
	ApplicantID uint      `gorm:"not null;index" json:"applicant_id"`
	Severity    string    `gorm:"size:16;not null" json:"severity"`
	Count       int       `gorm:"not null;default:1" json:"count"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// IsKnownSignal reports whether the type belongs to the supported vocabulary.
func IsKnownSignal(signal string) bool {
	switch signal {
	case SignalTabSwitch, SignalWindowBlur, SignalCopyAttempt, SignalPasteAttempt, SignalRightClick, SignalFullscreenExit:
		return true
	default:
		return false
	}
}
