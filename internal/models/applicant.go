package models

import (
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ApplicantRoleFreelancer = "freelancer"

	ApplicantStatusActive  = "active"
	ApplicantStatusRemoved = "removed"
)

// Experience levels drive duration scaling and content selection.
const (
	ExperienceEntry        = "entry"
	ExperienceIntermediate = "intermediate"
	ExperienceExpert       = "expert"
)

// Applicant is a marketplace user undergoing vetting.
type Applicant struct {
	ID              uint                        `gorm:"primaryKey" json:"id"`
	Name            string                      `gorm:"size:255;not null" json:"name"`
	Email           string                      `gorm:"size:255;uniqueIndex;not null" json:"email"`
	Role            string                      `gorm:"size:32;not null" json:"role"`
	ExperienceLevel string                      `gorm:"size:32;not null;default:entry" json:"experience_level"`
	Skills          datatypes.JSONSlice[string] `json:"skills"`
	Status          string                      `gorm:"size:32;not null;default:active" json:"status"`
	RemovalReason   string                      `gorm:"type:text" json:"removal_reason,omitempty"`
	RemovedAt       *time.Time                  `json:"removed_at,omitempty"`
	CreatedAt       time.Time                   `json:"created_at"`
	UpdatedAt       time.Time                   `json:"updated_at"`
	DeletedAt       gorm.DeletedAt              `gorm:"index" json:"-"`
}

// Eligible reports whether the applicant may start vetting phases.
func (a Applicant) Eligible() bool {
	return a.Role == ApplicantRoleFreelancer && a.Status == ApplicantStatusActive
}

// Level returns the normalised experience level, defaulting to entry.
func (a Applicant) Level() string {
	switch strings.ToLower(strings.TrimSpace(a.ExperienceLevel)) {
	case ExperienceIntermediate:
		return ExperienceIntermediate
	case ExperienceExpert:
		return ExperienceExpert
	default:
		return ExperienceEntry
	}
}

// HasSkill reports whether the skill was declared by the applicant.
func (a Applicant) HasSkill(skill string) bool {
	needle := strings.ToLower(strings.TrimSpace(skill))
	for _, declared := range a.Skills {
		if strings.ToLower(strings.TrimSpace(declared)) == needle {
			return true
		}
	}
	return false
}
