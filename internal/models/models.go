package models

import "strconv"

// All lists every persisted model for migrations.
func All() []interface{} {
	return []interface{}{
		&Applicant{},
		&VettingRecord{},
		&TestSession{},
		&SkillTestSession{},
		&ActivitySignal{},
		&Question{},
		&CodingChallenge{},
		&TestCase{},
	}
}

func uintToString(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}
