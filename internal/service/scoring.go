package service

import (
	"math"

	"github.com/noah-isme/vetting-api/internal/models"
)

// Decision weights and floor.
const (
	identityWeight = 0.20
	englishWeight  = 0.30
	skillsWeight   = 0.50
	componentFloor = 50.0

	grammarWeight       = 0.30
	comprehensionWeight = 0.30
	writtenWeight       = 0.40

	portfolioWeight = 0.30
	bucketWeight    = 0.70
)

// PercentScore returns round(correct/total*100), or 0 when there is nothing to score.
func PercentScore(correct, total int) int {
	if total <= 0 {
		return 0
	}
	if correct < 0 {
		correct = 0
	}
	if correct > total {
		correct = total
	}
	return int(math.Round(float64(correct) / float64(total) * 100))
}

// ScoreChoices grades multiple-choice answers. Unanswered questions count as incorrect.
func ScoreChoices(questions []models.Question, choices map[uint]int) (correct, total, score int) {
	total = len(questions)
	for _, question := range questions {
		if choice, ok := choices[question.ID]; ok && choice == question.AnswerIndex {
			correct++
		}
	}
	return correct, total, PercentScore(correct, total)
}

// EnglishOverall combines the three english sub-scores.
func EnglishOverall(grammar, comprehension, written int) int {
	return int(math.Round(float64(grammar)*grammarWeight +
		float64(comprehension)*comprehensionWeight +
		float64(written)*writtenWeight))
}

// OverallScore combines the identity, english and mean skill components.
func OverallScore(identity, english int, meanSkill float64) float64 {
	return float64(identity)*identityWeight + float64(english)*englishWeight + meanSkill*skillsWeight
}

// BelowFloor reports whether any decision component misses the minimum bar.
func BelowFloor(identity, english int, meanSkill float64) bool {
	return float64(identity) < componentFloor || float64(english) < componentFloor || meanSkill < componentFloor
}

// CodingPassRate is the mean per-challenge pass rate in [0,1].
func CodingPassRate(submissions []models.CodeSubmission) float64 {
	if len(submissions) == 0 {
		return 0
	}
	var sum float64
	for _, submission := range submissions {
		if submission.Total > 0 {
			sum += float64(submission.Passed) / float64(submission.Total)
		}
	}
	return sum / float64(len(submissions))
}

// CodingScore converts the mean pass rate to a 0-100 score.
func CodingScore(submissions []models.CodeSubmission) int {
	return int(math.Round(CodingPassRate(submissions) * 100))
}

// SkillBucket blends the MCQ score with the coding pass rate. Without coding
// challenges the bucket is the MCQ score alone.
func SkillBucket(mcqScore int, codingPassRate float64, hasCoding bool, codingWeight float64) float64 {
	if !hasCoding {
		return float64(mcqScore)
	}
	return codingPassRate*100*codingWeight + float64(mcqScore)*(1-codingWeight)
}

// CompositeSkillScore folds the portfolio score into the bucket when a portfolio is required.
func CompositeSkillScore(portfolioScore int, requiresPortfolio bool, bucket float64) int {
	if !requiresPortfolio {
		return int(math.Round(bucket))
	}
	return int(math.Round(float64(portfolioScore)*portfolioWeight + bucket*bucketWeight))
}
