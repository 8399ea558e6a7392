package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/vetting-api/internal/models"
)

// QuestionBankRepository is a read-only view over authored assessment content.
type QuestionBankRepository interface {
	Questions(ctx context.Context, kind, category, level string, limit int) ([]models.Question, error)
	QuestionsByIDs(ctx context.Context, ids []uint) ([]models.Question, error)
	Challenges(ctx context.Context, category, level string, limit int) ([]models.CodingChallenge, error)
	ChallengesByIDs(ctx context.Context, ids []uint) ([]models.CodingChallenge, error)
}

// NewQuestionBankRepository constructs the question bank repository.
func NewQuestionBankRepository(db *gorm.DB) QuestionBankRepository {
	return &questionBankRepository{db: db}
}

type questionBankRepository struct {
	db *gorm.DB
}

func (r *questionBankRepository) Questions(ctx context.Context, kind, category, level string, limit int) ([]models.Question, error) {
	query := r.db.WithContext(ctx).Where("kind = ?", kind)
	if category != "" {
		query = query.Where("category = ?", category)
	}
	if level != "" {
		query = query.Where("level = ?", level)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var questions []models.Question
	if err := query.Order("id ASC").Find(&questions).Error; err != nil {
		return nil, err
	}
	return questions, nil
}

// QuestionsByIDs returns the questions in the order of ids, skipping unknown ids.
func (r *questionBankRepository) QuestionsByIDs(ctx context.Context, ids []uint) ([]models.Question, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var questions []models.Question
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&questions).Error; err != nil {
		return nil, err
	}

	byID := make(map[uint]models.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}
	ordered := make([]models.Question, 0, len(ids))
	for _, id := range ids {
		if q, ok := byID[id]; ok {
			ordered = append(ordered, q)
		}
	}
	return ordered, nil
}

func (r *questionBankRepository) Challenges(ctx context.Context, category, level string, limit int) ([]models.CodingChallenge, error) {
	query := r.db.WithContext(ctx).
		Preload("TestCases", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("category = ?", category)
	if level != "" {
		query = query.Where("level = ?", level)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var challenges []models.CodingChallenge
	if err := query.Order("id ASC").Find(&challenges).Error; err != nil {
		return nil, err
	}
	return challenges, nil
}

func (r *questionBankRepository) ChallengesByIDs(ctx context.Context, ids []uint) ([]models.CodingChallenge, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var challenges []models.CodingChallenge
	err := r.db.WithContext(ctx).
		Preload("TestCases", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("id IN ?", ids).
		Find(&challenges).Error
	if err != nil {
		return nil, err
	}

	byID := make(map[uint]models.CodingChallenge, len(challenges))
	for _, c := range challenges {
		byID[c.ID] = c
	}
	ordered := make([]models.CodingChallenge, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			ordered = append(ordered, c)
		}
	}
	return ordered, nil
}
