package ai

import "context"

// WrittenInput is an english written response awaiting a grade.
type WrittenInput struct {
	Prompt   string
	Response string
}

// WrittenResult is the grade returned for a written response.
type WrittenResult struct {
	Score    int                    `json:"score"`
	Feedback string                 `json:"feedback"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// PortfolioItem is one work sample shown to the portfolio grader.
type PortfolioItem struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
}

// PortfolioInput groups the artefacts needed to grade a portfolio.
type PortfolioInput struct {
	Items           []PortfolioItem
	SkillName       string
	ExperienceLevel string
}

// PortfolioResult is the score and per-criterion breakdown of a portfolio.
type PortfolioResult struct {
	Score     int                    `json:"score"`
	Feedback  string                 `json:"feedback"`
	Breakdown map[string]interface{} `json:"breakdown,omitempty"`
}

// WrittenGrader grades english written responses on a 0-100 scale.
type WrittenGrader interface {
	GradeWritten(ctx context.Context, input WrittenInput) (WrittenResult, error)
}

// PortfolioGrader grades portfolios on a 0-100 scale.
type PortfolioGrader interface {
	GradePortfolio(ctx context.Context, input PortfolioInput) (PortfolioResult, error)
}
