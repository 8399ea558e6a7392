package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	gradingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vetting",
		Subsystem: "ai",
		Name:      "grading_duration_seconds",
		Help:      "Duration of AI grading requests",
	}, []string{"model", "kind"})

	gradingFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vetting",
		Subsystem: "ai",
		Name:      "grading_failures_total",
		Help:      "Number of AI grading failures",
	}, []string{"model", "kind"})
)

// OpenAIConfig defines configuration options for the OpenAI grader.
type OpenAIConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
	BaseURL     string
	Logger      zerolog.Logger
}

// OpenAIGrader grades written responses and portfolios with the chat completion API.
type OpenAIGrader struct {
	client *openai.Client
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAIGrader builds a grader using the provided configuration.
func NewOpenAIGrader(cfg OpenAIConfig) (*OpenAIGrader, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 512
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &OpenAIGrader{
		client: openai.NewClientWithConfig(config),
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/vetting-api/pkg/ai/openai"),
		logger: logger.With().Str("component", "openai_grader").Logger(),
	}, nil
}

// GradeWritten scores an english written response.
func (g *OpenAIGrader) GradeWritten(ctx context.Context, input WrittenInput) (WrittenResult, error) {
	content, err := g.complete(ctx, "written", writtenSystemPrompt(), buildWrittenPrompt(input))
	if err != nil {
		return WrittenResult{}, err
	}

	var payload struct {
		Score    float64                `json:"score"`
		Feedback string                 `json:"feedback"`
		Details  map[string]interface{} `json:"details"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		gradingFailures.WithLabelValues(g.cfg.Model, "written").Inc()
		return WrittenResult{}, fmt.Errorf("parse written grade json: %w", err)
	}

	return WrittenResult{
		Score:    clampScore(payload.Score),
		Feedback: payload.Feedback,
		Details:  payload.Details,
	}, nil
}

// GradePortfolio scores a set of portfolio items for one skill.
func (g *OpenAIGrader) GradePortfolio(ctx context.Context, input PortfolioInput) (PortfolioResult, error) {
	if len(input.Items) == 0 {
		return PortfolioResult{Score: 0, Feedback: "no portfolio items submitted"}, nil
	}

	content, err := g.complete(ctx, "portfolio", portfolioSystemPrompt(), buildPortfolioPrompt(input))
	if err != nil {
		return PortfolioResult{}, err
	}

	var payload struct {
		Score     float64                `json:"score"`
		Feedback  string                 `json:"feedback"`
		Breakdown map[string]interface{} `json:"breakdown"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		gradingFailures.WithLabelValues(g.cfg.Model, "portfolio").Inc()
		return PortfolioResult{}, fmt.Errorf("parse portfolio grade json: %w", err)
	}

	return PortfolioResult{
		Score:     clampScore(payload.Score),
		Feedback:  payload.Feedback,
		Breakdown: payload.Breakdown,
	}, nil
}

func (g *OpenAIGrader) complete(parent context.Context, kind, system, user string) (string, error) {
	ctx, span := g.tracer.Start(parent, "openai.grade", trace.WithAttributes(
		attribute.String("model", g.cfg.Model),
		attribute.String("grading.kind", kind),
	))
	defer span.End()

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.cfg.Model,
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	gradingDuration.WithLabelValues(g.cfg.Model, kind).Observe(time.Since(start).Seconds())
	if err != nil {
		gradingFailures.WithLabelValues(g.cfg.Model, kind).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("openai grade %s: %w", kind, err)
	}

	if len(resp.Choices) == 0 {
		err := fmt.Errorf("no choices returned from openai")
		gradingFailures.WithLabelValues(g.cfg.Model, kind).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	g.logger.Debug().Str("kind", kind).Int("total_tokens", resp.Usage.TotalTokens).Msg("grading completed")

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func writtenSystemPrompt() string {
	return "You grade English written responses of freelancers applying to a marketplace. Respond with a JSON object " +
		"containing score (0-100), feedback, and an optional details object scoring grammar, coherence, vocabulary and task fit."
}

func portfolioSystemPrompt() string {
	return "You review freelancer portfolios. Respond with a JSON object containing score (0-100), feedback, and a " +
		"breakdown object scoring relevance, quality, complexity and presentation. Calibrate to the stated experience level."
}

func buildWrittenPrompt(input WrittenInput) string {
	builder := strings.Builder{}
	builder.WriteString("# Prompt\n")
	builder.WriteString(input.Prompt)
	builder.WriteString("\n\n# Response\n")
	builder.WriteString(input.Response)
	builder.WriteString("\nReturn JSON.")
	return builder.String()
}

func buildPortfolioPrompt(input PortfolioInput) string {
	builder := strings.Builder{}
	builder.WriteString("# Skill\n")
	builder.WriteString(input.SkillName)
	builder.WriteString("\n\n# Experience Level\n")
	builder.WriteString(input.ExperienceLevel)
	builder.WriteString("\n\n# Items\n")
	for i, item := range input.Items {
		fmt.Fprintf(&builder, "%d. %s (%s)\n%s\n", i+1, item.Title, item.URL, item.Description)
	}
	builder.WriteString("\nReturn JSON.")
	return builder.String()
}

// clampScore accepts both 0-1 and 0-100 scales and returns an integer percentage.
func clampScore(score float64) int {
	if score > 0 && score <= 1 {
		score *= 100
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return int(math.Round(score))
}
