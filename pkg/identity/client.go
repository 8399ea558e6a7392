package identity

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	verifyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vetting",
		Subsystem: "identity",
		Name:      "verify_duration_seconds",
		Help:      "Duration of identity provider verification calls",
	}, []string{"outcome"})
)

// ErrUnavailable marks provider failures that are worth retrying.
var ErrUnavailable = errors.New("identity provider unavailable")

// Request is the payload submitted to the identity provider.
type Request struct {
	DocumentImage  []byte
	SelfieImage    []byte
	DocumentType   string
	DocumentNumber string
}

// Result is the provider verdict.
type Result struct {
	Status        string `json:"status"`
	Score         int    `json:"score"`
	LivenessCheck bool   `json:"liveness_check"`
}

// Config configures the HTTP identity provider client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Client talks to the identity verification provider over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	tracer  trace.Tracer
	logger  zerolog.Logger
}

// NewClient builds a provider client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("identity provider url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		tracer:  otel.Tracer("github.com/noah-isme/vetting-api/pkg/identity"),
		logger:  cfg.Logger.With().Str("component", "identity_client").Logger(),
	}, nil
}

type verifyPayload struct {
	DocumentImage  string `json:"document_image"`
	SelfieImage    string `json:"selfie_image"`
	DocumentType   string `json:"document_type"`
	DocumentNumber string `json:"document_number"`
}

// Verify submits the document and selfie and returns the provider verdict.
// Transport errors and 5xx/429 responses wrap ErrUnavailable.
func (c *Client) Verify(ctx context.Context, req Request) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "identity.verify", trace.WithAttributes(
		attribute.String("document.type", req.DocumentType),
	))
	defer span.End()

	start := time.Now()
	result, err := c.verify(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("identity.status", result.Status))
	}
	verifyDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	return result, err
}

func (c *Client) verify(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(verifyPayload{
		DocumentImage:  base64.StdEncoding.EncodeToString(req.DocumentImage),
		SelfieImage:    base64.StdEncoding.EncodeToString(req.SelfieImage),
		DocumentType:   req.DocumentType,
		DocumentNumber: req.DocumentNumber,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode verify payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/verifications", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build verify request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return Result{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return Result{}, fmt.Errorf("identity provider rejected request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return Result{}, fmt.Errorf("decode verify response: %w", err)
	}
	result.Status = strings.ToLower(strings.TrimSpace(result.Status))
	if result.Score < 0 {
		result.Score = 0
	}
	if result.Score > 100 {
		result.Score = 100
	}

	c.logger.Debug().Str("status", result.Status).Int("score", result.Score).Msg("identity verified")

	return result, nil
}
