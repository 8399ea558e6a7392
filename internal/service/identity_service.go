package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/vetting-api/internal/models"
	"github.com/noah-isme/vetting-api/internal/repository"
	"github.com/noah-isme/vetting-api/pkg/identity"
)

const maxIdentityImageBytes = 10 << 20

// IdentityProvider verifies a document against a selfie.
type IdentityProvider interface {
	Verify(ctx context.Context, req identity.Request) (identity.Result, error)
}

// DocumentArchive keeps a copy of submitted identity images.
type DocumentArchive interface {
	Store(ctx context.Context, applicantID uint, kind string, reader io.Reader) (string, error)
}

// IdentityInput is an identity submission.
type IdentityInput struct {
	DocumentImage  []byte
	SelfieImage    []byte
	DocumentType   string
	DocumentNumber string
}

// IdentityService runs the identity step.
type IdentityService interface {
	Verify(ctx context.Context, applicantID uint, input IdentityInput) (models.VettingRecord, error)
}

type identityService struct {
	applicants repository.ApplicantRepository
	records    *RecordStore
	provider   IdentityProvider
	archive    DocumentArchive
	retry      RetryPolicy
	clock      clockwork.Clock
	logger     zerolog.Logger
	tracer     trace.Tracer
}

// NewIdentityService constructs the identity step service. archive may be nil.
func NewIdentityService(applicants repository.ApplicantRepository, records *RecordStore, provider IdentityProvider, archive DocumentArchive, retry RetryPolicy, clock clockwork.Clock, logger zerolog.Logger) IdentityService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &identityService{
		applicants: applicants,
		records:    records,
		provider:   provider,
		archive:    archive,
		retry:      retry,
		clock:      clock,
		logger:     logger.With().Str("component", "identity_service").Logger(),
		tracer:     otel.Tracer("github.com/noah-isme/vetting-api/internal/service/identity"),
	}
}

func (s *identityService) Verify(ctx context.Context, applicantID uint, input IdentityInput) (models.VettingRecord, error) {
	ctx, span := s.tracer.Start(ctx, "identity.verify", trace.WithAttributes(
		attribute.Int64("applicant.id", int64(applicantID)),
		attribute.String("identity.document_type", input.DocumentType),
	))
	defer span.End()

	if _, err := loadEligibleApplicant(ctx, s.applicants, applicantID); err != nil {
		return models.VettingRecord{}, err
	}

	record, err := s.records.Get(ctx, applicantID)
	if err != nil {
		return models.VettingRecord{}, err
	}
	if err := requireStep(record, ""); err != nil {
		return models.VettingRecord{}, err
	}
	if record.HasStep(models.StepIdentity) {
		return models.VettingRecord{}, ErrPhaseCompleted
	}

	documentType := strings.ToLower(strings.TrimSpace(input.DocumentType))
	if documentType == "" {
		return models.VettingRecord{}, fmt.Errorf("%w: document type is required", ErrInvalidSubmission)
	}
	for name, image := range map[string][]byte{"document": input.DocumentImage, "selfie": input.SelfieImage} {
		if err := checkIdentityImage(name, image); err != nil {
			span.RecordError(err)
			return models.VettingRecord{}, err
		}
	}

	if err := s.records.MarkStarted(ctx, applicantID); err != nil {
		return models.VettingRecord{}, err
	}

	documentURL := s.archiveImage(ctx, applicantID, "document", input.DocumentImage)
	selfieURL := s.archiveImage(ctx, applicantID, "selfie", input.SelfieImage)

	if s.provider == nil {
		return models.VettingRecord{}, fmt.Errorf("%w: identity provider not configured", ErrExternalGraderUnavailable)
	}
	retryable := func(err error) bool {
		return errors.Is(err, identity.ErrUnavailable)
	}
	result, err := callExternal(ctx, s.retry, "identity_provider", s.logger, retryable, func(ctx context.Context) (identity.Result, error) {
		return s.provider.Verify(ctx, identity.Request{
			DocumentImage:  input.DocumentImage,
			SelfieImage:    input.SelfieImage,
			DocumentType:   documentType,
			DocumentNumber: strings.TrimSpace(input.DocumentNumber),
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.VettingRecord{}, err
	}

	status := normalizeIdentityStatus(result.Status)
	span.SetAttributes(attribute.String("identity.status", status))
	now := s.clock.Now().UTC()

	updated, err := s.records.Update(ctx, applicantID, func(record *models.VettingRecord) error {
		score := result.Score
		record.Identity = models.IdentityVerification{
			Status:        status,
			Score:         &score,
			LivenessCheck: result.LivenessCheck,
			DocumentType:  documentType,
			DocumentURL:   documentURL,
			SelfieURL:     selfieURL,
		}
		if status == models.IdentityStatusVerified {
			record.Identity.VerifiedAt = &now
			record.CompleteStep(models.StepIdentity)
		}
		return nil
	})
	if err != nil {
		return models.VettingRecord{}, err
	}

	if !result.LivenessCheck {
		flag := s.records.NewFlag(models.FlagIdentityLiveness, models.SeverityCritical,
			"identity provider liveness check failed", "")
		if _, err := s.records.RaiseFlag(ctx, applicantID, flag); err != nil {
			s.logger.Error().Err(err).Uint("applicant_id", applicantID).Msg("failed to raise liveness flag")
		} else if updated, err = s.records.Get(ctx, applicantID); err != nil {
			return models.VettingRecord{}, err
		}
	}

	s.logger.Info().
		Uint("applicant_id", applicantID).
		Str("status", status).
		Int("score", result.Score).
		Bool("liveness", result.LivenessCheck).
		Msg("identity verification recorded")

	return updated, nil
}

func (s *identityService) archiveImage(ctx context.Context, applicantID uint, kind string, image []byte) string {
	if s.archive == nil {
		return ""
	}
	url, err := s.archive.Store(ctx, applicantID, kind, bytes.NewReader(image))
	if err != nil {
		s.logger.Warn().Err(err).Uint("applicant_id", applicantID).Str("kind", kind).Msg("identity image archival failed")
		return ""
	}
	return url
}

func checkIdentityImage(name string, image []byte) error {
	if len(image) == 0 {
		return fmt.Errorf("%w: %s image is required", ErrInvalidSubmission, name)
	}
	if len(image) > maxIdentityImageBytes {
		return fmt.Errorf("%w: %s image exceeds %d bytes", ErrInvalidSubmission, name, maxIdentityImageBytes)
	}
	detected := mimetype.Detect(image)
	switch {
	case detected.Is("image/jpeg"), detected.Is("image/png"), detected.Is("image/webp"):
		return nil
	default:
		return fmt.Errorf("%w: %s is %s", ErrUnsupportedDocument, name, detected.String())
	}
}

func normalizeIdentityStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case models.IdentityStatusVerified:
		return models.IdentityStatusVerified
	case models.IdentityStatusRejected:
		return models.IdentityStatusRejected
	case models.IdentityStatusPending:
		return models.IdentityStatusPending
	default:
		return models.IdentityStatusFailed
	}
}
