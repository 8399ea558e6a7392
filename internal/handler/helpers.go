package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/vetting-api/internal/middleware"
	"github.com/noah-isme/vetting-api/internal/service"
	"github.com/noah-isme/vetting-api/internal/utils"
)

const fingerprintHeader = "X-Device-Fingerprint"

func userIDFromContext(c *fiber.Ctx) uint {
	if v := c.Locals("user_id"); v != nil {
		if id, ok := v.(uint); ok {
			return id
		}
		if id, ok := v.(int); ok {
			if id < 0 {
				return 0
			}
			return uint(id)
		}
	}
	return 0
}

func parseUintParam(c *fiber.Ctx, name string) (uint, error) {
	value := strings.TrimSpace(c.Params(name))
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil || parsed == 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return uint(parsed), nil
}

func withRequestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

func clientInfo(c *fiber.Ctx, fingerprint string) service.ClientInfo {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		fingerprint = strings.TrimSpace(c.Get(fingerprintHeader))
	}
	return service.ClientInfo{Fingerprint: fingerprint, IPAddress: c.IP()}
}

// bindJSON parses and validates the body. An empty body leaves payload untouched.
func bindJSON(c *fiber.Ctx, validate *validator.Validate, payload interface{}) error {
	if len(c.Body()) > 0 {
		if err := c.BodyParser(payload); err != nil {
			return fmt.Errorf("%w: invalid request body", service.ErrInvalidSubmission)
		}
	}
	return validate.Struct(payload)
}

func readFormFile(header *multipart.FileHeader, limit int64) ([]byte, error) {
	file, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(io.LimitReader(file, limit))
}

type errorMapping struct {
	target error
	status int
	code   string
}

var serviceErrors = []errorMapping{
	{service.ErrSessionAlreadyOpen, fiber.StatusConflict, "session_already_open"},
	{service.ErrSessionExpired, fiber.StatusGone, "session_expired"},
	{service.ErrSessionClosed, fiber.StatusConflict, "session_closed"},
	{service.ErrStepOutOfOrder, fiber.StatusConflict, "step_out_of_order"},
	{service.ErrPhaseCompleted, fiber.StatusConflict, "phase_completed"},
	{service.ErrStepsIncomplete, fiber.StatusConflict, "steps_incomplete"},
	{service.ErrNotFlagged, fiber.StatusConflict, "not_flagged"},
	{service.ErrUnsupportedDocument, fiber.StatusUnsupportedMediaType, "unsupported_document"},
	{service.ErrInvalidSubmission, fiber.StatusBadRequest, "invalid_submission"},
	{service.ErrUnsupportedLanguage, fiber.StatusBadRequest, "unsupported_language"},
	{service.ErrExternalGraderUnavailable, fiber.StatusServiceUnavailable, "grader_unavailable"},
	{service.ErrInsufficientContent, fiber.StatusUnprocessableEntity, "insufficient_content"},
	{service.ErrApplicantNotEligible, fiber.StatusForbidden, "applicant_not_eligible"},
	{service.ErrApplicantNotFound, fiber.StatusNotFound, "applicant_not_found"},
	{service.ErrRecordNotFound, fiber.StatusNotFound, "record_not_found"},
	{service.ErrSessionNotFound, fiber.StatusNotFound, "session_not_found"},
	{service.ErrSkillFlowNotFound, fiber.StatusNotFound, "skill_test_not_found"},
	{service.ErrFlagNotFound, fiber.StatusNotFound, "flag_not_found"},
}

// writeServiceError maps service errors onto the JSON envelope. Unknown errors are
// logged and hidden behind a 500.
func writeServiceError(c *fiber.Ctx, logger zerolog.Logger, err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		return utils.SendErrorCode(c, fiber.StatusBadRequest, "validation_failed", validationErrors.Error())
	}
	for _, mapping := range serviceErrors {
		if errors.Is(err, mapping.target) {
			return utils.SendErrorCode(c, mapping.status, mapping.code, err.Error())
		}
	}
	requestLogger(logger, c).Error().Err(err).Str("path", c.Path()).Msg("internal server error")
	return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
}
