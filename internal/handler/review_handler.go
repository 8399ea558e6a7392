package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/vetting-api/internal/dto"
	"github.com/noah-isme/vetting-api/internal/service"
	"github.com/noah-isme/vetting-api/internal/utils"
)

// ReviewHandler serves reviewer endpoints.
type ReviewHandler struct {
	service   service.ReviewService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewReviewHandler builds a review handler.
func NewReviewHandler(service service.ReviewService, validator *validator.Validate, logger zerolog.Logger) *ReviewHandler {
	return &ReviewHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "review_handler").Logger(),
	}
}

// Register attaches the routes to the provided router group.
func (h *ReviewHandler) Register(router fiber.Router) {
	router.Get("/applicants/:id", h.record)
	router.Post("/applicants/:id/decide", h.decide)
	router.Post("/applicants/:id/review", h.review)
	router.Post("/applicants/:id/flags", h.raiseFlag)
	router.Post("/applicants/:id/flags/:flagId/resolve", h.resolveFlag)
}

func (h *ReviewHandler) record(c *fiber.Ctx) error {
	applicantID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendErrorCode(c, fiber.StatusBadRequest, "invalid_submission", err.Error())
	}

	record, err := h.service.Record(withRequestContext(c), applicantID)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "vetting record retrieved", dto.NewReviewRecordResponse(record))
}

func (h *ReviewHandler) decide(c *fiber.Ctx) error {
	applicantID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendErrorCode(c, fiber.StatusBadRequest, "invalid_submission", err.Error())
	}

	record, err := h.service.Decide(withRequestContext(c), applicantID)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "decision recorded", dto.NewReviewRecordResponse(record))
}

func (h *ReviewHandler) review(c *fiber.Ctx) error {
	applicantID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendErrorCode(c, fiber.StatusBadRequest, "invalid_submission", err.Error())
	}

	var payload dto.ReviewRequest
	if err := bindJSON(c, h.validator, &payload); err != nil {
		return h.handleError(c, err)
	}

	record, err := h.service.Review(withRequestContext(c), applicantID, userIDFromContext(c), payload.Decision, payload.Note)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "review recorded", dto.NewReviewRecordResponse(record))
}

func (h *ReviewHandler) raiseFlag(c *fiber.Ctx) error {
	applicantID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendErrorCode(c, fiber.StatusBadRequest, "invalid_submission", err.Error())
	}

	var payload dto.FlagRequest
	if err := bindJSON(c, h.validator, &payload); err != nil {
		return h.handleError(c, err)
	}

	record, err := h.service.RaiseFlag(withRequestContext(c), applicantID, payload.Type, payload.Severity, payload.Description)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "flag raised", dto.NewReviewRecordResponse(record))
}

func (h *ReviewHandler) resolveFlag(c *fiber.Ctx) error {
	applicantID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendErrorCode(c, fiber.StatusBadRequest, "invalid_submission", err.Error())
	}

	record, err := h.service.ResolveFlag(withRequestContext(c), applicantID, c.Params("flagId"), userIDFromContext(c))
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "flag resolved", dto.NewReviewRecordResponse(record))
}

func (h *ReviewHandler) handleError(c *fiber.Ctx, err error) error {
	return writeServiceError(c, h.logger, err)
}
