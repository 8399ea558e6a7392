package handler

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/noah-isme/vetting-api/internal/dto"
	"github.com/noah-isme/vetting-api/internal/models"
	"github.com/noah-isme/vetting-api/internal/service"
	"github.com/noah-isme/vetting-api/internal/utils"
)

// SkillFlowHandler serves the skill test path.
type SkillFlowHandler struct {
	service   service.SkillFlowService
	validator *validator.Validate
	clock     clockwork.Clock
	logger    zerolog.Logger
}

// NewSkillFlowHandler builds a skill flow handler.
func NewSkillFlowHandler(service service.SkillFlowService, validator *validator.Validate, clock clockwork.Clock, logger zerolog.Logger) *SkillFlowHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SkillFlowHandler{
		service:   service,
		validator: validator,
		clock:     clock,
		logger:    logger.With().Str("component", "skill_flow_handler").Logger(),
	}
}

// Register attaches the routes to the provided router group.
func (h *SkillFlowHandler) Register(router fiber.Router) {
	router.Post("", h.start)
	router.Get("", h.get)
	router.Post("/portfolio", h.submitPortfolio)
	router.Put("/challenges/:id", h.saveChallengeDraft)
	router.Post("/challenges/:id", h.submitChallenge)
	router.Put("/mcq", h.saveMCQ)
	router.Post("/mcq/submit", h.submitMCQ)
}

func (h *SkillFlowHandler) start(c *fiber.Ctx) error {
	var payload dto.SkillFlowStartRequest
	if err := bindJSON(c, h.validator, &payload); err != nil {
		return h.handleError(c, err)
	}

	state, err := h.service.Start(withRequestContext(c), userIDFromContext(c), service.SkillFlowRequest{
		Category: payload.Category,
		Skills:   payload.Skills,
		Language: payload.Language,
	}, clientInfo(c, payload.Fingerprint))
	if err != nil {
		return h.handleError(c, err)
	}

	if state.Resumed {
		return utils.SendSuccess(c, "skill test resumed", h.response(state))
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "skill test started", h.response(state))
}

func (h *SkillFlowHandler) get(c *fiber.Ctx) error {
	state, err := h.service.Get(withRequestContext(c), userIDFromContext(c))
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "skill test retrieved", h.response(state))
}

func (h *SkillFlowHandler) submitPortfolio(c *fiber.Ctx) error {
	var payload dto.PortfolioSubmitRequest
	if err := bindJSON(c, h.validator, &payload); err != nil {
		return h.handleError(c, err)
	}

	state, err := h.service.SubmitPortfolio(withRequestContext(c), userIDFromContext(c), dto.PortfolioItems(payload.Items))
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "portfolio graded", h.response(state))
}

func (h *SkillFlowHandler) saveChallengeDraft(c *fiber.Ctx) error {
	challengeID, answer, err := h.bindChallenge(c)
	if err != nil {
		return h.handleError(c, err)
	}

	state, err := h.service.SaveCodeDraft(withRequestContext(c), userIDFromContext(c), challengeID, answer)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "draft saved", h.response(state))
}

func (h *SkillFlowHandler) submitChallenge(c *fiber.Ctx) error {
	challengeID, answer, err := h.bindChallenge(c)
	if err != nil {
		return h.handleError(c, err)
	}

	state, err := h.service.SubmitChallenge(withRequestContext(c), userIDFromContext(c), challengeID, answer)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "challenge graded", h.response(state))
}

func (h *SkillFlowHandler) bindChallenge(c *fiber.Ctx) (uint, models.CodeAnswer, error) {
	challengeID, err := parseUintParam(c, "id")
	if err != nil {
		return 0, models.CodeAnswer{}, fmt.Errorf("%w: %v", service.ErrInvalidSubmission, err)
	}

	var payload dto.ChallengeSubmitRequest
	if err := bindJSON(c, h.validator, &payload); err != nil {
		return 0, models.CodeAnswer{}, err
	}
	return challengeID, models.CodeAnswer{Language: payload.Language, Code: payload.Code}, nil
}

func (h *SkillFlowHandler) saveMCQ(c *fiber.Ctx) error {
	var payload dto.MCQRequest
	if err := bindJSON(c, h.validator, &payload); err != nil {
		return h.handleError(c, err)
	}

	state, err := h.service.SaveMCQProgress(withRequestContext(c), userIDFromContext(c), payload.Choices)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "answers saved", h.response(state))
}

func (h *SkillFlowHandler) submitMCQ(c *fiber.Ctx) error {
	var payload dto.MCQRequest
	if err := bindJSON(c, h.validator, &payload); err != nil {
		return h.handleError(c, err)
	}

	state, err := h.service.SubmitMCQ(withRequestContext(c), userIDFromContext(c), payload.Choices)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "skill test completed", h.response(state))
}

func (h *SkillFlowHandler) response(state service.SkillFlowState) dto.SkillFlowResponse {
	return dto.NewSkillFlowResponse(state.Flow, state.Session, state.Questions, state.Challenges, state.Resumed, h.clock.Now())
}

func (h *SkillFlowHandler) handleError(c *fiber.Ctx, err error) error {
	return writeServiceError(c, h.logger, err)
}
