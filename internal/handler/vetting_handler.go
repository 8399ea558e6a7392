package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/noah-isme/vetting-api/internal/dto"
	"github.com/noah-isme/vetting-api/internal/models"
	"github.com/noah-isme/vetting-api/internal/service"
	"github.com/noah-isme/vetting-api/internal/utils"
)

const maxIdentityUploadBytes = 10<<20 + 1

// RecordReader loads an applicant's vetting record.
type RecordReader interface {
	Get(ctx context.Context, applicantID uint) (models.VettingRecord, error)
}

// VettingHandler serves the applicant-facing phase endpoints.
type VettingHandler struct {
	identity    service.IdentityService
	english     service.EnglishService
	skills      service.SkillAssessmentService
	submissions service.SubmissionService
	records     RecordReader
	validator   *validator.Validate
	clock       clockwork.Clock
	logger      zerolog.Logger
}

// VettingHandlerDeps groups the services behind the vetting endpoints.
type VettingHandlerDeps struct {
	Identity    service.IdentityService
	English     service.EnglishService
	Skills      service.SkillAssessmentService
	Submissions service.SubmissionService
	Records     RecordReader
	Validator   *validator.Validate
	Clock       clockwork.Clock
	Logger      zerolog.Logger
}

// NewVettingHandler builds the vetting handler.
func NewVettingHandler(deps VettingHandlerDeps) *VettingHandler {
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &VettingHandler{
		identity:    deps.Identity,
		english:     deps.English,
		skills:      deps.Skills,
		submissions: deps.Submissions,
		records:     deps.Records,
		validator:   deps.Validator,
		clock:       clock,
		logger:      deps.Logger.With().Str("component", "vetting_handler").Logger(),
	}
}

// Register attaches the routes to the provided router group.
func (h *VettingHandler) Register(router fiber.Router) {
	router.Get("/record", h.record)
	router.Post("/identity", h.verifyIdentity)
	router.Post("/english/:phase/start", h.startEnglish)
	router.Post("/skills/:skill/start", h.startSkill)
	router.Get("/sessions/:id", h.session)
	router.Put("/sessions/:id/progress", h.saveProgress)
	router.Post("/sessions/:id/submit", h.submit)
	router.Post("/sessions/:id/regrade", h.regrade)
}

func (h *VettingHandler) record(c *fiber.Ctx) error {
	record, err := h.records.Get(withRequestContext(c), userIDFromContext(c))
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "vetting record retrieved", dto.NewVettingRecordResponse(record))
}

func (h *VettingHandler) verifyIdentity(c *fiber.Ctx) error {
	input := service.IdentityInput{
		DocumentType:   c.FormValue("document_type"),
		DocumentNumber: c.FormValue("document_number"),
	}
	for field, target := range map[string]*[]byte{"document": &input.DocumentImage, "selfie": &input.SelfieImage} {
		header, err := c.FormFile(field)
		if err != nil {
			return utils.SendErrorCode(c, fiber.StatusBadRequest, "invalid_submission", field+" file is required")
		}
		raw, err := readFormFile(header, maxIdentityUploadBytes)
		if err != nil {
			return h.handleError(c, err)
		}
		*target = raw
	}

	record, err := h.identity.Verify(withRequestContext(c), userIDFromContext(c), input)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "identity verification recorded", dto.NewVettingRecordResponse(record))
}

func (h *VettingHandler) startEnglish(c *fiber.Ctx) error {
	var payload dto.SessionStartRequest
	if err := bindJSON(c, h.validator, &payload); err != nil {
		return h.handleError(c, err)
	}

	phase := strings.ToLower(strings.TrimSpace(c.Params("phase")))
	started, err := h.english.Start(withRequestContext(c), userIDFromContext(c), phase, clientInfo(c, payload.Fingerprint))
	if err != nil {
		return h.handleError(c, err)
	}
	return h.sendStarted(c, started)
}

func (h *VettingHandler) startSkill(c *fiber.Ctx) error {
	var payload dto.SessionStartRequest
	if err := bindJSON(c, h.validator, &payload); err != nil {
		return h.handleError(c, err)
	}

	started, err := h.skills.Start(withRequestContext(c), userIDFromContext(c), c.Params("skill"), clientInfo(c, payload.Fingerprint))
	if err != nil {
		return h.handleError(c, err)
	}
	return h.sendStarted(c, started)
}

func (h *VettingHandler) sendStarted(c *fiber.Ctx, started service.PhaseSession) error {
	response := dto.NewPhaseSessionResponse(started.Session, started.Questions, started.Challenges, started.Resumed, h.clock.Now())
	if started.Resumed {
		return utils.SendSuccess(c, "session resumed", response)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "session started", response)
}

func (h *VettingHandler) session(c *fiber.Ctx) error {
	session, err := h.submissions.Get(withRequestContext(c), userIDFromContext(c), c.Params("id"))
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "session retrieved", dto.NewSessionResponse(session, h.clock.Now()))
}

func (h *VettingHandler) saveProgress(c *fiber.Ctx) error {
	var payload dto.AnswersRequest
	if err := bindJSON(c, h.validator, &payload); err != nil {
		return h.handleError(c, err)
	}

	session, err := h.submissions.SaveProgress(withRequestContext(c), userIDFromContext(c), c.Params("id"), payload.ToModel())
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "progress saved", dto.NewSessionResponse(session, h.clock.Now()))
}

func (h *VettingHandler) submit(c *fiber.Ctx) error {
	var payload dto.AnswersRequest
	if err := bindJSON(c, h.validator, &payload); err != nil {
		return h.handleError(c, err)
	}

	result, err := h.submissions.Submit(withRequestContext(c), userIDFromContext(c), c.Params("id"), payload.ToModel())
	if err != nil {
		return h.handleError(c, err)
	}
	message := "session graded"
	if result.AlreadyClosed {
		message = fmt.Sprintf("session already closed (%s)", result.Session.CloseReason)
	}
	return h.sendResult(c, message, result)
}

func (h *VettingHandler) regrade(c *fiber.Ctx) error {
	result, err := h.submissions.Regrade(withRequestContext(c), userIDFromContext(c), c.Params("id"))
	if err != nil {
		return h.handleError(c, err)
	}
	return h.sendResult(c, "session regraded", result)
}

func (h *VettingHandler) sendResult(c *fiber.Ctx, message string, result service.SubmissionResult) error {
	response := dto.SubmissionResponse{
		Session:       dto.NewSessionResponse(result.Session, h.clock.Now()),
		Record:        dto.NewVettingRecordResponse(result.Record),
		AlreadyClosed: result.AlreadyClosed,
	}
	return utils.SendSuccess(c, message, response)
}

func (h *VettingHandler) handleError(c *fiber.Ctx, err error) error {
	return writeServiceError(c, h.logger, err)
}
