package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/vetting-api/internal/config"
	"github.com/noah-isme/vetting-api/internal/handler"
	"github.com/noah-isme/vetting-api/internal/models"
	"github.com/noah-isme/vetting-api/internal/repository"
	"github.com/noah-isme/vetting-api/internal/router"
	"github.com/noah-isme/vetting-api/internal/service"
	"github.com/noah-isme/vetting-api/pkg/ai"
	"github.com/noah-isme/vetting-api/pkg/identity"
)

const (
	roleFreelancer = "freelancer"
	roleReviewer   = "reviewer"
)

var testEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
}

func decodeResponse(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, target), string(body))
}

func decodeEnvelope(t *testing.T, resp *http.Response) envelope {
	t.Helper()
	var payload envelope
	decodeResponse(t, resp, &payload)
	return payload
}

type fixedGrader struct {
	score int
}

func (g fixedGrader) GradeWritten(ctx context.Context, input ai.WrittenInput) (ai.WrittenResult, error) {
	return ai.WrittenResult{Score: g.score, Feedback: "clear"}, nil
}

func (g fixedGrader) GradePortfolio(ctx context.Context, input ai.PortfolioInput) (ai.PortfolioResult, error) {
	return ai.PortfolioResult{Score: g.score, Feedback: "solid"}, nil
}

type verifiedProvider struct{}

func (verifiedProvider) Verify(ctx context.Context, req identity.Request) (identity.Result, error) {
	return identity.Result{Status: models.IdentityStatusVerified, Score: 90, LivenessCheck: true}, nil
}

type discardArchive struct{}

func (discardArchive) Store(ctx context.Context, applicantID uint, kind string, reader io.Reader) (string, error) {
	_, err := io.Copy(io.Discard, reader)
	return "archive/" + kind, err
}

type apiHarness struct {
	app        *fiber.App
	db         *gorm.DB
	applicants repository.ApplicantRepository
	records    *service.RecordStore
	store      service.SessionStore
}

// stubAuth reads the caller from test headers in place of a signed token.
func stubAuth(c *fiber.Ctx) error {
	if raw := c.Get("X-Test-User"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fiber.ErrUnauthorized
		}
		c.Locals("user_id", uint(id))
	}
	if role := c.Get("X-Test-Role"); role != "" {
		c.Locals("user_role", role)
	}
	return c.Next()
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.All()...))

	clock := clockwork.NewFakeClockAt(testEpoch)
	logger := zerolog.Nop()
	locker := service.NewLocalLocker()
	cfg := config.DefaultVettingConfig()
	retry := service.RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	validate := validator.New(validator.WithRequiredStructEnabled())
	grader := fixedGrader{score: 80}

	applicants := repository.NewApplicantRepository(db)
	bank := repository.NewQuestionBankRepository(db)
	signals := repository.NewActivitySignalRepository(db)
	sessions := repository.NewTestSessionRepository(db)
	flows := repository.NewSkillTestSessionRepository(db)

	notifier := service.NewNotificationService(nil, nil, "vetting-test", clock, logger)
	records := service.NewRecordStore(repository.NewVettingRecordRepository(db), locker, clock, logger)
	store := service.NewSessionStore(sessions, records, clock, logger)
	decider := service.NewDecisionEngine(records, service.NewApplicantRemover(applicants, clock), notifier, clock, logger)
	grading := service.NewGradingService(sessions, records, locker, decider, clock, logger)

	identityService := service.NewIdentityService(applicants, records, verifiedProvider{}, discardArchive{}, retry, clock, logger)
	english := service.NewEnglishService(service.EnglishDependencies{
		Applicants: applicants,
		Bank:       bank,
		Signals:    signals,
		Store:      store,
		Records:    records,
		Written:    grader,
		Config:     cfg,
		Retry:      retry,
		Clock:      clock,
		Logger:     logger,
	})
	skillDeps := service.SkillDependencies{
		Applicants: applicants,
		Bank:       bank,
		Signals:    signals,
		Flows:      flows,
		Store:      store,
		Grading:    grading,
		Records:    records,
		Locker:     locker,
		Portfolio:  grader,
		Config:     cfg,
		Retry:      retry,
		Clock:      clock,
		Logger:     logger,
	}
	skills := service.NewSkillAssessmentService(skillDeps)
	flow := service.NewSkillFlowService(skillDeps)

	service.RegisterPhase(store, grading, english, models.TestTypeGrammar, models.TestTypeComprehension, models.TestTypeWritten)
	service.RegisterPhase(store, grading, skills, models.TestTypeSkillMCQ, models.TestTypeSkillCoding, models.TestTypeSkillPortfolio)
	service.RegisterPhase(store, grading, flow, models.TestTypeSkillFlow)

	submissions := service.NewSubmissionService(store, grading, records, clock, logger)
	monitor := service.NewActivityMonitor(store, signals, records, cfg, clock, logger)
	review := service.NewReviewService(records, decider, notifier, clock, logger)

	app := fiber.New()
	router.Register(app, config.Config{AppName: "Vetting API Test", AppEnv: "test"}, router.Dependencies{
		VettingHandler: handler.NewVettingHandler(handler.VettingHandlerDeps{
			Identity:    identityService,
			English:     english,
			Skills:      skills,
			Submissions: submissions,
			Records:     records,
			Validator:   validate,
			Clock:       clock,
			Logger:      logger,
		}),
		SkillFlowHandler: handler.NewSkillFlowHandler(flow, validate, clock, logger),
		ActivityHandler:  handler.NewActivityHandler(monitor, submissions, validate, logger),
		ReviewHandler:    handler.NewReviewHandler(review, validate, logger),
		JWTMiddleware:    stubAuth,
	})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		store.Shutdown(ctx)
	})

	return &apiHarness{app: app, db: db, applicants: applicants, records: records, store: store}
}

func (h *apiHarness) seedApplicant(t *testing.T, skills ...string) uint {
	t.Helper()
	applicant := models.Applicant{
		Name:            "Applicant " + uuid.NewString()[:8],
		Email:           uuid.NewString() + "@example.com",
		Role:            models.ApplicantRoleFreelancer,
		ExperienceLevel: models.ExperienceEntry,
		Skills:          datatypes.JSONSlice[string](skills),
		Status:          models.ApplicantStatusActive,
	}
	require.NoError(t, h.applicants.Create(context.Background(), &applicant))
	return applicant.ID
}

func (h *apiHarness) seedQuestions(t *testing.T, kind, category, level string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		question := models.Question{
			Kind:        kind,
			Category:    category,
			Level:       level,
			Prompt:      fmt.Sprintf("%s question %d", kind, i+1),
			Options:     datatypes.JSONSlice[string]{"right", "wrong"},
			AnswerIndex: 0,
		}
		require.NoError(t, h.db.Create(&question).Error)
	}
}

func (h *apiHarness) completeSteps(t *testing.T, applicantID uint, steps ...string) {
	t.Helper()
	_, err := h.records.Update(context.Background(), applicantID, func(record *models.VettingRecord) error {
		score := 85
		record.Started()
		for _, step := range steps {
			switch step {
			case models.StepIdentity:
				record.Identity.Status = models.IdentityStatusVerified
				record.Identity.Score = &score
			case models.StepEnglish:
				record.English.GrammarScore = &score
				record.English.ComprehensionScore = &score
				record.English.WrittenResponseScore = &score
				record.English.OverallScore = &score
			}
			record.CompleteStep(step)
		}
		return nil
	})
	require.NoError(t, err)
}

func (h *apiHarness) do(t *testing.T, method, path string, userID uint, role string, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", fiber.MIMEApplicationJSON)
	}
	if userID != 0 {
		req.Header.Set("X-Test-User", strconv.FormatUint(uint64(userID), 10))
	}
	if role != "" {
		req.Header.Set("X-Test-Role", role)
	}
	resp, err := h.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func choicesFor(questionIDs []uint, correct int) map[string]int {
	choices := make(map[string]int, len(questionIDs))
	for i, id := range questionIDs {
		choice := 1
		if i < correct {
			choice = 0
		}
		choices[strconv.FormatUint(uint64(id), 10)] = choice
	}
	return choices
}

func sessionPath(sessionID string, suffix ...string) string {
	return "/api/v1/vetting/sessions/" + sessionID + strings.Join(suffix, "")
}
