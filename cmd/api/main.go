package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/vetting-api/internal/config"
	"github.com/noah-isme/vetting-api/internal/database"
	"github.com/noah-isme/vetting-api/internal/handler"
	"github.com/noah-isme/vetting-api/internal/middleware"
	"github.com/noah-isme/vetting-api/internal/models"
	"github.com/noah-isme/vetting-api/internal/observability"
	"github.com/noah-isme/vetting-api/internal/repository"
	"github.com/noah-isme/vetting-api/internal/router"
	"github.com/noah-isme/vetting-api/internal/service"
	"github.com/noah-isme/vetting-api/pkg/ai"
	cloud "github.com/noah-isme/vetting-api/pkg/cloudinary"
	dockerexec "github.com/noah-isme/vetting-api/pkg/docker"
	"github.com/noah-isme/vetting-api/pkg/identity"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()
	clock := clockwork.NewRealClock()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(models.All()...); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	var redisClient *redis.Client
	var locker service.Locker = service.NewLocalLocker()
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(context.Background(), cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
		locker = service.NewRedisLocker(redisClient, "vetting:lock:", cfg.Vetting.LockTTL, logger)
	} else {
		logger.Warn().Msg("redis not configured, using in-process locks")
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Drain()
	}

	executor, err := dockerexec.NewDockerExecutor(dockerexec.Config{
		Host:          cfg.DockerHost,
		Timeout:       cfg.ExecutionTimeout,
		MemoryLimitMB: int64(cfg.CodeRunMemoryMB),
		CPUShares:     int64(cfg.CodeRunCPUShares),
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("failed to create docker executor: %v", err)
	}
	defer executor.Close()

	if cfg.AIProvider != "openai" {
		log.Fatalf("unsupported ai provider %q", cfg.AIProvider)
	}
	grader, err := ai.NewOpenAIGrader(ai.OpenAIConfig{
		APIKey: cfg.OpenAIAPIKey,
		Model:  cfg.OpenAIModel,
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("failed to create ai grader: %v", err)
	}

	identityClient, err := identity.NewClient(identity.Config{
		BaseURL: cfg.IdentityProviderURL,
		APIKey:  cfg.IdentityProviderAPIKey,
		Logger:  logger,
	})
	if err != nil {
		log.Fatalf("failed to create identity client: %v", err)
	}

	archive, err := cloud.New(cloud.Config{
		CloudName: cfg.CloudinaryCloudName,
		APIKey:    cfg.CloudinaryAPIKey,
		APISecret: cfg.CloudinaryAPISecret,
		Folder:    cfg.CloudinaryUploadFolder,
	}, logger)
	if err != nil {
		log.Fatalf("failed to create cloudinary client: %v", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	retry := service.RetryPolicy{
		MaxAttempts:    cfg.Vetting.GraderMaxAttempts,
		InitialBackoff: cfg.Vetting.GraderInitialBackoff,
		MaxBackoff:     cfg.Vetting.GraderMaxBackoff,
	}

	applicantRepo := repository.NewApplicantRepository(db)
	bankRepo := repository.NewQuestionBankRepository(db)
	signalRepo := repository.NewActivitySignalRepository(db)
	sessionRepo := repository.NewTestSessionRepository(db)
	flowRepo := repository.NewSkillTestSessionRepository(db)
	recordRepo := repository.NewVettingRecordRepository(db)

	notifier := service.NewNotificationService(redisClient, natsConn, cfg.EventChannel, clock, logger)
	records := service.NewRecordStore(recordRepo, locker, clock, logger)
	store := service.NewSessionStore(sessionRepo, records, clock, logger)
	decider := service.NewDecisionEngine(records, service.NewApplicantRemover(applicantRepo, clock), notifier, clock, logger)
	grading := service.NewGradingService(sessionRepo, records, locker, decider, clock, logger)

	runner := service.NewDockerCodeRunner(executor, service.CodeRunnerConfig{
		ExecutionTimeout: cfg.ExecutionTimeout,
		MemoryLimitMB:    cfg.CodeRunMemoryMB,
		CPUShares:        cfg.CodeRunCPUShares,
	}, logger)

	identityService := service.NewIdentityService(applicantRepo, records, identityClient, archive, retry, clock, logger)
	englishService := service.NewEnglishService(service.EnglishDependencies{
		Applicants: applicantRepo,
		Bank:       bankRepo,
		Signals:    signalRepo,
		Store:      store,
		Records:    records,
		Written:    grader,
		Config:     cfg.Vetting,
		Retry:      retry,
		Clock:      clock,
		Logger:     logger,
	})
	skillDeps := service.SkillDependencies{
		Applicants: applicantRepo,
		Bank:       bankRepo,
		Signals:    signalRepo,
		Flows:      flowRepo,
		Store:      store,
		Grading:    grading,
		Records:    records,
		Locker:     locker,
		Runner:     runner,
		Portfolio:  grader,
		Config:     cfg.Vetting,
		Retry:      retry,
		Clock:      clock,
		Logger:     logger,
	}
	skillService := service.NewSkillAssessmentService(skillDeps)
	flowService := service.NewSkillFlowService(skillDeps)

	service.RegisterPhase(store, grading, englishService, models.TestTypeGrammar, models.TestTypeComprehension, models.TestTypeWritten)
	service.RegisterPhase(store, grading, skillService, models.TestTypeSkillMCQ, models.TestTypeSkillCoding, models.TestTypeSkillPortfolio)
	service.RegisterPhase(store, grading, flowService, models.TestTypeSkillFlow)

	submissionService := service.NewSubmissionService(store, grading, records, clock, logger)
	monitor := service.NewActivityMonitor(store, signalRepo, records, cfg.Vetting, clock, logger)
	reviewService := service.NewReviewService(records, decider, notifier, clock, logger)

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	restored, err := store.Restore(bootCtx)
	bootCancel()
	if err != nil {
		log.Fatalf("failed to restore open sessions: %v", err)
	}
	logger.Info().Int("sessions", restored).Msg("session timers restored")

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	service.NewSessionSweeper(store, clock, cfg.Vetting.SweepInterval, logger).Start(workerCtx)

	vettingHandler := handler.NewVettingHandler(handler.VettingHandlerDeps{
		Identity:    identityService,
		English:     englishService,
		Skills:      skillService,
		Submissions: submissionService,
		Records:     records,
		Validator:   validate,
		Clock:       clock,
		Logger:      logger,
	})
	skillFlowHandler := handler.NewSkillFlowHandler(flowService, validate, clock, logger)
	activityHandler := handler.NewActivityHandler(monitor, submissionService, validate, logger)
	reviewHandler := handler.NewReviewHandler(reviewService, validate, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    16 * 1024 * 1024,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AllowOrigins: cfg.CORSAllowOrigins})
	router.Register(app, cfg, router.Dependencies{
		VettingHandler:   vettingHandler,
		SkillFlowHandler: skillFlowHandler,
		ActivityHandler:  activityHandler,
		ReviewHandler:    reviewHandler,
		JWTMiddleware:    middleware.JWTProtected(middleware.JWTConfig{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}),
		MetricsHandler:   observability.MetricsHandler(),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, store, stopWorkers)
}

func waitForShutdown(app *fiber.App, store service.SessionStore, stopWorkers context.CancelFunc) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	stopWorkers()
	store.Shutdown(ctx)

	log.Println("server stopped")
}
