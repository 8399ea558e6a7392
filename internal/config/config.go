package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the vetting service.
type Config struct {
	AppName                string
	AppEnv                 string
	AppPort                string
	DatabaseURL            string
	RedisURL               string
	NATSURL                string
	EventChannel           string
	JWTSecret              string
	JWTIssuer              string
	CORSAllowOrigins       string
	IdentityRateLimit      int
	IdentityRateWindow     time.Duration
	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
	DockerHost             string
	ExecutionTimeout       time.Duration
	CodeRunMemoryMB        int
	CodeRunCPUShares       int
	AIProvider             string
	OpenAIAPIKey           string
	OpenAIModel            string
	IdentityProviderURL    string
	IdentityProviderAPIKey string
	Vetting                VettingConfig
}

// VettingConfig groups the knobs of the admission pipeline.
type VettingConfig struct {
	PhaseDurations        map[string]time.Duration
	MCQDurations          map[string]time.Duration
	CodingDurations       map[string]time.Duration
	SkillFlowDuration     time.Duration
	EnglishQuestions      map[string]int
	SignalSeverities      map[string]string
	MediumSignalThreshold int
	GraderMaxAttempts     uint
	GraderInitialBackoff  time.Duration
	GraderMaxBackoff      time.Duration
	SweepInterval         time.Duration
	LockTTL               time.Duration
	Categories            map[string]CategoryConfig
}

// CategoryConfig describes how a skill category is assessed.
type CategoryConfig struct {
	Skills            []string `mapstructure:"skills"`
	AssessmentType    string   `mapstructure:"assessment_type"`
	RequiresPortfolio bool     `mapstructure:"requires_portfolio"`
	CodingChallenges  int      `mapstructure:"coding_challenges"`
	MCQQuestions      int      `mapstructure:"mcq_questions"`
	CodingBlendWeight float64  `mapstructure:"coding_blend_weight"`
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables, an optional .env
// file and an optional vetting.yaml in the working directory.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("VETTING")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigName("vetting")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetDefault("app.name", "Vetting API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("events.channel", "vetting")
	v.SetDefault("cors.allow_origins", "*")
	v.SetDefault("identity.rate_limit", 5)
	v.SetDefault("identity.rate_window", "1m")
	v.SetDefault("cloudinary.folder", "vetting/identity")
	v.SetDefault("execution_timeout_ms", 5000)
	v.SetDefault("code_run_memory_mb", 256)
	v.SetDefault("code_run_cpu_shares", 512)
	v.SetDefault("ai.provider", "openai")
	v.SetDefault("ai.model", "gpt-4o-mini")
	v.SetDefault("vetting.skill_flow_duration", "30m")
	v.SetDefault("vetting.medium_signal_threshold", 3)
	v.SetDefault("vetting.grader_max_attempts", 4)
	v.SetDefault("vetting.grader_initial_backoff", "500ms")
	v.SetDefault("vetting.grader_max_backoff", "8s")
	v.SetDefault("vetting.sweep_interval", "1m")
	v.SetDefault("vetting.lock_ttl", "10s")

	timeoutMs := v.GetInt("execution_timeout_ms")
	if timeoutMs <= 0 {
		timeoutMs = 5000
	}

	vetting := DefaultVettingConfig()
	vetting.SkillFlowDuration = v.GetDuration("vetting.skill_flow_duration")
	vetting.MediumSignalThreshold = v.GetInt("vetting.medium_signal_threshold")
	vetting.GraderMaxAttempts = v.GetUint("vetting.grader_max_attempts")
	vetting.GraderInitialBackoff = v.GetDuration("vetting.grader_initial_backoff")
	vetting.GraderMaxBackoff = v.GetDuration("vetting.grader_max_backoff")
	vetting.SweepInterval = v.GetDuration("vetting.sweep_interval")
	vetting.LockTTL = v.GetDuration("vetting.lock_ttl")

	for phase := range vetting.PhaseDurations {
		if d := v.GetDuration("vetting.durations." + phase); d > 0 {
			vetting.PhaseDurations[phase] = d
		}
	}

	for phase := range vetting.EnglishQuestions {
		if n := v.GetInt("vetting.questions." + phase); n > 0 {
			vetting.EnglishQuestions[phase] = n
		}
	}

	if v.IsSet("vetting.signal_severities") {
		overrides := v.GetStringMapString("vetting.signal_severities")
		for signal, severity := range overrides {
			vetting.SignalSeverities[strings.ToLower(signal)] = strings.ToLower(severity)
		}
	}

	if v.IsSet("vetting.categories") {
		categories := map[string]CategoryConfig{}
		if err := v.UnmarshalKey("vetting.categories", &categories); err != nil {
			return Config{}, fmt.Errorf("invalid vetting categories: %w", err)
		}
		if len(categories) > 0 {
			vetting.Categories = categories
		}
	}

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		DatabaseURL:            v.GetString("database.url"),
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		EventChannel:           v.GetString("events.channel"),
		JWTSecret:              v.GetString("jwt.secret"),
		JWTIssuer:              v.GetString("jwt.issuer"),
		CORSAllowOrigins:       v.GetString("cors.allow_origins"),
		IdentityRateLimit:      v.GetInt("identity.rate_limit"),
		IdentityRateWindow:     v.GetDuration("identity.rate_window"),
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
		DockerHost:             v.GetString("docker_host"),
		ExecutionTimeout:       time.Duration(timeoutMs) * time.Millisecond,
		CodeRunMemoryMB:        v.GetInt("code_run_memory_mb"),
		CodeRunCPUShares:       v.GetInt("code_run_cpu_shares"),
		AIProvider:             strings.ToLower(v.GetString("ai.provider")),
		OpenAIAPIKey:           v.GetString("openai_api_key"),
		OpenAIModel:            v.GetString("ai.model"),
		IdentityProviderURL:    v.GetString("identity.url"),
		IdentityProviderAPIKey: v.GetString("identity.api_key"),
		Vetting:                vetting,
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.CodeRunMemoryMB <= 0 {
		cfg.CodeRunMemoryMB = 256
	}

	if cfg.CodeRunCPUShares <= 0 {
		cfg.CodeRunCPUShares = 512
	}

	return cfg, cfg.Vetting.Validate()
}

// DefaultVettingConfig returns the built-in duration, severity and category tables.
func DefaultVettingConfig() VettingConfig {
	return VettingConfig{
		PhaseDurations: map[string]time.Duration{
			"grammar":         30 * time.Minute,
			"comprehension":   20 * time.Minute,
			"written":         15 * time.Minute,
			"skill_portfolio": 45 * time.Minute,
		},
		MCQDurations: map[string]time.Duration{
			"entry":        30 * time.Minute,
			"intermediate": 45 * time.Minute,
			"expert":       60 * time.Minute,
		},
		CodingDurations: map[string]time.Duration{
			"entry":        60 * time.Minute,
			"intermediate": 120 * time.Minute,
			"expert":       180 * time.Minute,
		},
		SkillFlowDuration: 30 * time.Minute,
		EnglishQuestions: map[string]int{
			"grammar":       20,
			"comprehension": 10,
			"written":       1,
		},
		SignalSeverities: map[string]string{
			"tab_switch":      "medium",
			"window_blur":     "low",
			"copy_attempt":    "medium",
			"paste_attempt":   "medium",
			"right_click":     "low",
			"fullscreen_exit": "high",
		},
		MediumSignalThreshold: 3,
		GraderMaxAttempts:     4,
		GraderInitialBackoff:  500 * time.Millisecond,
		GraderMaxBackoff:      8 * time.Second,
		SweepInterval:         time.Minute,
		LockTTL:               10 * time.Second,
		Categories: map[string]CategoryConfig{
			"web_development": {
				Skills:            []string{"javascript", "typescript", "react", "node.js", "html", "css"},
				AssessmentType:    "coding",
				CodingChallenges:  2,
				MCQQuestions:      10,
				CodingBlendWeight: 0.5,
			},
			"backend_development": {
				Skills:            []string{"go", "python", "java", "sql"},
				AssessmentType:    "coding",
				CodingChallenges:  2,
				MCQQuestions:      10,
				CodingBlendWeight: 0.5,
			},
			"mobile_development": {
				Skills:            []string{"flutter", "swift", "kotlin", "react native"},
				AssessmentType:    "coding",
				RequiresPortfolio: true,
				CodingChallenges:  1,
				MCQQuestions:      10,
				CodingBlendWeight: 0.5,
			},
			"design": {
				Skills:            []string{"ui design", "ux design", "figma", "graphic design"},
				AssessmentType:    "portfolio",
				RequiresPortfolio: true,
				MCQQuestions:      10,
			},
			"writing": {
				Skills:            []string{"copywriting", "content writing", "technical writing"},
				AssessmentType:    "portfolio",
				RequiresPortfolio: true,
				MCQQuestions:      10,
			},
			"marketing": {
				Skills:         []string{"seo", "social media", "digital marketing"},
				AssessmentType: "mcq",
				MCQQuestions:   15,
			},
		},
	}
}

// Validate checks the category table and thresholds for consistency.
func (c VettingConfig) Validate() error {
	if c.MediumSignalThreshold <= 0 {
		return fmt.Errorf("medium signal threshold must be positive")
	}
	if c.SkillFlowDuration <= 0 {
		return fmt.Errorf("skill flow duration must be positive")
	}
	owners := map[string]string{}
	for name, category := range c.Categories {
		for _, skill := range category.Skills {
			key := strings.ToLower(strings.TrimSpace(skill))
			if owner, exists := owners[key]; exists {
				return fmt.Errorf("skill %q listed in both %s and %s", skill, owner, name)
			}
			owners[key] = name
		}
		switch category.AssessmentType {
		case "mcq", "coding", "portfolio":
		default:
			return fmt.Errorf("category %s: unknown assessment type %q", name, category.AssessmentType)
		}
		if category.CodingBlendWeight < 0 || category.CodingBlendWeight > 1 {
			return fmt.Errorf("category %s: coding blend weight must be within [0,1]", name)
		}
		if category.MCQQuestions <= 0 {
			return fmt.Errorf("category %s: mcq question count must be positive", name)
		}
	}
	return nil
}

// CategoryForSkill resolves the configured category of a declared skill.
func (c VettingConfig) CategoryForSkill(skill string) (string, CategoryConfig, bool) {
	needle := strings.ToLower(strings.TrimSpace(skill))
	for name, category := range c.Categories {
		for _, candidate := range category.Skills {
			if strings.ToLower(candidate) == needle {
				return name, category, true
			}
		}
	}
	return "", CategoryConfig{}, false
}
