package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/vetting-api/internal/models"
	dockerexec "github.com/noah-isme/vetting-api/pkg/docker"
)

// CodeRunRequest is one piece of code to run against a challenge's test cases.
type CodeRunRequest struct {
	Code     string
	Language string
	Cases    []models.TestCase
}

// CodeRunResult reports how many cases passed, with one result per case in order.
type CodeRunResult struct {
	Passed  int
	Total   int
	Results []models.TestCaseResult
}

// CodeRunner executes code against test cases. Infrastructure failures are returned
// as errors; failing or crashing user code is reported per case.
type CodeRunner interface {
	Run(ctx context.Context, req CodeRunRequest) (CodeRunResult, error)
	Supports(language string) bool
}

// CodeRunnerConfig describes sandbox limits.
type CodeRunnerConfig struct {
	ExecutionTimeout time.Duration
	MemoryLimitMB    int
	CPUShares        int
	WorkspaceRoot    string
}

type languageConfig struct {
	Image    string
	FileName string
	Command  string
}

// DockerCodeRunner runs each test case in a fresh, network-less container.
type DockerCodeRunner struct {
	executor  dockerexec.Executor
	config    CodeRunnerConfig
	languages map[string]languageConfig
	logger    zerolog.Logger
}

// NewDockerCodeRunner constructs the sandbox-backed code runner.
func NewDockerCodeRunner(executor dockerexec.Executor, cfg CodeRunnerConfig, logger zerolog.Logger) *DockerCodeRunner {
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = os.TempDir()
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 5 * time.Second
	}

	return &DockerCodeRunner{
		executor: executor,
		config:   cfg,
		logger:   logger.With().Str("component", "code_runner").Logger(),
		languages: map[string]languageConfig{
			"python": {
				Image:    "python:3.11-alpine",
				FileName: "main.py",
				Command:  "python main.py",
			},
			"javascript": {
				Image:    "node:20-alpine",
				FileName: "main.js",
				Command:  "node main.js",
			},
			"go": {
				Image:    "golang:1.22-alpine",
				FileName: "main.go",
				Command:  "go run main.go",
			},
		},
	}
}

// Languages lists the supported languages in a stable order.
func (r *DockerCodeRunner) Languages() []string {
	names := make([]string, 0, len(r.languages))
	for name := range r.languages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *DockerCodeRunner) Supports(language string) bool {
	_, ok := r.languages[normalizeLanguage(language)]
	return ok
}

func (r *DockerCodeRunner) Run(ctx context.Context, req CodeRunRequest) (CodeRunResult, error) {
	langCfg, ok := r.languages[normalizeLanguage(req.Language)]
	if !ok {
		return CodeRunResult{}, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, req.Language)
	}

	workspace, err := os.MkdirTemp(r.config.WorkspaceRoot, "challenge-")
	if err != nil {
		return CodeRunResult{}, fmt.Errorf("create workspace: %w", err)
	}
	defer os.RemoveAll(workspace)

	if err := os.WriteFile(filepath.Join(workspace, langCfg.FileName), []byte(req.Code), 0o644); err != nil {
		return CodeRunResult{}, fmt.Errorf("write source: %w", err)
	}

	result := CodeRunResult{Total: len(req.Cases), Results: make([]models.TestCaseResult, 0, len(req.Cases))}
	for i, testCase := range req.Cases {
		inputName := fmt.Sprintf("input_%d.txt", i)
		if err := os.WriteFile(filepath.Join(workspace, inputName), []byte(testCase.Input), 0o644); err != nil {
			return CodeRunResult{}, fmt.Errorf("write input: %w", err)
		}

		execResult, execErr := r.executor.Run(ctx, dockerexec.ExecutionRequest{
			Image:           langCfg.Image,
			Cmd:             []string{"sh", "-c", fmt.Sprintf("%s < %s", langCfg.Command, inputName)},
			Timeout:         r.config.ExecutionTimeout,
			Workspace:       workspace,
			WorkingDir:      "/workspace",
			MemoryLimitMB:   int64(r.config.MemoryLimitMB),
			CPUShares:       int64(r.config.CPUShares),
			NetworkDisabled: true,
			Labels:          map[string]string{"vetting.case": fmt.Sprintf("%d", i)},
		})

		caseResult := models.TestCaseResult{Index: i, Hidden: testCase.IsHidden}
		switch {
		case execErr != nil && execResult.TimedOut:
			caseResult.Error = "time limit exceeded"
		case execErr != nil:
			return CodeRunResult{}, fmt.Errorf("sandbox run: %w", execErr)
		case execResult.ExitCode != 0:
			caseResult.Error = strings.TrimSpace(execResult.Stderr)
			if caseResult.Error == "" {
				caseResult.Error = fmt.Sprintf("process exited with code %d", execResult.ExitCode)
			}
		default:
			caseResult.Passed = normalizeOutput(execResult.Stdout) == normalizeOutput(testCase.ExpectedOutput)
		}
		if !testCase.IsHidden {
			caseResult.ActualOutput = execResult.Stdout
		}

		if caseResult.Passed {
			result.Passed++
		}
		result.Results = append(result.Results, caseResult)
	}

	r.logger.Debug().
		Str("language", req.Language).
		Int("passed", result.Passed).
		Int("total", result.Total).
		Msg("code run completed")

	return result, nil
}

func normalizeLanguage(language string) string {
	return strings.ToLower(strings.TrimSpace(language))
}

func normalizeOutput(output string) string {
	lines := strings.Split(strings.ReplaceAll(output, "\r\n", "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// runChallenge executes code for one challenge, retrying sandbox failures, and
// converts the outcome into a submission. Empty code scores zero without a run.
func runChallenge(ctx context.Context, runner CodeRunner, policy RetryPolicy, logger zerolog.Logger, challenge models.CodingChallenge, answer models.CodeAnswer, at time.Time) (models.CodeSubmission, error) {
	submission := models.CodeSubmission{
		ChallengeID: challenge.ID,
		Language:    normalizeLanguage(answer.Language),
		Code:        answer.Code,
		Total:       len(challenge.TestCases),
		SubmittedAt: at,
	}

	if strings.TrimSpace(answer.Code) == "" || len(challenge.TestCases) == 0 {
		submission.Results = []models.TestCaseResult{}
		return submission, nil
	}
	if runner == nil {
		return models.CodeSubmission{}, fmt.Errorf("%w: code sandbox not configured", ErrExternalGraderUnavailable)
	}

	retryable := func(err error) bool {
		return !isUnsupportedLanguage(err)
	}
	result, err := callExternal(ctx, policy, "code_sandbox", logger, retryable, func(ctx context.Context) (CodeRunResult, error) {
		return runner.Run(ctx, CodeRunRequest{Code: answer.Code, Language: answer.Language, Cases: challenge.TestCases})
	})
	if isUnsupportedLanguage(err) {
		// Saved work in a language the sandbox cannot run still gets a score.
		submission.Results = failedCases(challenge.TestCases, err.Error())
		return submission, nil
	}
	if err != nil {
		return models.CodeSubmission{}, err
	}

	submission.Passed = result.Passed
	submission.Total = result.Total
	submission.Results = result.Results
	submission.Score = PercentScore(result.Passed, result.Total)
	return submission, nil
}

func failedCases(cases []models.TestCase, reason string) []models.TestCaseResult {
	results := make([]models.TestCaseResult, 0, len(cases))
	for i, tc := range cases {
		results = append(results, models.TestCaseResult{Index: i, Hidden: tc.IsHidden, Error: reason})
	}
	return results
}
