package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClampScoreNormalisesScales(t *testing.T) {
	require.Equal(t, 85, clampScore(0.85))
	require.Equal(t, 85, clampScore(85))
	require.Equal(t, 100, clampScore(140))
	require.Equal(t, 0, clampScore(-3))
	require.Equal(t, 0, clampScore(0))
}

func TestOpenAIGraderGradeWrittenParsesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"model":   "gpt-4o-mini",
			"choices": []map[string]interface{}{{"index": 0, "message": map[string]string{"role": "assistant", "content": `{"score": 85, "feedback": "clear"}`}, "finish_reason": "stop"}},
			"usage":   map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
	defer server.Close()

	grader, err := NewOpenAIGrader(OpenAIConfig{APIKey: "key", BaseURL: server.URL})
	require.NoError(t, err)

	result, err := grader.GradeWritten(context.Background(), WrittenInput{Prompt: "Describe a project", Response: "I built..."})
	require.NoError(t, err)
	require.Equal(t, 85, result.Score)
	require.Equal(t, "clear", result.Feedback)
}

func TestOpenAIGraderGradePortfolioWithoutItems(t *testing.T) {
	grader, err := NewOpenAIGrader(OpenAIConfig{APIKey: "key", BaseURL: "http://127.0.0.1:0"})
	require.NoError(t, err)

	result, err := grader.GradePortfolio(context.Background(), PortfolioInput{SkillName: "figma"})
	require.NoError(t, err)
	require.Zero(t, result.Score)
}

func TestNewOpenAIGraderRequiresKey(t *testing.T) {
	_, err := NewOpenAIGrader(OpenAIConfig{})
	require.Error(t, err)
}
