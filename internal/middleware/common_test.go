package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/vetting-api/internal/utils"
)

func TestRateLimitKeysOnUserAndRepliesWithEnvelope(t *testing.T) {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		if id := c.Get("X-Test-User"); id == "1" {
			c.Locals("user_id", uint(1))
		} else if id == "2" {
			c.Locals("user_id", uint(2))
		}
		return c.Next()
	})
	app.Use(RateLimit("identity", 1, time.Minute))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	call := func(user string) *http.Response {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if user != "" {
			req.Header.Set("X-Test-User", user)
		}
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		return resp
	}

	require.Equal(t, fiber.StatusNoContent, call("1").StatusCode)
	require.Equal(t, fiber.StatusNoContent, call("2").StatusCode)
	require.Equal(t, fiber.StatusNoContent, call("").StatusCode)

	resp := call("1")
	require.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get(fiber.HeaderRetryAfter))

	var body utils.APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.False(t, body.Success)
	require.Equal(t, "rate_limited", body.Code)
}

func TestCorrelationIDReplacesUnsafeValues(t *testing.T) {
	app := fiber.New()
	app.Use(CorrelationID())
	app.Get("/", func(c *fiber.Ctx) error {
		c.Set("X-Context-ID", CorrelationIDFromContext(c.UserContext()))
		return c.SendStatus(fiber.StatusNoContent)
	})

	call := func(header string) string {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set(CorrelationHeader, header)
		}
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		require.Equal(t, fiber.StatusNoContent, resp.StatusCode)
		require.Equal(t, resp.Header.Get(CorrelationHeader), resp.Header.Get("X-Context-ID"))
		return resp.Header.Get(CorrelationHeader)
	}

	require.Equal(t, "req-123.a_b", call("req-123.a_b"))

	generated := call("")
	require.Len(t, generated, 36)

	injected := call("abc\"}{evil")
	require.NotContains(t, injected, "evil")
	require.Len(t, injected, 36)

	tooLong := call(strings.Repeat("a", maxCorrelationIDLength+1))
	require.Len(t, tooLong, 36)
}
