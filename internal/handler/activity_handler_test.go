package handler_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/vetting-api/internal/dto"
	"github.com/noah-isme/vetting-api/internal/models"
)

func TestSignalsEscalateToFlag(t *testing.T) {
	h := newAPIHarness(t)
	applicantID := h.seedApplicant(t, "seo")
	h.completeSteps(t, applicantID, models.StepIdentity)
	h.seedQuestions(t, models.QuestionKindGrammar, "", "", 20)
	session := startGrammar(t, h, applicantID)

	for _, signal := range []string{"tab_switch", "copy_attempt", "tab_switch", "paste_attempt"} {
		resp := h.do(t, http.MethodPost, sessionPath(session.SessionID, "/signals"), applicantID, roleFreelancer, dto.SignalRequest{Type: signal})
		require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	}

	record, err := h.records.Get(context.Background(), applicantID)
	require.NoError(t, err)
	require.Len(t, record.FraudFlags, 1)
	require.Equal(t, models.SeverityMedium, record.FraudFlags[0].Severity)
	require.Equal(t, session.SessionID, record.FraudFlags[0].SessionID)

	resp := h.do(t, http.MethodGet, "/api/v1/vetting/record", applicantID, roleFreelancer, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.NotContains(t, string(decodeEnvelope(t, resp).Data), "fraud_flags")
}

func TestSignalsRequireOwnedSession(t *testing.T) {
	h := newAPIHarness(t)
	owner := h.seedApplicant(t, "seo")
	other := h.seedApplicant(t, "seo")
	h.completeSteps(t, owner, models.StepIdentity)
	h.seedQuestions(t, models.QuestionKindGrammar, "", "", 20)
	session := startGrammar(t, h, owner)

	resp := h.do(t, http.MethodPost, sessionPath(session.SessionID, "/signals"), other, roleFreelancer, dto.SignalRequest{Type: "tab_switch"})
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp = h.do(t, http.MethodPost, sessionPath(session.SessionID, "/signals"), owner, roleFreelancer, map[string]string{})
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "validation_failed", decodeEnvelope(t, resp).Code)

	resp = h.do(t, http.MethodGet, sessionPath(session.SessionID, "/signals/ws"), owner, roleFreelancer, nil)
	require.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}

func startFiberServer(t *testing.T, app *fiber.App) (string, func()) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		if err := app.Listener(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("fiber listener stopped: %v", err)
		}
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)

	shutdown := func() {
		_ = app.Shutdown()
		_ = listener.Close()
		select {
		case <-done:
		case <-time.After(100 * time.Millisecond):
		}
	}

	return "http://" + listener.Addr().String(), shutdown
}

func TestSignalStreamAcknowledgesSignals(t *testing.T) {
	h := newAPIHarness(t)
	applicantID := h.seedApplicant(t, "seo")
	h.completeSteps(t, applicantID, models.StepIdentity)
	h.seedQuestions(t, models.QuestionKindGrammar, "", "", 20)
	session := startGrammar(t, h, applicantID)

	baseURL, shutdown := startFiberServer(t, h.app)
	defer shutdown()

	url := "ws" + strings.TrimPrefix(baseURL, "http") + sessionPath(session.SessionID, "/signals/ws")
	header := http.Header{
		"X-Test-User": {strconv.FormatUint(uint64(applicantID), 10)},
		"X-Test-Role": {roleFreelancer},
	}
	dialer := websocket.Dialer{HandshakeTimeout: 3 * time.Second}
	conn, resp, err := dialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	var ack struct {
		Type     string `json:"type"`
		Received bool   `json:"received"`
		Error    string `json:"error"`
	}

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "fullscreen_exit"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, conn.ReadJSON(&ack))
	require.True(t, ack.Received)
	require.Equal(t, "fullscreen_exit", ack.Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.ReadJSON(&ack))
	require.False(t, ack.Received)
	require.NotEmpty(t, ack.Error)

	record, err := h.records.Get(context.Background(), applicantID)
	require.NoError(t, err)
	require.Len(t, record.FraudFlags, 1)
	require.Equal(t, models.SeverityHigh, record.FraudFlags[0].Severity)

	_, resp, err = dialer.Dial(url, http.Header{"X-Test-User": {"4242"}, "X-Test-Role": {roleFreelancer}})
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}
