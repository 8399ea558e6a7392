package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/vetting-api/internal/models"
)

func (h *harness) openGrammar(t *testing.T) models.TestSession {
	t.Helper()
	applicantID := h.seedApplicant(t, models.ExperienceEntry, "seo")
	session, err := h.store.Open(context.Background(), grammarRequest(applicantID))
	require.NoError(t, err)
	return session
}

func TestActivityMediumSignalsEscalateAtThreshold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.openGrammar(t)

	h.monitor.Record(ctx, session.SessionID, "tab_switch")
	h.monitor.Record(ctx, session.SessionID, "copy_attempt")
	require.Empty(t, h.record(t, session.ApplicantID).FraudFlags)

	h.monitor.Record(ctx, session.SessionID, "PASTE_ATTEMPT")
	flags := h.record(t, session.ApplicantID).FraudFlags
	require.Len(t, flags, 1)
	require.Equal(t, models.FlagSuspiciousActivity, flags[0].FlagType)
	require.Equal(t, models.SeverityMedium, flags[0].Severity)
	require.Equal(t, session.SessionID, flags[0].SessionID)
	require.Contains(t, flags[0].Description, "copy_attempt, paste_attempt, tab_switch")

	// Another distinct signal in the same session does not raise a second flag.
	h.monitor.Record(ctx, session.SessionID, "fullscreen_exit")
	require.Len(t, h.record(t, session.ApplicantID).FraudFlags, 1)
}

func TestActivityRepeatedSignalCountsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.openGrammar(t)

	for i := 0; i < 5; i++ {
		h.monitor.Record(ctx, session.SessionID, "tab_switch")
	}
	require.Empty(t, h.record(t, session.ApplicantID).FraudFlags)

	signals, err := h.signals.ListBySession(ctx, session.SessionID)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	require.Equal(t, 5, signals[0].Count)
}

func TestActivitySingleHighSignalEscalates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.openGrammar(t)

	h.monitor.Record(ctx, session.SessionID, "window_blur")
	require.Empty(t, h.record(t, session.ApplicantID).FraudFlags)

	h.monitor.Record(ctx, session.SessionID, "fullscreen_exit")
	flags := h.record(t, session.ApplicantID).FraudFlags
	require.Len(t, flags, 1)
	require.Equal(t, models.SeverityHigh, flags[0].Severity)
}

func TestActivityIgnoresClosedAndUnknownSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.openGrammar(t)

	_, _, err := h.store.Close(ctx, session.SessionID, models.CloseReasonSubmitted)
	require.NoError(t, err)

	h.monitor.Record(ctx, session.SessionID, "fullscreen_exit")
	h.monitor.Record(ctx, "does-not-exist", "fullscreen_exit")

	signals, err := h.signals.ListBySession(ctx, session.SessionID)
	require.NoError(t, err)
	require.Empty(t, signals)
	require.Empty(t, h.record(t, session.ApplicantID).FraudFlags)
}

func TestActivityUnknownSignalDefaultsToLow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.openGrammar(t)

	h.monitor.Record(ctx, session.SessionID, "devtools_open")

	signals, err := h.signals.ListBySession(ctx, session.SessionID)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	require.Equal(t, models.SeverityLow, signals[0].Severity)
}
