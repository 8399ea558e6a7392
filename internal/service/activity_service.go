package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/noah-isme/vetting-api/internal/config"
	"github.com/noah-isme/vetting-api/internal/models"
	"github.com/noah-isme/vetting-api/internal/observability"
	"github.com/noah-isme/vetting-api/internal/repository"
)

// ActivityMonitor observes integrity signals. It never fails the caller: errors are
// logged and the signal is dropped.
type ActivityMonitor interface {
	Record(ctx context.Context, sessionID, signalType string)
}

type activityMonitor struct {
	sessions  SessionStore
	signals   repository.ActivitySignalRepository
	records   *RecordStore
	severity  map[string]string
	threshold int
	clock     clockwork.Clock
	logger    zerolog.Logger
}

// NewActivityMonitor constructs the monitor from the configured severity table.
func NewActivityMonitor(sessions SessionStore, signals repository.ActivitySignalRepository, records *RecordStore, cfg config.VettingConfig, clock clockwork.Clock, logger zerolog.Logger) ActivityMonitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	threshold := cfg.MediumSignalThreshold
	if threshold <= 0 {
		threshold = 3
	}
	return &activityMonitor{
		sessions:  sessions,
		signals:   signals,
		records:   records,
		severity:  cfg.SignalSeverities,
		threshold: threshold,
		clock:     clock,
		logger:    logger.With().Str("component", "activity_monitor").Logger(),
	}
}

func (m *activityMonitor) severityOf(signalType string) string {
	if severity, ok := m.severity[signalType]; ok && models.SeverityRank(severity) > 0 {
		return severity
	}
	return models.SeverityLow
}

func (m *activityMonitor) Record(ctx context.Context, sessionID, signalType string) {
	signalType = strings.ToLower(strings.TrimSpace(signalType))
	logger := m.logger.With().Str("session_id", sessionID).Str("signal_type", signalType).Logger()

	session, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		logger.Warn().Err(err).Msg("signal for unknown session dropped")
		return
	}
	if !session.IsOpen() {
		logger.Debug().Msg("signal for closed session ignored")
		return
	}

	now := m.clock.Now().UTC()
	first, err := m.signals.Increment(ctx, models.ActivitySignal{
		SessionID:   sessionID,
		SignalType:  signalType,
		ApplicantID: session.ApplicantID,
		Severity:    m.severityOf(signalType),
		Count:       1,
		FirstSeenAt: now,
		LastSeenAt:  now,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to persist activity signal")
		return
	}
	observability.SignalsRecorded().WithLabelValues(signalType).Inc()
	if !first {
		return
	}

	observed, err := m.signals.ListBySession(ctx, sessionID)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load session signals")
		return
	}

	worst, contributing, escalate := m.evaluate(observed)
	if !escalate {
		return
	}

	description := fmt.Sprintf("suspicious activity during %s session: %s", session.TestType, strings.Join(contributing, ", "))
	flag := m.records.NewFlag(models.FlagSuspiciousActivity, worst, description, sessionID)
	if _, err := m.records.RaiseFlag(ctx, session.ApplicantID, flag); err != nil {
		logger.Warn().Err(err).Msg("failed to raise suspicious activity flag")
	}
}

// evaluate escalates on one high signal or enough distinct medium signals. The
// flag severity is the worst contributing signal.
func (m *activityMonitor) evaluate(signals []models.ActivitySignal) (string, []string, bool) {
	high, medium := 0, 0
	worst := ""
	var contributing []string
	for _, signal := range signals {
		rank := models.SeverityRank(signal.Severity)
		if rank < models.SeverityRank(models.SeverityMedium) {
			continue
		}
		if rank >= models.SeverityRank(models.SeverityHigh) {
			high++
		} else {
			medium++
		}
		if rank > models.SeverityRank(worst) {
			worst = signal.Severity
		}
		contributing = append(contributing, signal.SignalType)
	}
	sort.Strings(contributing)
	return worst, contributing, high > 0 || medium >= m.threshold
}
