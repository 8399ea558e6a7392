package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/vetting-api/internal/models"
	"github.com/noah-isme/vetting-api/internal/observability"
)

// Event names published by the notifier.
const (
	EventDecision       = "decision"
	EventAccountRemoved = "account_removed"
)

// Notifier fans admission outcomes out to the rest of the platform. Delivery is
// best-effort and never fails the caller.
type Notifier interface {
	DecisionMade(ctx context.Context, record models.VettingRecord)
	AccountRemoved(ctx context.Context, applicantID uint, reason string)
}

// VettingEvent is the JSON payload published for every notification.
type VettingEvent struct {
	Event        string    `json:"event"`
	Source       string    `json:"source"`
	ApplicantID  uint      `json:"applicant_id"`
	Status       string    `json:"status,omitempty"`
	OverallScore *float64  `json:"overall_score,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	SentAt       time.Time `json:"sent_at"`
}

type notificationService struct {
	redis       *redis.Client
	nats        *nats.Conn
	channelBase string
	clock       clockwork.Clock
	logger      zerolog.Logger
	nodeID      string
}

// NewNotificationService constructs a notifier publishing to redis pub/sub and NATS.
// Either transport may be nil.
func NewNotificationService(redisClient *redis.Client, natsConn *nats.Conn, channelBase string, clock clockwork.Clock, logger zerolog.Logger) Notifier {
	if channelBase == "" {
		channelBase = "vetting"
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &notificationService{
		redis:       redisClient,
		nats:        natsConn,
		channelBase: channelBase,
		clock:       clock,
		logger:      logger.With().Str("component", "notification_service").Logger(),
		nodeID:      uuid.NewString(),
	}
}

// Subject returns the NATS subject and redis channel used for an event.
func Subject(channelBase, event string) string {
	return strings.ReplaceAll(channelBase, ":", ".") + "." + event
}

func (s *notificationService) DecisionMade(ctx context.Context, record models.VettingRecord) {
	s.publish(ctx, VettingEvent{
		Event:        EventDecision,
		ApplicantID:  record.ApplicantID,
		Status:       record.Status,
		OverallScore: record.OverallScore,
	})
}

func (s *notificationService) AccountRemoved(ctx context.Context, applicantID uint, reason string) {
	s.publish(ctx, VettingEvent{
		Event:       EventAccountRemoved,
		ApplicantID: applicantID,
		Status:      models.VettingStatusRejected,
		Reason:      reason,
	})
}

func (s *notificationService) publish(ctx context.Context, event VettingEvent) {
	event.Source = s.nodeID
	event.SentAt = s.clock.Now().UTC()

	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error().Err(err).Str("event", event.Event).Msg("failed to encode vetting event")
		return
	}

	subject := Subject(s.channelBase, event.Event)
	logger := s.logger.With().Str("event", event.Event).Uint("applicant_id", event.ApplicantID).Logger()

	if s.redis != nil {
		if err := s.redis.Publish(ctx, subject, payload).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis publish failed")
		}
	}
	if s.nats != nil {
		if err := s.nats.Publish(subject, payload); err != nil {
			logger.Warn().Err(err).Msg("nats publish failed")
		}
	}

	observability.NotificationsPublished().WithLabelValues(event.Event).Inc()
	logger.Debug().Str("subject", subject).Msg("vetting event published")
}
