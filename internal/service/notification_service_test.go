package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/vetting-api/internal/models"
)

func TestSubjectUsesDottedChannelBase(t *testing.T) {
	require.Equal(t, "vetting.events.decision", Subject("vetting:events", EventDecision))
	require.Equal(t, "vetting.account_removed", Subject("vetting", EventAccountRemoved))
}

func TestNotificationServicePublishesToRedis(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pubsub := client.Subscribe(ctx, Subject("vetting:events", EventDecision), Subject("vetting:events", EventAccountRemoved))
	defer pubsub.Close()
	_, err := pubsub.Receive(ctx)
	require.NoError(t, err)

	notifier := NewNotificationService(client, nil, "vetting:events", clockwork.NewFakeClockAt(testEpoch), zerolog.Nop())

	score := 81.5
	notifier.DecisionMade(ctx, models.VettingRecord{ApplicantID: 12, Status: models.VettingStatusApproved, OverallScore: &score})
	notifier.AccountRemoved(ctx, 13, "below minimum score: skills 40.0")

	var events []VettingEvent
	for len(events) < 2 {
		msg, err := pubsub.ReceiveMessage(ctx)
		require.NoError(t, err)
		var event VettingEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
		require.Equal(t, Subject("vetting:events", event.Event), msg.Channel)
		events = append(events, event)
	}

	require.Equal(t, EventDecision, events[0].Event)
	require.Equal(t, uint(12), events[0].ApplicantID)
	require.Equal(t, models.VettingStatusApproved, events[0].Status)
	require.InDelta(t, 81.5, *events[0].OverallScore, 0.001)
	require.True(t, testEpoch.Equal(events[0].SentAt))
	require.NotEmpty(t, events[0].Source)

	require.Equal(t, EventAccountRemoved, events[1].Event)
	require.Equal(t, uint(13), events[1].ApplicantID)
	require.Contains(t, events[1].Reason, "skills 40.0")
}

func TestNotificationServiceToleratesMissingTransports(t *testing.T) {
	notifier := NewNotificationService(nil, nil, "", nil, zerolog.Nop())
	require.NotPanics(t, func() {
		notifier.DecisionMade(context.Background(), models.VettingRecord{ApplicantID: 1})
	})
}
