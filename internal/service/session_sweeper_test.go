package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/vetting-api/internal/models"
	"github.com/noah-isme/vetting-api/internal/repository"
)

func TestSessionSweeperClosesInBatches(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	var opened []string
	for applicantID := uint(1); applicantID <= 3; applicantID++ {
		session, err := f.store.Open(ctx, grammarRequest(applicantID))
		require.NoError(t, err)
		opened = append(opened, session.SessionID)
	}
	f.store.Shutdown(ctx)

	restarted := NewSessionStore(f.sessions, f.records, f.clock, zerolog.Nop())
	var graded int32
	restarted.RegisterAutoSubmit(models.TestTypeGrammar, func(ctx context.Context, session models.TestSession) error {
		atomic.AddInt32(&graded, 1)
		return nil
	})
	sweeper := NewSessionSweeper(restarted, f.clock, time.Minute, zerolog.Nop())

	require.Zero(t, sweeper.Sweep(ctx))

	f.clock.Advance(31 * time.Minute)
	require.Equal(t, 3, sweeper.Sweep(ctx))
	require.EqualValues(t, 3, atomic.LoadInt32(&graded))
	require.Zero(t, sweeper.Sweep(ctx))

	for _, id := range opened {
		session, err := restarted.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, models.CloseReasonExpired, session.CloseReason)
	}
}

func TestSessionSweeperRunsOnTicker(t *testing.T) {
	db := setupServiceDB(t)
	clock := clockwork.NewFakeClockAt(testEpoch)
	sessions := repository.NewTestSessionRepository(db)
	records := NewRecordStore(repository.NewVettingRecordRepository(db), NewLocalLocker(), clock, zerolog.Nop())

	// Sessions opened by a replica whose timers are gone.
	owner := NewSessionStore(sessions, records, clock, zerolog.Nop())
	session, err := owner.Open(context.Background(), grammarRequest(1))
	require.NoError(t, err)
	owner.Shutdown(context.Background())

	store := NewSessionStore(sessions, records, clock, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	NewSessionSweeper(store, clock, time.Minute, zerolog.Nop()).Start(ctx)
	clock.BlockUntil(1)

	clock.Advance(31 * time.Minute)
	require.Eventually(t, func() bool {
		stored, err := store.Get(context.Background(), session.SessionID)
		return err == nil && !stored.IsOpen()
	}, 2*time.Second, 10*time.Millisecond)
}
