package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nulpointcorp/sessionrelay/internal/store"
)

func TestNextOccurrence(t *testing.T) {
	now := time.Date(2026, 1, 5, 1, 30, 0, 0, time.Local)

	wait := nextOccurrence(now, 3)
	assert.Equal(t, time.Date(2026, 1, 5, 3, 0, 0, 0, time.Local).Sub(now), wait)

	wait = nextOccurrence(now, 0)
	assert.Equal(t, time.Date(2026, 1, 6, 0, 0, 0, 0, time.Local).Sub(now), wait)
}

func TestNextOccurrence_ExactlyAtHour(t *testing.T) {
	now := time.Date(2026, 1, 5, 3, 0, 0, 0, time.Local)
	wait := nextOccurrence(now, 3)
	assert.Equal(t, 24*time.Hour, wait)
}

func TestLoop_SweepSessions_DeletesExpired(t *testing.T) {
	st := store.NewMemoryStore()
	providerID := uuid.New()
	st.SeedSession(store.Session{
		ID:         uuid.New(),
		UserID:     "u1",
		ProviderID: providerID,
		HeadHash:   "h",
		TailHash:   "t",
		Status:     store.SessionActive,
		ExpiresAt:  time.Now().Add(-time.Hour),
	})

	l := New(st, nil, nil, Config{}, nil)
	l.sweepSessions(context.Background())

	n, err := st.Sessions().CountActive(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestLoop_ResetDailyUsage(t *testing.T) {
	st := store.NewMemoryStore()
	st.SeedAPIKey(store.APIKey{ID: "key-1", DailyUsage: 42, DailyLimit: 100})

	l := New(st, nil, nil, Config{}, nil)
	l.resetDailyUsage(context.Background())

	st.SeedAPIKey(store.APIKey{ID: "key-2", DailyUsage: 7, DailyLimit: 100})
	n, err := st.APIKeys().ResetDailyUsage(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, n, "reset touches every key row, including the one already reset")
}

func TestLoop_StartStop(t *testing.T) {
	st := store.NewMemoryStore()
	l := New(st, nil, nil, Config{SessionSweepInterval: time.Millisecond}, nil)
	l.Start(context.Background())
	time.Sleep(5 * time.Millisecond)
	l.Stop()
}
