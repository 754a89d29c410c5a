package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/sessionrelay/internal/store"
)

func uuidNew() uuid.UUID { return uuid.New() }

func newPool(t *testing.T) (*Pool, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	p := NewPool(ms.Providers(), Config{MaxRetries: 3, FailureThreshold: 5, CooldownDuration: 5 * time.Minute}, slog.Default())
	return p, ms
}

func seedActiveProvider(ms *store.MemoryStore, maxConcurrent, healthScore int) store.Provider {
	p := store.Provider{
		ID:            uuidNew(),
		DisplayName:   "p",
		MaxConcurrent: maxConcurrent,
		Status:        store.ProviderActive,
		HealthScore:   healthScore,
	}
	ms.SeedProvider(p)
	return p
}

func TestPool_AcquireIncrementsLoad(t *testing.T) {
	p, ms := newPool(t)
	prov := seedActiveProvider(ms, 10, 100)

	got, err := p.Acquire(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got.ID != prov.ID {
		t.Fatalf("expected seeded provider, got %v", got.ID)
	}
	if got.CurrentLoad != 1 {
		t.Errorf("expected current_load 1 after acquire, got %d", got.CurrentLoad)
	}
}

func TestPool_AcquireExcludesFullProviders(t *testing.T) {
	p, ms := newPool(t)
	full := store.Provider{ID: uuidNew(), MaxConcurrent: 1, CurrentLoad: 1, Status: store.ProviderActive, HealthScore: 100}
	ms.SeedProvider(full)
	available := seedActiveProvider(ms, 10, 100)

	got, err := p.Acquire(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got.ID != available.ID {
		t.Errorf("expected the non-full provider, got %v", got.ID)
	}
}

func TestPool_AcquireReturnsErrWhenExhausted(t *testing.T) {
	p, _ := newPool(t)
	_, err := p.Acquire(context.Background(), nil, nil)
	if !errors.Is(err, ErrNoAvailableProvider) {
		t.Errorf("expected ErrNoAvailableProvider, got %v", err)
	}
}

func TestPool_ReleaseDecrementsLoadAndRecordsSuccess(t *testing.T) {
	p, ms := newPool(t)
	prov := seedActiveProvider(ms, 10, 50)

	acquired, err := p.Acquire(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	p.Release(context.Background(), acquired.ID, true)

	got, _ := ms.Providers().Get(context.Background(), prov.ID)
	if got.CurrentLoad != 0 {
		t.Errorf("expected current_load back to 0, got %d", got.CurrentLoad)
	}
	if got.HealthScore != 51 {
		t.Errorf("expected health_score incremented to 51, got %d", got.HealthScore)
	}
}

func TestPool_ExecuteSubstitutesOnFailure(t *testing.T) {
	p, ms := newPool(t)
	bad := seedActiveProvider(ms, 10, 100)
	// The substitute is seeded only after the first attempt fails, so the
	// weighted-random pick cannot choose it ahead of the failing provider.
	good := store.Provider{ID: uuidNew(), DisplayName: "p", MaxConcurrent: 10, Status: store.ProviderActive, HealthScore: 90}

	var seen []string
	finalProv, err := p.Execute(context.Background(), nil, func(ctx context.Context, prov *store.Provider) error {
		seen = append(seen, prov.ID.String())
		if prov.ID == bad.ID {
			ms.SeedProvider(good)
			return errors.New("upstream failure")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if finalProv.ID != good.ID {
		t.Errorf("expected execute to succeed against the substitute provider")
	}
	if len(seen) < 2 {
		t.Errorf("expected at least 2 attempts, got %d", len(seen))
	}

	badRow, _ := ms.Providers().Get(context.Background(), bad.ID)
	if badRow.ConsecutiveFailures != 1 {
		t.Errorf("expected bad provider to have recorded one failure, got %d", badRow.ConsecutiveFailures)
	}
}

func TestPool_ExecuteExhaustsRetriesAndSurfacesLastError(t *testing.T) {
	p, ms := newPool(t)
	seedActiveProvider(ms, 10, 100)
	seedActiveProvider(ms, 10, 90)

	wantErr := errors.New("permanent upstream failure")
	_, err := p.Execute(context.Background(), nil, func(ctx context.Context, prov *store.Provider) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected last error surfaced, got %v", err)
	}
}

func TestPool_RecoverCoolingIDs(t *testing.T) {
	p, ms := newPool(t)
	past := time.Now().Add(-time.Second)
	cooling := store.Provider{ID: uuidNew(), Status: store.ProviderCooling, CooldownUntil: &past, MaxConcurrent: 10}
	ms.SeedProvider(cooling)

	n, err := p.RecoverCoolingIDs(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 provider recovered, got %d", n)
	}
}
