package scheduler

import (
	"testing"

	"github.com/google/uuid"
	"github.com/nulpointcorp/sessionrelay/internal/store"
)

func TestPickWeighted_ZeroWeightReturnsFirst(t *testing.T) {
	candidates := []store.Provider{
		{ID: uuid.New(), HealthScore: 0, MaxConcurrent: 10, CurrentLoad: 0},
		{ID: uuid.New(), HealthScore: 0, MaxConcurrent: 10, CurrentLoad: 0},
	}
	got := pickWeighted(candidates)
	if got.ID != candidates[0].ID {
		t.Errorf("expected first candidate when all weights are zero")
	}
}

func TestPickWeighted_SingleCandidateAlwaysWins(t *testing.T) {
	candidates := []store.Provider{
		{ID: uuid.New(), HealthScore: 80, MaxConcurrent: 10, CurrentLoad: 3},
	}
	for i := 0; i < 20; i++ {
		got := pickWeighted(candidates)
		if got.ID != candidates[0].ID {
			t.Fatalf("expected the only candidate to be picked")
		}
	}
}

func TestPickWeighted_FavorsHigherWeight(t *testing.T) {
	high := store.Provider{ID: uuid.New(), HealthScore: 100, MaxConcurrent: 10, CurrentLoad: 0}
	low := store.Provider{ID: uuid.New(), HealthScore: 1, MaxConcurrent: 10, CurrentLoad: 9}
	candidates := []store.Provider{high, low}

	highCount := 0
	const trials = 2000
	for i := 0; i < trials; i++ {
		if pickWeighted(candidates).ID == high.ID {
			highCount++
		}
	}

	if highCount < trials*9/10 {
		t.Errorf("expected the much higher weighted candidate to dominate selection, got %d/%d", highCount, trials)
	}
}

func TestWeightOf_FullLoadIsZero(t *testing.T) {
	p := store.Provider{HealthScore: 100, MaxConcurrent: 10, CurrentLoad: 10}
	if w := weightOf(p); w != 0 {
		t.Errorf("expected weight 0 at full load, got %f", w)
	}
}
