package scheduler

import (
	"math/rand"

	"github.com/nulpointcorp/sessionrelay/internal/store"
)

// weightOf computes the selection weight for a candidate provider:
// health_score * (1 - current_load/max_concurrent). A provider already at
// max_concurrent never reaches this stage (the selection query excludes it),
// but the formula is written defensively in case max_concurrent is 0.
func weightOf(p store.Provider) float64 {
	if p.MaxConcurrent <= 0 {
		return 0
	}
	load := float64(p.CurrentLoad) / float64(p.MaxConcurrent)
	w := float64(p.HealthScore) * (1 - load)
	if w < 0 {
		return 0
	}
	return w
}

// pickWeighted samples one candidate proportionally to weightOf. If every
// candidate has weight 0, it returns the first candidate rather than
// refusing to pick.
func pickWeighted(candidates []store.Provider) store.Provider {
	total := 0.0
	weights := make([]float64, len(candidates))
	for i, p := range candidates {
		weights[i] = weightOf(p)
		total += weights[i]
	}

	if total == 0 {
		return candidates[0]
	}

	r := rand.Float64() * total
	acc := 0.0
	for i, w := range weights {
		acc += w
		if r < acc {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}
