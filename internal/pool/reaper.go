package pool

import (
	"context"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/itstheanurag/judgebox/internal/metrics"
	"github.com/itstheanurag/judgebox/internal/sandbox"
	"github.com/rs/zerolog"
)

// Reaper remembers containers whose removal failed so they can be retried
// later instead of leaking silently.
type Reaper struct {
	rt     sandbox.Runtime
	logger *zerolog.Logger
	ids    mapset.Set[string]
}

func NewReaper(rt sandbox.Runtime, logger *zerolog.Logger) *Reaper {
	return &Reaper{rt: rt, logger: logger, ids: mapset.NewSet[string]()}
}

func (r *Reaper) Add(id string) {
	r.ids.Add(id)
	metrics.LeakedContainers.Set(float64(r.ids.Cardinality()))
}

// Pending returns the ids still awaiting removal, sorted.
func (r *Reaper) Pending() []string {
	ids := r.ids.ToSlice()
	sort.Strings(ids)
	return ids
}

// Sweep retries every pending removal and returns how many remain.
func (r *Reaper) Sweep(ctx context.Context) int {
	for _, id := range r.Pending() {
		if err := r.rt.RemoveContainer(ctx, id); err != nil {
			r.logger.Warn().Err(err).Str("container", id).Msg("reaper could not remove container")
			continue
		}
		r.ids.Remove(id)
		r.logger.Info().Str("container", id).Msg("reaped leaked container")
	}
	left := r.ids.Cardinality()
	metrics.LeakedContainers.Set(float64(left))
	return left
}
