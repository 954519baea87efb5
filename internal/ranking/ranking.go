// Package ranking computes the trending products: the top share of products
// by number of reservations, cached between recomputations.
package ranking

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"village/internal/events"
	"village/internal/models"
)

const (
	cacheKey = "village:ranking:trending"
	// generationKey changes on every invalidation. A computation that saw a
	// different generation before it started must not leave its result behind.
	generationKey = "village:ranking:generation"
)

// CountSource reports how many reservations each product has had.
type CountSource interface {
	CountReservationsByResource(ctx context.Context) ([]models.ReservationCount, error)
}

// Trending returns the products whose count reaches the count found at
// position ceil(n*percent) of the descending list. Ties at the threshold
// are included, so the result can exceed the nominal share.
func Trending(counts []models.ReservationCount, percent float64) []models.ReservationCount {
	if len(counts) == 0 || percent <= 0 {
		return nil
	}
	sorted := append([]models.ReservationCount(nil), counts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Count != sorted[j].Count {
			return sorted[i].Count > sorted[j].Count
		}
		return sorted[i].ResourceID < sorted[j].ResourceID
	})

	k := int(math.Ceil(float64(len(sorted)) * percent))
	if k < 1 {
		k = 1
	}
	if k > len(sorted) {
		k = len(sorted)
	}
	threshold := sorted[k-1].Count

	out := make([]models.ReservationCount, 0, k)
	for _, c := range sorted {
		if c.Count < threshold {
			break
		}
		out = append(out, c)
	}
	return out
}

// Ranker serves the trending list from cache, recomputing on miss.
type Ranker struct {
	source  CountSource
	cache   Cache
	ttl     time.Duration
	percent float64
	logger  *zerolog.Logger
}

func NewRanker(source CountSource, cache Cache, ttl time.Duration, percent float64, logger *zerolog.Logger) *Ranker {
	if percent <= 0 {
		percent = 0.1
	}
	l := logger.With().Str("component", "ranking").Logger()
	return &Ranker{source: source, cache: cache, ttl: ttl, percent: percent, logger: &l}
}

// Trending returns the current trending products. Cache failures fall back
// to a direct computation.
func (r *Ranker) Trending(ctx context.Context) ([]models.ReservationCount, error) {
	if list, ok := r.readCache(ctx); ok {
		return list, nil
	}

	before := r.generation(ctx)
	counts, err := r.source.CountReservationsByResource(ctx)
	if err != nil {
		return nil, err
	}
	list := Trending(counts, r.percent)
	r.writeCache(ctx, list)

	// An invalidation that landed while counting may have run before the
	// write above; drop the possibly stale entry.
	if r.generation(ctx) != before {
		if err := r.cache.Delete(ctx, cacheKey); err != nil {
			r.logger.Warn().Err(err).Msg("ranking cache cleanup failed")
		}
	}
	return list, nil
}

// IsTrending reports whether the product is in the trending list.
func (r *Ranker) IsTrending(ctx context.Context, resourceID int64) (bool, error) {
	list, err := r.Trending(ctx)
	if err != nil {
		return false, err
	}
	for _, c := range list {
		if c.ResourceID == resourceID {
			return true, nil
		}
	}
	return false, nil
}

// Invalidate drops the cached list so the next read recomputes it.
func (r *Ranker) Invalidate(ctx context.Context) error {
	if err := r.cache.Set(ctx, generationKey, []byte(uuid.NewString()), 0); err != nil {
		return err
	}
	return r.cache.Delete(ctx, cacheKey)
}

func (r *Ranker) generation(ctx context.Context) string {
	raw, _, err := r.cache.Get(ctx, generationKey)
	if err != nil {
		r.logger.Warn().Err(err).Msg("ranking generation read failed")
		return ""
	}
	return string(raw)
}

// Subscribe invalidates the cache whenever reservation counts change. The
// handlers run in their own bus group so notification delivery never holds
// them up.
func (r *Ranker) Subscribe(bus *events.EventBus) {
	group := bus.Group("ranking")
	handler := func(ctx context.Context, _ events.Event) error {
		return r.Invalidate(ctx)
	}
	group.Subscribe(events.ReservationCreated, handler)
	group.Subscribe(events.ReservationStatusChanged, func(ctx context.Context, ev events.Event) error {
		var change models.StatusChange
		if err := ev.Decode(&change); err != nil {
			return err
		}
		// Cancellation deletes the row and lowers the count.
		if change.Status != models.StatusCancelled {
			return nil
		}
		return r.Invalidate(ctx)
	})
	group.Subscribe(events.ProductDeleted, handler)
}

func (r *Ranker) readCache(ctx context.Context) ([]models.ReservationCount, bool) {
	raw, ok, err := r.cache.Get(ctx, cacheKey)
	if err != nil {
		r.logger.Warn().Err(err).Msg("ranking cache read failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var list []models.ReservationCount
	if err := json.Unmarshal(raw, &list); err != nil {
		r.logger.Warn().Err(err).Msg("ranking cache entry is corrupt")
		return nil, false
	}
	return list, true
}

func (r *Ranker) writeCache(ctx context.Context, list []models.ReservationCount) {
	raw, err := json.Marshal(list)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, cacheKey, raw, r.ttl); err != nil {
		r.logger.Warn().Err(err).Msg("ranking cache write failed")
	}
}
