package memory

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/taskflow/taskflow/internal/types"
)

// tierWindows controls how long a record may go unaccessed before it is
// demoted a tier (spec §3/§4.1: HOT -> WARM -> COLD by access recency).
type tierWindows struct {
	warmAfter time.Duration
	coldAfter time.Duration
}

var defaultTierWindows = tierWindows{
	warmAfter: 24 * time.Hour,
	coldAfter: 7 * 24 * time.Hour,
}

// sweeper periodically demotes records whose LastAccess has fallen
// outside the configured windows. Grounded on the teacher's background
// reconciliation-loop idiom (a ticking goroutine bounded by a context),
// logged with logrus to match the Memory Engine's internals.
type sweeper struct {
	backend  Backend
	cache    *tieredCache
	windows  tierWindows
	interval time.Duration
	log      *logrus.Entry

	// list returns every stored record; NewEngine wires it to the durable
	// backend's List when it has one (PostgresBackend does) and to the
	// in-memory fallback's List otherwise.
	list func(ctx context.Context) ([]storedRecord, error)
}

func newSweeper(backend Backend, cache *tieredCache, list func(ctx context.Context) ([]storedRecord, error)) *sweeper {
	return &sweeper{
		backend:  backend,
		cache:    cache,
		windows:  defaultTierWindows,
		interval: 5 * time.Minute,
		log:      logrus.WithField("component", "memory_sweeper"),
		list:     list,
	}
}

func (s *sweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *sweeper) sweepOnce(ctx context.Context) {
	if s.list == nil {
		return
	}
	records, err := s.list(ctx)
	if err != nil {
		s.log.WithError(err).Warn("tier sweep: list failed")
		return
	}
	now := time.Now()
	for _, rec := range records {
		age := now.Sub(rec.LastAccess)
		newTier := string(types.TierHot)
		switch {
		case age >= s.windows.coldAfter:
			newTier = string(types.TierCold)
		case age >= s.windows.warmAfter:
			newTier = string(types.TierWarm)
		}
		if newTier == rec.Tier {
			continue
		}
		rec.Tier = newTier
		if err := s.backend.Put(ctx, rec); err != nil {
			s.log.WithError(err).WithField("key", rec.Key).Warn("tier sweep: demote failed")
			continue
		}
		s.cache.put(rec)
	}
}
