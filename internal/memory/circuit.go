package memory

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	taskflowerrors "github.com/taskflow/taskflow/internal/errors"
)

// guardedBackend wraps a Backend with a circuit breaker (spec §4.1: "the
// durable backend's failures trip a breaker; Memory Engine falls back to
// the in-memory backend while it is open"), grounded on the teacher's
// CircuitBreaker contract (GetState/GetFailureRate/Call) reimplemented
// here on top of sony/gobreaker rather than hand-rolled.
type guardedBackend struct {
	primary  Backend
	fallback Backend
	cb       *gobreaker.CircuitBreaker
}

func newGuardedBackend(name string, primary, fallback Backend) *guardedBackend {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
	}
	return &guardedBackend{
		primary:  primary,
		fallback: fallback,
		cb:       gobreaker.NewCircuitBreaker(settings),
	}
}

func (g *guardedBackend) state() gobreaker.State { return g.cb.State() }

func (g *guardedBackend) Put(ctx context.Context, rec storedRecord) error {
	_, err := g.cb.Execute(func() (any, error) {
		return nil, g.primary.Put(ctx, rec)
	})
	if err != nil {
		if g.fallback != nil {
			if fbErr := g.fallback.Put(ctx, rec); fbErr == nil {
				return nil
			}
		}
		return wrapBackendErr(err)
	}
	return nil
}

func (g *guardedBackend) Get(ctx context.Context, domain, key string) (storedRecord, bool, error) {
	v, err := g.cb.Execute(func() (any, error) {
		rec, ok, err := g.primary.Get(ctx, domain, key)
		return [2]any{rec, ok}, err
	})
	if err != nil {
		if g.fallback != nil {
			return g.fallback.Get(ctx, domain, key)
		}
		return storedRecord{}, false, wrapBackendErr(err)
	}
	pair := v.([2]any)
	return pair[0].(storedRecord), pair[1].(bool), nil
}

func (g *guardedBackend) Delete(ctx context.Context, domain, key string) error {
	_, err := g.cb.Execute(func() (any, error) {
		return nil, g.primary.Delete(ctx, domain, key)
	})
	if err != nil {
		return wrapBackendErr(err)
	}
	if g.fallback != nil {
		_ = g.fallback.Delete(ctx, domain, key)
	}
	return nil
}

func (g *guardedBackend) Quarantine(ctx context.Context, domain, key string, rec storedRecord) error {
	_, err := g.cb.Execute(func() (any, error) {
		return nil, g.primary.Quarantine(ctx, domain, key, rec)
	})
	if err != nil {
		return wrapBackendErr(err)
	}
	return nil
}

func (g *guardedBackend) Search(ctx context.Context, domains []string, queryEmbedding []float64, k int) ([]SearchHit, error) {
	v, err := g.cb.Execute(func() (any, error) {
		return g.primary.Search(ctx, domains, queryEmbedding, k)
	})
	if err != nil {
		if g.fallback != nil {
			return g.fallback.Search(ctx, domains, queryEmbedding, k)
		}
		return nil, wrapBackendErr(err)
	}
	return v.([]SearchHit), nil
}

func wrapBackendErr(err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return taskflowerrors.NewBackendUnavailableError(err, "memory_backend")
	}
	return taskflowerrors.NewBackendUnavailableError(err, "memory_backend")
}
