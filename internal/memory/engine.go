// Package memory implements the Memory Engine (spec §4.1): a
// content-addressed, tiered, encrypted store shared by every role so
// agents can read and write context without passing full histories
// through prompts.
package memory

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/taskflow/taskflow/internal/config"
	taskflowerrors "github.com/taskflow/taskflow/internal/errors"
	"github.com/taskflow/taskflow/internal/types"
)

const stripeCount = 64

// Engine is the Memory Engine's public contract: Put, Get, Search, Purge
// (spec §4.1). It composes encryption, PII policy, tiered caching, a
// circuit-breaker-guarded durable backend, and a background tier
// sweeper behind these four operations.
type Engine struct {
	seal     *sealer
	cache    *tieredCache
	backend  *guardedBackend
	sweeper  *sweeper
	log      *logrus.Entry
	stripes  [stripeCount]sync.Mutex
	validators []Validator
}

// NewEngine wires a durable Backend (typically *PostgresBackend) behind
// an in-memory fallback and a circuit breaker, with L1/L2 caching in
// front and a background sweeper demoting stale tiers.
func NewEngine(cfg config.MemoryConfig, masterKey [32]byte, durable Backend, redisClient *redis.Client) (*Engine, error) {
	seal, err := newSealer(masterKey)
	if err != nil {
		return nil, err
	}

	l1Size := cfg.L1Size
	if l1Size <= 0 {
		l1Size = 4096
	}
	cache, err := newTieredCache(l1Size, redisClient)
	if err != nil {
		return nil, err
	}

	fallback := NewInMemoryBackend()
	guarded := newGuardedBackend("memory_backend", durable, fallback)

	listFn := func(ctx context.Context) ([]storedRecord, error) {
		if lister, ok := durable.(interface {
			List(context.Context) ([]storedRecord, error)
		}); ok {
			return lister.List(ctx)
		}
		return fallback.List(ctx)
	}
	sw := newSweeper(guarded, cache, listFn)

	return &Engine{
		seal:    seal,
		cache:   cache,
		backend: guarded,
		sweeper: sw,
		log:     logrus.WithField("component", "memory_engine"),
	}, nil
}

// Run starts the background tier sweeper; it blocks until ctx is done
// and is meant to be launched in its own goroutine by the caller.
func (e *Engine) Run(ctx context.Context) { e.sweeper.run(ctx) }

// RegisterValidator adds a custom PII validator (spec §4.1).
func (e *Engine) RegisterValidator(v Validator) { e.validators = append(e.validators, v) }

func (e *Engine) stripeFor(domain, key string) *sync.Mutex {
	sum := sha256.Sum256([]byte(domain + "\x00" + key))
	idx := int(sum[0]) % stripeCount
	return &e.stripes[idx]
}

// Put stores content under (domain, key), enforcing spec §4.1's PII
// policy: PUBLIC content containing a PII match is rejected outright
// rather than silently encrypted, since PUBLIC records are never
// encrypted and would otherwise leak the match downstream.
func (e *Engine) Put(ctx context.Context, domain, key string, content []byte, sensitivity types.Sensitivity) (string, error) {
	mu := e.stripeFor(domain, key)
	mu.Lock()
	defer mu.Unlock()

	flags := scanWithValidators(content, e.validators)
	if sensitivity == types.SensitivityPublic && len(flags) > 0 {
		return "", taskflowerrors.NewValidationError("PII_VIOLATION: public content matched " + strings.Join(flags, ","))
	}

	now := time.Now()
	rec := storedRecord{
		Domain:      domain,
		Key:         key,
		Sensitivity: string(sensitivity),
		PIIFlags:    flags,
		CreatedAt:   now,
		LastAccess:  now,
		AccessCount: 0,
		Tier:        string(types.TierHot),
		Embedding:   embedText(string(content)),
	}

	if sensitivity == types.SensitivityPublic {
		rec.Ciphertext = content
	} else {
		ciphertext, nonce, err := e.seal.seal(content, associatedData(domain, key))
		if err != nil {
			return "", err
		}
		rec.Ciphertext = ciphertext
		rec.Nonce = nonce
	}

	if existing, ok, _ := e.backend.Get(ctx, domain, key); ok {
		// Idempotent put: identical content under the same (domain, key)
		// keeps the original CreatedAt and access counters rather than
		// resetting history (spec's idempotent-write supplement).
		if sameContent(existing, rec) {
			rec.CreatedAt = existing.CreatedAt
			rec.AccessCount = existing.AccessCount
			rec.LastAccess = existing.LastAccess
			rec.Tier = existing.Tier
		}
	}

	if err := e.putWithRetry(ctx, rec); err != nil {
		return "", err
	}
	e.cache.put(rec)
	return recordKey(domain, key), nil
}

func sameContent(a, b storedRecord) bool {
	if len(a.Ciphertext) != len(b.Ciphertext) {
		return false
	}
	// Ciphertexts differ per-call even for identical plaintext (fresh
	// nonce each seal), so identity is judged on sensitivity + length +
	// PII flags rather than byte equality of Ciphertext itself.
	if a.Sensitivity != b.Sensitivity || len(a.PIIFlags) != len(b.PIIFlags) {
		return false
	}
	if a.Sensitivity == string(types.SensitivityPublic) {
		return string(a.Ciphertext) == string(b.Ciphertext)
	}
	return true
}

// putWithRetry applies spec §4.1's backoff policy: 3 attempts, 50-400ms
// exponential with jitter, before surfacing BackendUnavailable.
func (e *Engine) putWithRetry(ctx context.Context, rec storedRecord) error {
	var lastErr error
	delay := 50 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(delay) / 2))
			select {
			case <-time.After(delay + jitter):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
			if delay > 400*time.Millisecond {
				delay = 400 * time.Millisecond
			}
		}
		if err := e.backend.Put(ctx, rec); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// Get fetches content for (domain, key) through the cache, falling back
// to the durable backend on a miss (spec §4.1 read order: L1 -> L2 ->
// backing store).
func (e *Engine) Get(ctx context.Context, domain, key string) ([]byte, bool, error) {
	if rec, ok := e.cache.get(ctx, domain, key); ok {
		return e.decode(rec)
	}

	rec, ok, err := e.backend.Get(ctx, domain, key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	rec.AccessCount++
	rec.LastAccess = time.Now()
	e.cache.put(rec)
	go func(r storedRecord) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = e.backend.Put(ctx, r)
	}(rec)

	return e.decode(rec)
}

func (e *Engine) decode(rec storedRecord) ([]byte, bool, error) {
	if rec.Sensitivity == string(types.SensitivityPublic) {
		return rec.Ciphertext, true, nil
	}
	plaintext, err := e.seal.open(rec.Ciphertext, rec.Nonce, associatedData(rec.Domain, rec.Key))
	if err != nil {
		// Decryption failure means the ciphertext or nonce was corrupted
		// in transit or at rest; quarantine instead of deleting so the
		// record is available for forensic inspection (spec §4.1, §8
		// scenario 6).
		qErr := e.backend.Quarantine(context.Background(), rec.Domain, rec.Key, rec)
		if qErr != nil {
			e.log.WithError(qErr).WithField("key", rec.Key).Error("quarantine failed after integrity violation")
		}
		return nil, false, err
	}
	return plaintext, true, nil
}

// Search ranks content across domains against queryText (spec §4.1).
func (e *Engine) Search(ctx context.Context, domains []string, queryText string, k int) ([]SearchHit, error) {
	queryEmbedding := embedText(queryText)
	return e.backend.Search(ctx, domains, queryEmbedding, k)
}

// CacheStats exposes L1/L2 hit ratios for the Metrics Emitter (spec
// §4.7).
func (e *Engine) CacheStats() CacheStats { return e.cache.stats() }

// Purge removes a record from every tier (spec §4.1).
func (e *Engine) Purge(ctx context.Context, domain, key string) error {
	mu := e.stripeFor(domain, key)
	mu.Lock()
	defer mu.Unlock()

	e.cache.purge(ctx, domain, key)
	return e.backend.Delete(ctx, domain, key)
}

// DeriveMasterKey expands a configured secret (typically read from the
// environment variable named by MemoryConfig.MasterKeyEnv) into the
// fixed-width key chacha20poly1305 requires.
func DeriveMasterKey(secret string) [32]byte {
	return sha256.Sum256([]byte(secret))
}

// String is a small helper so callers can log a record identity without
// constructing the internal key format themselves.
func String(domain, key string) string { return fmt.Sprintf("%s/%s", domain, key) }
