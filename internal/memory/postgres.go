package memory

import (
	"context"
	"embed"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"

	taskflowerrors "github.com/taskflow/taskflow/internal/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresBackend is the durable Backend: content records and their
// vector embeddings live in Postgres (spec §4.1's "records/" and
// "index/" trees, realized as tables rather than directories so the
// Memory Engine's search query can be pushed down as SQL instead of a
// full in-process scan once the record count grows past what
// InMemoryBackend can reasonably hold).
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend connects to dsn and applies embedded migrations
// with goose before returning, so a fresh deployment only needs a
// reachable empty database.
func NewPostgresBackend(ctx context.Context, dsn string) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, taskflowerrors.NewBackendUnavailableError(err, "postgres")
	}
	if err := migrate(dsn); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresBackend{pool: pool}, nil
}

func migrate(dsn string) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return taskflowerrors.Wrap(err, taskflowerrors.ErrorTypeDatabase, "set goose dialect")
	}
	db, err := goose.OpenDBWithDriver("pgx", dsn)
	if err != nil {
		return taskflowerrors.NewBackendUnavailableError(err, "postgres")
	}
	defer db.Close()
	if err := goose.Up(db, "migrations"); err != nil {
		return taskflowerrors.Wrap(err, taskflowerrors.ErrorTypeDatabase, "apply migrations")
	}
	return nil
}

func (p *PostgresBackend) Close() { p.pool.Close() }

func (p *PostgresBackend) Put(ctx context.Context, rec storedRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO memory_records (domain, key, ciphertext, nonce, sensitivity, pii_flags, created_at, last_access, access_count, tier, embedding)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (domain, key) DO UPDATE SET
			ciphertext = EXCLUDED.ciphertext,
			nonce = EXCLUDED.nonce,
			sensitivity = EXCLUDED.sensitivity,
			pii_flags = EXCLUDED.pii_flags,
			last_access = EXCLUDED.last_access,
			access_count = EXCLUDED.access_count,
			tier = EXCLUDED.tier,
			embedding = EXCLUDED.embedding
	`, rec.Domain, rec.Key, rec.Ciphertext, rec.Nonce, rec.Sensitivity, rec.PIIFlags,
		rec.CreatedAt, rec.LastAccess, rec.AccessCount, rec.Tier, rec.Embedding)
	if err != nil {
		return taskflowerrors.NewBackendUnavailableError(err, "postgres")
	}
	return nil
}

func (p *PostgresBackend) Get(ctx context.Context, domain, key string) (storedRecord, bool, error) {
	var rec storedRecord
	err := p.pool.QueryRow(ctx, `
		SELECT domain, key, ciphertext, nonce, sensitivity, pii_flags, created_at, last_access, access_count, tier, embedding
		FROM memory_records WHERE domain=$1 AND key=$2
	`, domain, key).Scan(&rec.Domain, &rec.Key, &rec.Ciphertext, &rec.Nonce, &rec.Sensitivity,
		&rec.PIIFlags, &rec.CreatedAt, &rec.LastAccess, &rec.AccessCount, &rec.Tier, &rec.Embedding)
	if err != nil {
		if err == pgx.ErrNoRows {
			return storedRecord{}, false, nil
		}
		return storedRecord{}, false, taskflowerrors.NewBackendUnavailableError(err, "postgres")
	}
	return rec, true, nil
}

func (p *PostgresBackend) Delete(ctx context.Context, domain, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM memory_records WHERE domain=$1 AND key=$2`, domain, key)
	if err != nil {
		return taskflowerrors.NewBackendUnavailableError(err, "postgres")
	}
	return nil
}

func (p *PostgresBackend) Quarantine(ctx context.Context, domain, key string, rec storedRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO memory_quarantine (domain, key, ciphertext, nonce, sensitivity, pii_flags, created_at, last_access, access_count, tier, embedding)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, rec.Domain, rec.Key, rec.Ciphertext, rec.Nonce, rec.Sensitivity, rec.PIIFlags,
		rec.CreatedAt, rec.LastAccess, rec.AccessCount, rec.Tier, rec.Embedding)
	if err != nil {
		return taskflowerrors.NewBackendUnavailableError(err, "postgres")
	}
	_, _ = p.pool.Exec(ctx, `DELETE FROM memory_records WHERE domain=$1 AND key=$2`, domain, key)
	return nil
}

// List returns every record, for use by the tier sweeper's scheduled pass.
func (p *PostgresBackend) List(ctx context.Context) ([]storedRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT domain, key, ciphertext, nonce, sensitivity, pii_flags, created_at, last_access, access_count, tier, embedding
		FROM memory_records
	`)
	if err != nil {
		return nil, taskflowerrors.NewBackendUnavailableError(err, "postgres")
	}
	defer rows.Close()

	var out []storedRecord
	for rows.Next() {
		var rec storedRecord
		if err := rows.Scan(&rec.Domain, &rec.Key, &rec.Ciphertext, &rec.Nonce, &rec.Sensitivity,
			&rec.PIIFlags, &rec.CreatedAt, &rec.LastAccess, &rec.AccessCount, &rec.Tier, &rec.Embedding); err != nil {
			return nil, taskflowerrors.NewBackendUnavailableError(err, "postgres")
		}
		out = append(out, rec)
	}
	return out, nil
}

// Search loads candidate rows for the requested domains and ranks them
// in Go by cosine similarity; see InMemoryBackend.Search for the tie-break
// rule, which this mirrors exactly so callers observe identical ordering
// regardless of which Backend is active.
func (p *PostgresBackend) Search(ctx context.Context, domains []string, queryEmbedding []float64, k int) ([]SearchHit, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT key, embedding, created_at FROM memory_records WHERE domain = ANY($1)
	`, domains)
	if err != nil {
		return nil, taskflowerrors.NewBackendUnavailableError(err, "postgres")
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var key string
		var embedding []float64
		var createdAt time.Time
		if err := rows.Scan(&key, &embedding, &createdAt); err != nil {
			return nil, taskflowerrors.NewBackendUnavailableError(err, "postgres")
		}
		hits = append(hits, SearchHit{
			Key:       key,
			Score:     cosineSimilarity(queryEmbedding, embedding),
			CreatedAt: createdAt,
		})
	}
	sortHits(hits)
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}
