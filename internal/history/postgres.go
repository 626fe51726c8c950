// Package history persists identification results for analytics. It runs
// after the orchestrator returns and never feeds back into it.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/plantid/internal/db"
	"github.com/sells-group/plantid/internal/model"
	"github.com/sells-group/plantid/internal/resilience"
)

// Recorder stores a combined result and returns its history ID.
type Recorder interface {
	Record(ctx context.Context, res *model.CombinedResult) (string, error)
}

// Nop discards results. Used when no database is configured.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, *model.CombinedResult) (string, error) { return "", nil }

// Entry is one stored identification.
type Entry struct {
	ID               string                         `json:"id"`
	ContentHash      string                         `json:"content_hash"`
	Degraded         bool                           `json:"degraded"`
	ProviderStatuses map[string]model.CircuitStatus `json:"provider_statuses"`
	Contributors     []string                       `json:"contributors"`
	TopName          string                         `json:"top_name,omitempty"`
	TopConfidence    float64                        `json:"top_confidence"`
	CandidateCount   int                            `json:"candidate_count"`
	CreatedAt        time.Time                      `json:"created_at"`
}

const migration = `
CREATE TABLE IF NOT EXISTS identifications (
	id                UUID PRIMARY KEY,
	content_hash      TEXT NOT NULL,
	degraded          BOOLEAN NOT NULL,
	provider_statuses JSONB NOT NULL,
	contributors      TEXT[] NOT NULL,
	top_name          TEXT,
	top_confidence    DOUBLE PRECISION,
	candidate_count   INTEGER NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS identification_candidates (
	identification_id UUID NOT NULL REFERENCES identifications(id) ON DELETE CASCADE,
	rank              INTEGER NOT NULL,
	scientific_name   TEXT NOT NULL,
	confidence        DOUBLE PRECISION NOT NULL,
	source_provider   TEXT NOT NULL,
	common_names      TEXT[],
	family            TEXT,
	genus             TEXT,
	gbif_id           TEXT,
	PRIMARY KEY (identification_id, rank)
);

CREATE INDEX IF NOT EXISTS idx_identifications_content_hash ON identifications(content_hash);
CREATE INDEX IF NOT EXISTS idx_identifications_created_at ON identifications(created_at DESC);
`

var candidateColumns = []string{
	"identification_id", "rank", "scientific_name", "confidence",
	"source_provider", "common_names", "family", "genus", "gbif_id",
}

// Postgres is a Recorder backed by pgx.
type Postgres struct {
	pool  db.Pool
	retry resilience.RetryConfig
	newID func() string
}

// Option configures the Postgres recorder.
type Option func(*Postgres)

// WithRetry overrides the write retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(p *Postgres) { p.retry = cfg }
}

// NewPostgres creates a recorder on pool.
func NewPostgres(pool db.Pool, opts ...Option) *Postgres {
	p := &Postgres{
		pool:  pool,
		retry: resilience.DefaultRetryConfig(),
		newID: func() string { return uuid.New().String() },
	}
	p.retry.OnRetry = resilience.RetryLogger("history", "record")
	for _, o := range opts {
		o(p)
	}
	return p
}

// Migrate creates the history tables.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, migration)
	return eris.Wrap(err, "history: migrate")
}

// Record inserts the result header and its candidates in one transaction,
// retrying transient failures.
func (p *Postgres) Record(ctx context.Context, res *model.CombinedResult) (string, error) {
	if res == nil {
		return "", eris.New("history: nil result")
	}
	statuses, err := json.Marshal(res.ProviderStatuses)
	if err != nil {
		return "", eris.Wrap(err, "history: marshal statuses")
	}

	id := p.newID()
	var topName *string
	var topConf *float64
	if top, ok := res.Top(); ok {
		topName, topConf = &top.ScientificName, &top.Confidence
	}
	contributors := res.Contributors
	if contributors == nil {
		contributors = []string{}
	}

	rows := make([][]any, 0, len(res.Candidates))
	for i, c := range res.Candidates {
		var family, genus, gbif *string
		if c.Taxonomy != nil {
			family, genus, gbif = nullable(c.Taxonomy.Family), nullable(c.Taxonomy.Genus), nullable(c.Taxonomy.GBIFID)
		}
		rows = append(rows, []any{id, i + 1, c.ScientificName, c.Confidence, c.SourceProviderID, c.CommonNames, family, genus, gbif})
	}

	err = resilience.Do(ctx, p.retry, func(ctx context.Context) error {
		tx, err := p.pool.Begin(ctx)
		if err != nil {
			return eris.Wrap(err, "history: begin")
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		_, err = tx.Exec(ctx,
			`INSERT INTO identifications (id, content_hash, degraded, provider_statuses, contributors, top_name, top_confidence, candidate_count, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			id, res.ContentHash, res.Degraded, statuses, contributors, topName, topConf, len(res.Candidates), res.CreatedAt,
		)
		if err != nil {
			return eris.Wrap(err, "history: insert identification")
		}
		if _, err := db.CopyFrom(ctx, tx, "identification_candidates", candidateColumns, rows); err != nil {
			return eris.Wrap(err, "history: copy candidates")
		}
		return eris.Wrap(tx.Commit(ctx), "history: commit")
	})
	if err != nil {
		return "", err
	}

	zap.L().Debug("history: recorded identification",
		zap.String("id", id),
		zap.String("content_hash", res.ContentHash),
		zap.Int("candidates", len(res.Candidates)),
	)
	return id, nil
}

// Recent returns the newest identifications, newest first.
func (p *Postgres) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id::text, content_hash, degraded, provider_statuses, contributors, COALESCE(top_name, ''), COALESCE(top_confidence, 0), candidate_count, created_at
		 FROM identifications ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "history: query recent")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var statuses []byte
		if err := rows.Scan(&e.ID, &e.ContentHash, &e.Degraded, &statuses, &e.Contributors,
			&e.TopName, &e.TopConfidence, &e.CandidateCount, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "history: scan recent")
		}
		if err := json.Unmarshal(statuses, &e.ProviderStatuses); err != nil {
			return nil, eris.Wrap(err, "history: decode statuses")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "history: iterate recent")
}

// Get loads one identification by ID.
func (p *Postgres) Get(ctx context.Context, id string) (*Entry, error) {
	var e Entry
	var statuses []byte
	err := p.pool.QueryRow(ctx,
		`SELECT id::text, content_hash, degraded, provider_statuses, contributors, COALESCE(top_name, ''), COALESCE(top_confidence, 0), candidate_count, created_at
		 FROM identifications WHERE id = $1`, id,
	).Scan(&e.ID, &e.ContentHash, &e.Degraded, &statuses, &e.Contributors,
		&e.TopName, &e.TopConfidence, &e.CandidateCount, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(err, "history: identification %s not found", id)
		}
		return nil, eris.Wrap(err, "history: get identification")
	}
	if err := json.Unmarshal(statuses, &e.ProviderStatuses); err != nil {
		return nil, eris.Wrap(err, "history: decode statuses")
	}
	return &e, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
