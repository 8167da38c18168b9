package analytics

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/redi-labs/redi/pkg/types"
)

// Compile-time interface check.
var _ Mirror = (*PostgresMirror)(nil)

// turnsSchema creates the mirror table. Idempotent.
const turnsSchema = `
CREATE TABLE IF NOT EXISTS turns (
	session_id      TEXT        NOT NULL,
	turn_id         TEXT        NOT NULL PRIMARY KEY,
	ts              TIMESTAMPTZ NOT NULL,
	mode            TEXT        NOT NULL,
	user_transcript TEXT        NOT NULL,
	prompted        BOOLEAN     NOT NULL,
	brain           TEXT        NOT NULL DEFAULT '',
	route_reason    TEXT        NOT NULL DEFAULT '',
	input_tokens    INTEGER     NOT NULL DEFAULT 0,
	output_tokens   INTEGER     NOT NULL DEFAULT 0,
	frame_injected  BOOLEAN     NOT NULL,
	frame_age_ms    BIGINT      NOT NULL DEFAULT 0,
	llm_latency_ms  BIGINT      NOT NULL DEFAULT 0,
	tts_bytes       INTEGER     NOT NULL DEFAULT 0,
	guard_verdict   TEXT        NOT NULL DEFAULT '',
	response        TEXT        NOT NULL DEFAULT '',
	cancelled       BOOLEAN     NOT NULL,
	wall_time_ms    BIGINT      NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS turns_session_idx ON turns (session_id, ts);
`

const insertTurn = `
INSERT INTO turns (
	session_id, turn_id, ts, mode, user_transcript, prompted,
	brain, route_reason, input_tokens, output_tokens,
	frame_injected, frame_age_ms, llm_latency_ms, tts_bytes,
	guard_verdict, response, cancelled, wall_time_ms
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
ON CONFLICT (turn_id) DO NOTHING
`

// PostgresMirror mirrors turn records into a PostgreSQL table for ad-hoc
// querying. All operations are safe for concurrent use.
type PostgresMirror struct {
	pool *pgxpool.Pool
}

// NewPostgresMirror connects to the database at dsn and ensures the turns
// table exists.
func NewPostgresMirror(ctx context.Context, dsn string) (*PostgresMirror, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("analytics mirror: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("analytics mirror: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("analytics mirror: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, turnsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("analytics mirror: migrate: %w", err)
	}
	return &PostgresMirror{pool: pool}, nil
}

// InsertTurns writes a batch of records in one round trip. Re-delivered turn
// IDs are ignored, so flush retries stay idempotent.
func (m *PostgresMirror) InsertTurns(ctx context.Context, recs []types.TurnRecord) error {
	if len(recs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range recs {
		batch.Queue(insertTurn,
			r.SessionID, r.TurnID, r.Timestamp, string(r.Mode), r.UserTranscript, r.Prompted,
			string(r.Brain), r.RouteReason, r.InputTokens, r.OutputTokens,
			r.FrameInjected, r.FrameAgeMs, r.LLMLatencyMs, r.TTSBytes,
			r.GuardVerdict, r.Response, r.Cancelled, r.WallTimeMs,
		)
	}
	br := m.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range recs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("analytics mirror: insert turn: %w", err)
		}
	}
	return nil
}

// Ping checks database reachability; used by the readiness probe.
func (m *PostgresMirror) Ping(ctx context.Context) error {
	return m.pool.Ping(ctx)
}

// Close releases the connection pool.
func (m *PostgresMirror) Close() {
	m.pool.Close()
}
