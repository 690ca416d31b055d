package storage

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS channels (
		id TEXT PRIMARY KEY,
		remote_ref TEXT NOT NULL UNIQUE,
		label TEXT NOT NULL,
		ingest_url TEXT NOT NULL,
		playback_url TEXT NOT NULL,
		busy BOOLEAN NOT NULL DEFAULT FALSE,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		assigned_session_id TEXT,
		last_used_at TIMESTAMPTZ,
		last_assigned_at TIMESTAMPTZ,
		usage_seconds BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS channels_candidates_idx
		ON channels (last_used_at ASC NULLS FIRST, id)
		WHERE busy = FALSE AND enabled = TRUE`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		presenter_id TEXT NOT NULL,
		topic TEXT NOT NULL,
		scheduled_at TIMESTAMPTZ NOT NULL,
		planned_minutes INTEGER NOT NULL,
		status TEXT NOT NULL,
		assigned_channel_id TEXT,
		stream_key TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_presenter_idx ON sessions (presenter_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS sessions_live_idx ON sessions (assigned_channel_id) WHERE status = 'live'`,
}

// EnsureSchema creates the tables and indexes the repository expects. The
// statements are idempotent so startup can run this unconditionally.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
