package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
)

const schemaPosts = `
CREATE TABLE IF NOT EXISTS posts (
    id          TEXT PRIMARY KEY,
    chat_id     TEXT NOT NULL,
    text        TEXT NOT NULL DEFAULT '',
    media_refs  TEXT NOT NULL DEFAULT '[]',
    fire_at     %[1]s NOT NULL,
    status      TEXT NOT NULL,
    attempts    INTEGER NOT NULL DEFAULT 0,
    last_error  TEXT NOT NULL DEFAULT '',
    claimed_at  %[1]s NULL,
    created_at  %[1]s NOT NULL,
    updated_at  %[1]s NOT NULL
)`

const schemaPostsIndex = `
CREATE INDEX IF NOT EXISTS idx_posts_status_fire_at ON posts (status, fire_at)`

const schemaDeliveryAttempts = `
CREATE TABLE IF NOT EXISTS delivery_attempts (
    id          TEXT PRIMARY KEY,
    post_id     TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
    attempt     INTEGER NOT NULL,
    outcome     TEXT NOT NULL,
    error       TEXT NOT NULL DEFAULT '',
    started_at  %[1]s NOT NULL,
    finished_at %[1]s NOT NULL
)`

const schemaDeliveryAttemptsIndex = `
CREATE INDEX IF NOT EXISTS idx_delivery_attempts_post_id ON delivery_attempts (post_id)`

// Migrate creates the tables and indexes if they do not exist.
func Migrate(ctx context.Context, db *sql.DB, d Dialect) error {
	ts := "TIMESTAMP"
	if d == DialectPostgres {
		ts = "TIMESTAMPTZ"
	}

	stmts := []string{
		fmt.Sprintf(schemaPosts, ts),
		schemaPostsIndex,
		fmt.Sprintf(schemaDeliveryAttempts, ts),
		schemaDeliveryAttemptsIndex,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
