// Package postgres provides a PostgreSQL-backed implementation of the
// [prefs.Store] and [prefs.ProfileIndex] contracts.
//
// Both contracts share a single [pgxpool.Pool] connection pool. The pgvector
// extension must be available in the target database; [Migrate] installs it
// automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 16)
//	if err != nil { … }
//	defer store.Close()
//
//	p, _ := store.GetPreferences(ctx, userID)
//	_ = store.SaveProfile(ctx, profile)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlUserPreferences = `
CREATE TABLE IF NOT EXISTS user_preferences (
    user_id     TEXT         PRIMARY KEY,
    defaults    JSONB        NOT NULL DEFAULT '{}',
    recent      JSONB        NOT NULL DEFAULT '[]',
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ddlFaceProfiles returns the profile-index DDL with the measurement vector
// dimension substituted. The dimension is baked into the column type at
// schema creation time.
func ddlFaceProfiles(dimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS face_profiles (
    id            BIGSERIAL    PRIMARY KEY,
    user_id       TEXT         NOT NULL,
    measurements  vector(%d),
    face_shape    TEXT         NOT NULL DEFAULT '',
    confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_face_profiles_user_id
    ON face_profiles (user_id);

CREATE INDEX IF NOT EXISTS idx_face_profiles_measurements
    ON face_profiles USING hnsw (measurements vector_cosine_ops);
`, dimensions)
}

// Migrate creates or ensures all required tables and extensions exist. It is
// idempotent and safe to call on every application start.
//
// dimensions must match the measurement vector length produced by face
// analysis for your deployment. Changing it after the first migration
// requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dimensions int) error {
	statements := []string{
		ddlUserPreferences,
		ddlFaceProfiles(dimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("prefs migrate: %w", err)
		}
	}
	return nil
}
