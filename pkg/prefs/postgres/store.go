package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/visagekit/visage/pkg/prefs"
)

// Compile-time interface checks.
var (
	_ prefs.Store        = (*Store)(nil)
	_ prefs.ProfileIndex = (*Store)(nil)
)

// Store is the PostgreSQL-backed preference store. It implements both
// [prefs.Store] and [prefs.ProfileIndex] on a single connection pool.
//
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, registers pgvector types on every connection, and runs
// [Migrate] to ensure all required tables exist.
//
// dimensions must match the face-measurement vector length (see [Migrate]).
func NewStore(ctx context.Context, dsn string, dimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("prefs store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("prefs store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("prefs store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, dimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("prefs store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ---- prefs.Store ----

// GetPreferences implements [prefs.Store]. Unknown users yield an empty
// record with UserID set and a nil error.
func (s *Store) GetPreferences(ctx context.Context, userID string) (prefs.Preferences, error) {
	const q = `
		SELECT defaults, recent, updated_at
		FROM   user_preferences
		WHERE  user_id = $1`

	var (
		defaultsRaw []byte
		recentRaw   []byte
		updatedAt   time.Time
	)
	err := s.pool.QueryRow(ctx, q, userID).Scan(&defaultsRaw, &recentRaw, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return prefs.Preferences{UserID: userID}, nil
	}
	if err != nil {
		return prefs.Preferences{}, fmt.Errorf("prefs store: get preferences: %w", err)
	}

	p := prefs.Preferences{UserID: userID, UpdatedAt: updatedAt}
	if err := json.Unmarshal(defaultsRaw, &p.Defaults); err != nil {
		return prefs.Preferences{}, fmt.Errorf("prefs store: decode defaults: %w", err)
	}
	if err := json.Unmarshal(recentRaw, &p.Recent); err != nil {
		return prefs.Preferences{}, fmt.Errorf("prefs store: decode recent: %w", err)
	}
	return p, nil
}

// SavePreferences implements [prefs.Store]. The record is upserted whole.
func (s *Store) SavePreferences(ctx context.Context, p prefs.Preferences) error {
	if p.UserID == "" {
		return errors.New("prefs store: save preferences: empty user id")
	}
	if len(p.Recent) > prefs.MaxRecentCustomizations {
		p.Recent = p.Recent[:prefs.MaxRecentCustomizations]
	}

	defaultsRaw, err := json.Marshal(orEmptyMap(p.Defaults))
	if err != nil {
		return fmt.Errorf("prefs store: encode defaults: %w", err)
	}
	recentRaw, err := json.Marshal(orEmptySlice(p.Recent))
	if err != nil {
		return fmt.Errorf("prefs store: encode recent: %w", err)
	}

	const q = `
		INSERT INTO user_preferences (user_id, defaults, recent, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id) DO UPDATE SET
		    defaults   = EXCLUDED.defaults,
		    recent     = EXCLUDED.recent,
		    updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, p.UserID, defaultsRaw, recentRaw); err != nil {
		return fmt.Errorf("prefs store: save preferences: %w", err)
	}
	return nil
}

// AppendCustomizations implements [prefs.Store]. The read-modify-write runs
// in a transaction so concurrent appends for the same user serialize.
func (s *Store) AppendCustomizations(ctx context.Context, userID string, items []prefs.Customization) error {
	if len(items) == 0 {
		return nil
	}
	if userID == "" {
		return errors.New("prefs store: append customizations: empty user id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("prefs store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const sel = `
		SELECT recent
		FROM   user_preferences
		WHERE  user_id = $1
		FOR UPDATE`

	var recent []prefs.Customization
	var recentRaw []byte
	err = tx.QueryRow(ctx, sel, userID).Scan(&recentRaw)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// First write for this user; the upsert below creates the row.
	case err != nil:
		return fmt.Errorf("prefs store: read recent: %w", err)
	default:
		if err := json.Unmarshal(recentRaw, &recent); err != nil {
			return fmt.Errorf("prefs store: decode recent: %w", err)
		}
	}

	merged := make([]prefs.Customization, 0, len(items)+len(recent))
	for i := len(items) - 1; i >= 0; i-- {
		merged = append(merged, items[i])
	}
	merged = append(merged, recent...)
	if len(merged) > prefs.MaxRecentCustomizations {
		merged = merged[:prefs.MaxRecentCustomizations]
	}

	mergedRaw, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("prefs store: encode recent: %w", err)
	}

	const upsert = `
		INSERT INTO user_preferences (user_id, recent, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET
		    recent     = EXCLUDED.recent,
		    updated_at = now()`

	if _, err := tx.Exec(ctx, upsert, userID, mergedRaw); err != nil {
		return fmt.Errorf("prefs store: write recent: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("prefs store: commit: %w", err)
	}
	return nil
}

// ---- prefs.ProfileIndex ----

// SaveProfile implements [prefs.ProfileIndex]. Every analysis produces a new
// row; profiles are never overwritten.
func (s *Store) SaveProfile(ctx context.Context, profile prefs.Profile) error {
	if profile.UserID == "" {
		return errors.New("prefs store: save profile: empty user id")
	}

	const q = `
		INSERT INTO face_profiles (user_id, measurements, face_shape, confidence, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))`

	var createdAt *time.Time
	if !profile.CreatedAt.IsZero() {
		createdAt = &profile.CreatedAt
	}

	vec := pgvector.NewVector(profile.Measurements)
	_, err := s.pool.Exec(ctx, q, profile.UserID, vec, profile.FaceShape, profile.Confidence, createdAt)
	if err != nil {
		return fmt.Errorf("prefs store: save profile: %w", err)
	}
	return nil
}

// NearestProfiles implements [prefs.ProfileIndex]. It finds the k profiles
// whose measurement vectors are closest (cosine distance) to the query,
// ordered most similar first.
func (s *Store) NearestProfiles(ctx context.Context, measurements []float32, k int) ([]prefs.ProfileMatch, error) {
	if k <= 0 || len(measurements) == 0 {
		return nil, nil
	}

	const q = `
		SELECT user_id, measurements, face_shape, confidence, created_at,
		       measurements <=> $1 AS distance
		FROM   face_profiles
		ORDER  BY distance
		LIMIT  $2`

	queryVec := pgvector.NewVector(measurements)
	rows, err := s.pool.Query(ctx, q, queryVec, k)
	if err != nil {
		return nil, fmt.Errorf("prefs store: nearest profiles: %w", err)
	}

	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (prefs.ProfileMatch, error) {
		var (
			m   prefs.ProfileMatch
			vec pgvector.Vector
		)
		if err := row.Scan(
			&m.Profile.UserID,
			&vec,
			&m.Profile.FaceShape,
			&m.Profile.Confidence,
			&m.Profile.CreatedAt,
			&m.Distance,
		); err != nil {
			return prefs.ProfileMatch{}, err
		}
		m.Profile.Measurements = vec.Slice()
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("prefs store: scan rows: %w", err)
	}
	return matches, nil
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptySlice(s []prefs.Customization) []prefs.Customization {
	if s == nil {
		return []prefs.Customization{}
	}
	return s
}
