// Package postgres is the pgx-backed cloud backend.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-fit-flow/internal/cloud"
	"github.com/ramiqadoumi/go-fit-flow/internal/domain"
	"github.com/ramiqadoumi/go-fit-flow/internal/postgres/migrations"
)

type backend struct {
	pool *pgxpool.Pool
}

// NewBackend wraps a pgxpool with the cloud.Backend interface.
func NewBackend(pool *pgxpool.Pool) cloud.Backend {
	return &backend{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// Migrate applies every embedded migration in order. Migrations are written
// to be re-runnable. applied is called after each file.
func Migrate(ctx context.Context, pool *pgxpool.Pool, applied func(name string)) error {
	for _, f := range migrations.Files {
		sql, err := migrations.FS.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("execute migration %s: %w", f, err)
		}
		if applied != nil {
			applied(f)
		}
	}
	return nil
}

func (b *backend) PutLedgerEntry(ctx context.Context, e domain.LedgerEntry) error {
	bonuses := e.Bonuses
	if bonuses == nil {
		bonuses = []string{}
	}
	_, err := b.pool.Exec(ctx, `
		INSERT INTO xp_ledger
			(id, user_id, workout_id, activity_type, base_xp, final_xp, multiplier, bonuses, earned_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			base_xp    = EXCLUDED.base_xp,
			final_xp   = EXCLUDED.final_xp,
			multiplier = EXCLUDED.multiplier,
			bonuses    = EXCLUDED.bonuses,
			updated_at = now()
	`,
		e.ID, e.UserID, e.WorkoutID, e.ActivityType,
		e.BaseXP, e.FinalXP, e.Multiplier, bonuses, e.EarnedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert ledger entry %s: %w", e.ID, err)
	}
	return nil
}

func (b *backend) PutActivityPost(ctx context.Context, p domain.ActivityPost) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO activity_posts
			(id, user_id, workout_id, activity_type, duration_min, distance_m, xp, posted_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			xp         = EXCLUDED.xp,
			updated_at = now()
	`,
		p.ID, p.UserID, p.WorkoutID, p.ActivityType,
		p.DurationMin, p.DistanceM, p.XP, p.PostedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert activity post %s: %w", p.ID, err)
	}
	return nil
}

func (b *backend) PutStatsDelta(ctx context.Context, d domain.StatsDelta) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO stats_deltas
			(id, user_id, workout_id, xp, workouts, duration_sec, energy_kcal, recorded_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			xp           = EXCLUDED.xp,
			duration_sec = EXCLUDED.duration_sec,
			energy_kcal  = EXCLUDED.energy_kcal,
			updated_at   = now()
	`,
		d.ID, d.UserID, d.WorkoutID, d.XP, d.Workouts,
		d.DurationSec, d.EnergyKcal, d.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert stats delta %s: %w", d.ID, err)
	}
	return nil
}

// UserTotals reads the aggregated view; used by the integration tests and
// the status command when Postgres is the backend.
func UserTotals(ctx context.Context, pool *pgxpool.Pool, userID string) (totalXP, workouts int, err error) {
	row := pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(xp), 0), COALESCE(SUM(workouts), 0)
		FROM stats_deltas
		WHERE user_id = $1
	`, userID)
	if err := row.Scan(&totalXP, &workouts); err != nil {
		return 0, 0, fmt.Errorf("scan user totals %s: %w", userID, err)
	}
	return totalXP, workouts, nil
}
