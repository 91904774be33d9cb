package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PoolStatsRepository handles pool statistics history
type PoolStatsRepository struct {
	db *sql.DB
}

// NewPoolStatsRepository creates a new pool statistics repository
func NewPoolStatsRepository(db *sql.DB) *PoolStatsRepository {
	return &PoolStatsRepository{db: db}
}

const poolStatsColumns = `pool, host, port, state, active, difficulty, hash_rate, alternate_hash_rate,
		       good_shares, good_alternate_shares, bad_shares, connection_errors,
		       last_connection_error, reason, recorded_at`

// CreatePoolStats stores a statistics snapshot
func (r *PoolStatsRepository) CreatePoolStats(ctx context.Context, s *PoolStats) error {
	query := `
		INSERT INTO pool_stats (` + poolStatsColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		s.Pool, s.Host, s.Port, s.State, s.Active, s.Difficulty, s.HashRate, s.AlternateHashRate,
		s.GoodShares, s.GoodAlternateShares, s.BadShares, s.ConnectionErrors,
		s.LastConnectionError, s.Reason, s.RecordedAt,
	).Scan(&s.ID)

	if err != nil {
		return fmt.Errorf("failed to create pool stats: %w", err)
	}

	return nil
}

// GetPoolStatsHistory retrieves snapshots of a pool, newest first
func (r *PoolStatsRepository) GetPoolStatsHistory(ctx context.Context, pool string, limit, offset int) ([]*PoolStats, error) {
	query := `
		SELECT id, ` + poolStatsColumns + `
		FROM pool_stats
		WHERE pool = $1
		ORDER BY recorded_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, pool, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query pool stats: %w", err)
	}
	return scanPoolStats(rows)
}

// GetLatestPoolStats retrieves the newest snapshot of every pool
func (r *PoolStatsRepository) GetLatestPoolStats(ctx context.Context) ([]*PoolStats, error) {
	query := `
		SELECT DISTINCT ON (pool) id, ` + poolStatsColumns + `
		FROM pool_stats
		ORDER BY pool, recorded_at DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest pool stats: %w", err)
	}
	return scanPoolStats(rows)
}

// DeletePoolStatsBefore prunes snapshots older than cutoff
func (r *PoolStatsRepository) DeletePoolStatsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM pool_stats WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune pool stats: %w", err)
	}
	return res.RowsAffected()
}

func scanPoolStats(rows *sql.Rows) ([]*PoolStats, error) {
	defer func() { _ = rows.Close() }()

	var stats []*PoolStats
	for rows.Next() {
		s := &PoolStats{}
		err := rows.Scan(
			&s.ID, &s.Pool, &s.Host, &s.Port, &s.State, &s.Active, &s.Difficulty,
			&s.HashRate, &s.AlternateHashRate, &s.GoodShares, &s.GoodAlternateShares,
			&s.BadShares, &s.ConnectionErrors, &s.LastConnectionError, &s.Reason, &s.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pool stats: %w", err)
		}
		stats = append(stats, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pool stats: %w", err)
	}

	return stats, nil
}

// SwitchRepository handles pool switch history
type SwitchRepository struct {
	db *sql.DB
}

// NewSwitchRepository creates a new switch repository
func NewSwitchRepository(db *sql.DB) *SwitchRepository {
	return &SwitchRepository{db: db}
}

// CreateSwitch stores a pool switch
func (r *SwitchRepository) CreateSwitch(ctx context.Context, s *PoolSwitch) error {
	query := `
		INSERT INTO pool_switches (pool, miner_index, switched_at)
		VALUES ($1, $2, $3)
		RETURNING id`

	if err := r.db.QueryRowContext(ctx, query, s.Pool, s.MinerIndex, s.SwitchedAt).Scan(&s.ID); err != nil {
		return fmt.Errorf("failed to create pool switch: %w", err)
	}

	return nil
}

// GetRecentSwitches retrieves pool switches, newest first
func (r *SwitchRepository) GetRecentSwitches(ctx context.Context, limit, offset int) ([]*PoolSwitch, error) {
	query := `
		SELECT id, pool, miner_index, switched_at
		FROM pool_switches
		ORDER BY switched_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query pool switches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var switches []*PoolSwitch
	for rows.Next() {
		s := &PoolSwitch{}
		if err := rows.Scan(&s.ID, &s.Pool, &s.MinerIndex, &s.SwitchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pool switch: %w", err)
		}
		switches = append(switches, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pool switches: %w", err)
	}

	return switches, nil
}

// CountSwitchesSince counts pool switches after since
func (r *SwitchRepository) CountSwitchesSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pool_switches WHERE switched_at >= $1`, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pool switches: %w", err)
	}
	return n, nil
}
