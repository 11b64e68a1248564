package universe

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketpulse/eventrelay/internal/config"
)

// PostgresResolver resolves universes from a universe_members table.
type PostgresResolver struct {
	pool *pgxpool.Pool
}

// NewPostgresResolver connects and verifies the database.
func NewPostgresResolver(ctx context.Context, cfg config.DBConfig) (*PostgresResolver, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresResolver{pool: pool}, nil
}

// Resolve returns the members of a universe, sorted by symbol.
func (r *PostgresResolver) Resolve(ctx context.Context, key string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT symbol FROM universe_members WHERE universe = $1 ORDER BY symbol`, key)
	if err != nil {
		return nil, fmt.Errorf("query universe %s: %w", key, err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan universe member: %w", err)
		}
		symbols = append(symbols, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate universe %s: %w", key, err)
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUniverse, key)
	}
	return symbols, nil
}

// Close releases the connection pool.
func (r *PostgresResolver) Close() {
	r.pool.Close()
}

// BuildConnString builds a PostgreSQL connection string from config.
func BuildConnString(cfg config.DBConfig) string {
	// URL-encode password to handle special characters
	escapedPassword := url.QueryEscape(cfg.Password)

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User,
		escapedPassword,
		cfg.Host,
		cfg.Port,
		cfg.Name,
		sslMode,
	)
}
