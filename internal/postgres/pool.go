// Package postgres builds the pgx connection pool consumed by the queue.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
)

// Config holds pool construction parameters. Zero values defer to pgx
// defaults.
type Config struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
	HealthCheckSecs int
	LogStatements   bool // trace every statement through the logger at debug level
}

// New parses the database URL, applies the pool settings, connects, and
// verifies the connection with a ping.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	if cfg.URL == "" {
		return nil, errors.New("database URL is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.HealthCheckSecs > 0 {
		poolCfg.HealthCheckPeriod = time.Duration(cfg.HealthCheckSecs) * time.Second
	}
	if cfg.LogStatements {
		poolCfg.ConnConfig.Tracer = &tracelog.TraceLog{
			Logger:   slogTraceLogger{logger: logger},
			LogLevel: tracelog.LogLevelDebug,
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Debug("database pool ready",
		"max_conns", poolCfg.MaxConns, "min_conns", poolCfg.MinConns)
	return pool, nil
}

// slogTraceLogger adapts *slog.Logger to pgx's tracelog interface.
type slogTraceLogger struct {
	logger *slog.Logger
}

func (l slogTraceLogger) Log(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
	attrs := make([]any, 0, len(data)*2)
	for k, v := range data {
		attrs = append(attrs, k, v)
	}
	switch level {
	case tracelog.LogLevelError:
		l.logger.ErrorContext(ctx, msg, attrs...)
	case tracelog.LogLevelWarn:
		l.logger.WarnContext(ctx, msg, attrs...)
	default:
		l.logger.DebugContext(ctx, msg, attrs...)
	}
}
