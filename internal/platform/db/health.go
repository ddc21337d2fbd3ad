package db

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// Probe is what the health endpoint needs from a store handle.
type Probe interface {
	Backend() string
	Ping(ctx context.Context) error
	Stats() *PoolStats
}

type pgProbe struct{ pool *pgxpool.Pool }

// PgProbe wraps the pooled Postgres handle.
func PgProbe(pool *pgxpool.Pool) Probe { return pgProbe{pool: pool} }

func (p pgProbe) Backend() string { return "postgres" }
func (p pgProbe) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p pgProbe) Stats() *PoolStats {
	stat := p.pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

type sqliteProbe struct{ db *sql.DB }

// SQLiteProbe wraps the embedded single-connection handle.
func SQLiteProbe(sqlDB *sql.DB) Probe { return sqliteProbe{db: sqlDB} }

func (p sqliteProbe) Backend() string { return "sqlite" }
func (p sqliteProbe) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p sqliteProbe) Stats() *PoolStats {
	stat := p.db.Stats()
	return &PoolStats{
		TotalConns:      int32(stat.OpenConnections),
		IdleConns:       int32(stat.Idle),
		AcquiredConns:   int32(stat.InUse),
		MaxConns:        int32(stat.MaxOpenConnections),
		AcquireCount:    stat.WaitCount,
		AcquireDuration: stat.WaitDuration.String(),
		Healthy:         true,
	}
}

// Dependency is an optional collaborator, such as the bed view cache. A
// failing dependency degrades the report without failing it.
type Dependency struct {
	Name string
	Ping func(ctx context.Context) error
}

// HealthHandler returns a handler for the health check endpoint.
func HealthHandler(probe Probe, deps ...Dependency) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		err := probe.Ping(ctx)
		stats := probe.Stats()

		if err != nil {
			stats.Healthy = false
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status":  "unhealthy",
				"backend": probe.Backend(),
				"error":   err.Error(),
				"pool":    stats,
			})
		}

		status := "healthy"
		checks := make(map[string]string, len(deps))
		for _, d := range deps {
			if err := d.Ping(ctx); err != nil {
				checks[d.Name] = err.Error()
				status = "degraded"
				continue
			}
			checks[d.Name] = "ok"
		}

		body := map[string]interface{}{
			"status":  status,
			"backend": probe.Backend(),
			"pool":    stats,
		}
		if len(deps) > 0 {
			body["dependencies"] = checks
		}
		return c.JSON(http.StatusOK, body)
	}
}
