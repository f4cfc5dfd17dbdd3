package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirserver/internal/fhirvalue"
)

// PoolStats mirrors pgxpool's own Stat() snapshot plus the queue-depth
// counts operators actually page on for this server: a healthy pool with a
// growing pending-job backlog still means the reindex sweep or batch
// workers are falling behind.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
	PendingJobs     int64  `json:"pending_jobs"`
	RunningJobs     int64  `json:"running_jobs"`
}

// GetPoolStats returns connection pool statistics and the current
// pending/running job counts from the jobs table that share this pool
// (internal/jobqueue). jobCounts failures don't fail the whole call: a
// stale job-count query shouldn't be confused with a down database.
func GetPoolStats(ctx context.Context, pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	stats := &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}

	row := pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'pending'),
			count(*) FILTER (WHERE status = 'running')
		FROM jobs`)
	_ = row.Scan(&stats.PendingJobs, &stats.RunningJobs)

	return stats
}

// HealthHandler serves the liveness/readiness probe every command in this
// tree exposes alongside its REST routes. The unhealthy body renders as an
// OperationOutcome like every other classified error this server returns,
// rather than a bespoke status shape.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		err := pool.Ping(ctx)
		stats := GetPoolStats(ctx, pool)

		if err != nil {
			stats.Healthy = false
			outcome := fhirvalue.NewObject()
			outcome.Set("resourceType", fhirvalue.NewString("OperationOutcome"))
			issue := fhirvalue.NewObject()
			issue.Set("severity", fhirvalue.NewString("error"))
			issue.Set("code", fhirvalue.NewString("exception"))
			issue.Set("diagnostics", fhirvalue.NewString("database unreachable: "+err.Error()))
			outcome.Set("issue", fhirvalue.NewCollection(issue))
			body, marshalErr := fhirvalue.ToJSON(outcome)
			if marshalErr != nil {
				return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
					"status": "unhealthy",
					"error":  err.Error(),
					"pool":   stats,
				})
			}
			return c.JSONBlob(http.StatusServiceUnavailable, body)
		}

		return c.JSON(http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"pool":   stats,
		})
	}
}
