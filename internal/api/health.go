package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/sms-dispatch/internal/breaker"
	"github.com/ignite/sms-dispatch/internal/pkg/httputil"
)

const healthVersion = "1.0.0"

// HealthStatus represents the overall health of the service.
type HealthStatus struct {
	Status  string                    `json:"status"` // "healthy" or "degraded"
	Version string                    `json:"version"`
	Uptime  string                    `json:"uptime"`
	Checks  map[string]ComponentCheck `json:"checks"`
}

// ComponentCheck represents the health of a single dependency.
type ComponentCheck struct {
	Status  string `json:"status"` // "up", "down", "degraded", "not_configured"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthChecker probes the service dependencies. The database and Redis
// clients may be nil; their checks then report "not_configured". The
// breaker check is a proxy for gateway reachability without sending a
// message.
type HealthChecker struct {
	db          *sql.DB
	redisClient *redis.Client
	breaker     *breaker.Breaker
	startTime   time.Time
}

// NewHealthChecker creates a HealthChecker.
func NewHealthChecker(db *sql.DB, redisClient *redis.Client, cb *breaker.Breaker) *HealthChecker {
	return &HealthChecker{
		db:          db,
		redisClient: redisClient,
		breaker:     cb,
		startTime:   time.Now(),
	}
}

// HandleHealth returns liveness plus per-dependency status. The HTTP status
// is always 200; the body's status field conveys health.
//
//	GET /health
func (hc *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]ComponentCheck{
		"database": hc.checkDatabase(r.Context()),
		"redis":    hc.checkRedis(r.Context()),
		"gateway":  hc.checkBreaker(),
	}

	overall := "healthy"
	for _, c := range checks {
		if c.Status == "down" || c.Status == "degraded" {
			overall = "degraded"
			break
		}
	}

	httputil.OK(w, HealthStatus{
		Status:  overall,
		Version: healthVersion,
		Uptime:  time.Since(hc.startTime).Round(time.Second).String(),
		Checks:  checks,
	})
}

func (hc *HealthChecker) checkDatabase(ctx context.Context) ComponentCheck {
	if hc.db == nil {
		return ComponentCheck{Status: "not_configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	if err := hc.db.PingContext(ctx); err != nil {
		return ComponentCheck{Status: "down", Message: err.Error()}
	}
	return ComponentCheck{Status: "up", Latency: time.Since(start).String()}
}

func (hc *HealthChecker) checkRedis(ctx context.Context) ComponentCheck {
	if hc.redisClient == nil {
		return ComponentCheck{Status: "not_configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	if err := hc.redisClient.Ping(ctx).Err(); err != nil {
		return ComponentCheck{Status: "down", Message: err.Error()}
	}
	return ComponentCheck{Status: "up", Latency: time.Since(start).String()}
}

func (hc *HealthChecker) checkBreaker() ComponentCheck {
	stats := hc.breaker.Stats()
	switch stats.State {
	case breaker.StateOpen:
		return ComponentCheck{Status: "down", Message: "circuit breaker open"}
	case breaker.StateHalfOpen:
		return ComponentCheck{Status: "degraded", Message: "circuit breaker probing"}
	default:
		return ComponentCheck{Status: "up"}
	}
}
