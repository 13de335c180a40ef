package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ignite/bulk-verifier/internal/pkg/httputil"
	"github.com/redis/go-redis/v9"
)

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status  string                    `json:"status"` // healthy, degraded or unhealthy
	Version string                    `json:"version"`
	Uptime  string                    `json:"uptime"`
	Checks  map[string]ComponentCheck `json:"checks"`
}

// ComponentCheck is one dependency's result. Status is up, degraded or down.
type ComponentCheck struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// Pinger is implemented by result stores that can check their backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RunningCounter reports how many jobs this process is running.
type RunningCounter interface {
	Running() int
}

const (
	healthVersion = "1.0.0"
	notConfigured = "not configured"
)

// Job state lives in the database and progress/locks in Redis, so losing
// either stops the pipeline. Storage only affects result exports.
var criticalComponents = map[string]bool{"database": true, "redis": true}

// component is a named dependency probe with its timeout and the latency
// above which it counts as degraded.
type component struct {
	name    string
	timeout time.Duration
	slow    time.Duration
	ping    func(context.Context) error // nil when not configured
}

// HealthChecker checks the verifier's dependencies. Any of them may be nil;
// memory mode runs without a database or Redis.
type HealthChecker struct {
	components []component
	runner     RunningCounter
	started    time.Time
}

func NewHealthChecker(db *sql.DB, redisClient *redis.Client, store Pinger, runner RunningCounter) *HealthChecker {
	hc := &HealthChecker{runner: runner, started: time.Now()}

	dbc := component{name: "database", timeout: 3 * time.Second, slow: time.Second}
	if db != nil {
		dbc.ping = db.PingContext
	}
	rc := component{name: "redis", timeout: 2 * time.Second, slow: 500 * time.Millisecond}
	if redisClient != nil {
		rc.ping = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	sc := component{name: "storage", timeout: 3 * time.Second, slow: time.Second}
	if store != nil {
		sc.ping = store.Ping
	}
	hc.components = []component{dbc, rc, sc}
	return hc
}

func (hc *HealthChecker) uptime() string {
	return time.Since(hc.started).Round(time.Second).String()
}

// HandleHealth always answers 200; the body carries the status.
//
//	GET /health
func (hc *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	checks := hc.check(r.Context())
	httputil.OK(w, HealthStatus{
		Status:  determineOverallStatus(checks),
		Version: healthVersion,
		Uptime:  hc.uptime(),
		Checks:  checks,
	})
}

//	GET /health/live
func (hc *HealthChecker) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"status": "alive", "uptime": hc.uptime()})
}

// HandleReadiness answers 503 when the database or Redis is configured and
// down, so load balancers stop routing submits to this replica.
//
//	GET /health/ready
func (hc *HealthChecker) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	checks := hc.check(r.Context())
	overall := determineOverallStatus(checks)
	status := http.StatusOK
	if overall == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	httputil.JSON(w, status, map[string]interface{}{
		"ready":  status == http.StatusOK,
		"status": overall,
		"checks": checks,
	})
}

// check pings every component concurrently and adds the job count.
func (hc *HealthChecker) check(ctx context.Context) map[string]ComponentCheck {
	checks := make(map[string]ComponentCheck, len(hc.components)+1)
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range hc.components {
		wg.Add(1)
		go func(c component) {
			defer wg.Done()
			res := c.run(ctx)
			mu.Lock()
			checks[c.name] = res
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	if hc.runner == nil {
		checks["jobs"] = ComponentCheck{Status: "down", Message: notConfigured}
	} else {
		checks["jobs"] = ComponentCheck{Status: "up", Message: fmt.Sprintf("%d jobs running", hc.runner.Running())}
	}
	return checks
}

func (c component) run(ctx context.Context) ComponentCheck {
	if c.ping == nil {
		return ComponentCheck{Status: "down", Message: notConfigured}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := c.ping(ctx)
	took := time.Since(start)

	switch {
	case err != nil:
		return ComponentCheck{Status: "down", Latency: took.String(), Message: "ping failed: " + err.Error()}
	case took > c.slow:
		return ComponentCheck{Status: "degraded", Latency: took.String(), Message: "slow response"}
	}
	return ComponentCheck{Status: "up", Latency: took.String(), Message: "connected"}
}

// determineOverallStatus is unhealthy when a configured critical component
// is down, degraded when anything else configured is degraded or down, and
// healthy otherwise. Unconfigured components never count against it.
func determineOverallStatus(checks map[string]ComponentCheck) string {
	overall := "healthy"
	for name, c := range checks {
		failing := c.Status == "degraded" || (c.Status == "down" && c.Message != notConfigured)
		if !failing {
			continue
		}
		if c.Status == "down" && criticalComponents[name] {
			return "unhealthy"
		}
		overall = "degraded"
	}
	return overall
}
