package monitor

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check probes one aspect of the node. A failing critical check makes the
// node unhealthy, any other failing check only degrades it.
type Check struct {
	Name     string
	Critical bool
	Probe    func(ctx context.Context) error
}

type CheckResult struct {
	Name     string        `json:"name"`
	Critical bool          `json:"critical"`
	Healthy  bool          `json:"healthy"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

type Report struct {
	Status    Status        `json:"status"`
	CheckedAt time.Time     `json:"checked_at"`
	Checks    []CheckResult `json:"checks"`
}

// HealthChecker runs named checks concurrently, each bounded by a timeout.
type HealthChecker struct {
	timeout time.Duration
	now     func() time.Time
	checks  map[string]Check
	last    Report
	lk      sync.Mutex
}

func NewHealthChecker(timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HealthChecker{
		timeout: timeout,
		now:     time.Now,
		checks:  make(map[string]Check),
	}
}

// Register adds or replaces a check.
func (hc *HealthChecker) Register(check Check) error {
	if check.Name == "" || check.Probe == nil {
		return fmt.Errorf("%w: a check needs a name and a probe", ErrInvalidCfg)
	}
	hc.lk.Lock()
	defer hc.lk.Unlock()
	hc.checks[check.Name] = check
	return nil
}

func (hc *HealthChecker) Unregister(name string) {
	hc.lk.Lock()
	defer hc.lk.Unlock()
	delete(hc.checks, name)
}

// Check runs every check and returns the aggregated report.
func (hc *HealthChecker) Check(ctx context.Context) Report {
	hc.lk.Lock()
	checks := slices.Collect(maps.Values(hc.checks))
	hc.lk.Unlock()
	slices.SortFunc(checks, func(a, b Check) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})

	results := make([]CheckResult, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, hc.timeout)
			defer cancel()
			start := time.Now()
			err := c.Probe(cctx)
			if err == nil && cctx.Err() != nil {
				err = cctx.Err()
			}
			results[i] = CheckResult{
				Name:     c.Name,
				Critical: c.Critical,
				Healthy:  err == nil,
				Duration: time.Since(start),
			}
			if err != nil {
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Status: StatusHealthy, CheckedAt: hc.now(), Checks: results}
	for _, r := range results {
		if r.Healthy {
			continue
		}
		if r.Critical {
			report.Status = StatusUnhealthy
			break
		}
		report.Status = StatusDegraded
	}

	hc.lk.Lock()
	hc.last = report
	hc.lk.Unlock()
	return report
}

// Last returns the report of the previous Check.
func (hc *HealthChecker) Last() Report {
	hc.lk.Lock()
	defer hc.lk.Unlock()
	return hc.last
}
