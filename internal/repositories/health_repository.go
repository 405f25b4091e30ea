package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	domain "github.com/hanko-field/store-api/internal/domain"
)

const defaultProbeTimeout = 1500 * time.Millisecond

// DependencyCheck is one readiness probe. A failing Critical dependency makes the service unready
// (error); any other failure only degrades it.
type DependencyCheck struct {
	Name     string
	Critical bool
	Timeout  time.Duration
	Check    func(context.Context) error
}

type DependencyHealthOption func(*dependencyHealth)

// WithDependencyTimeout applies to checks that do not set their own timeout.
func WithDependencyTimeout(timeout time.Duration) DependencyHealthOption {
	return func(d *dependencyHealth) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

func WithDependencyClock(clock func() time.Time) DependencyHealthOption {
	return func(d *dependencyHealth) {
		if clock != nil {
			d.clock = clock
		}
	}
}

type dependencyHealth struct {
	checks  []DependencyCheck
	timeout time.Duration
	clock   func() time.Time
}

var _ HealthRepository = (*dependencyHealth)(nil)

// NewDependencyHealthRepository runs every check concurrently on each Collect. Names must be unique.
func NewDependencyHealthRepository(checks []DependencyCheck, opts ...DependencyHealthOption) (HealthRepository, error) {
	if len(checks) == 0 {
		return nil, errors.New("health repository: at least one dependency check is required")
	}
	seen := make(map[string]struct{}, len(checks))
	for _, check := range checks {
		name := strings.TrimSpace(check.Name)
		switch {
		case name == "":
			return nil, errors.New("health repository: dependency check missing name")
		case check.Check == nil:
			return nil, fmt.Errorf("health repository: dependency %s missing check function", name)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("health repository: duplicate dependency %s", name)
		}
		seen[name] = struct{}{}
	}
	d := &dependencyHealth{
		checks:  append([]DependencyCheck(nil), checks...),
		timeout: defaultProbeTimeout,
		clock:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

func (d *dependencyHealth) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	if ctx == nil {
		return domain.SystemHealthReport{}, errors.New("health repository: context is required")
	}
	results := make([]domain.SystemHealthCheck, len(d.checks))
	var wg sync.WaitGroup
	for i := range d.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = d.run(ctx, d.checks[i])
		}()
	}
	wg.Wait()

	report := domain.SystemHealthReport{
		Status:      domain.HealthStatusOK,
		Checks:      make(map[string]domain.SystemHealthCheck, len(results)),
		GeneratedAt: d.clock(),
	}
	for i, result := range results {
		report.Checks[strings.TrimSpace(d.checks[i].Name)] = result
		report.Status = worse(report.Status, result.Status)
	}
	return report, nil
}

func (d *dependencyHealth) run(ctx context.Context, check DependencyCheck) domain.SystemHealthCheck {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = d.timeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := d.clock()
	err := check.Check(probeCtx)
	if err == nil {
		// a probe that ignored its deadline still counts as failed
		err = probeCtx.Err()
	}
	finished := d.clock()

	result := domain.SystemHealthCheck{
		Status:    domain.HealthStatusOK,
		Detail:    "ok",
		Latency:   finished.Sub(started),
		CheckedAt: finished,
	}
	if err == nil {
		return result
	}
	result.Error = err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		result.Detail = "timeout"
	case errors.Is(err, context.Canceled):
		result.Detail = "cancelled"
	default:
		result.Detail = "unavailable"
	}
	result.Status = domain.HealthStatusDegraded
	if check.Critical {
		result.Status = domain.HealthStatusError
	}
	return result
}

func worse(a, b string) string {
	rank := func(s string) int {
		switch s {
		case domain.HealthStatusError:
			return 2
		case domain.HealthStatusDegraded:
			return 1
		}
		return 0
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
