package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	domain "github.com/hanko-field/store-api/internal/domain"
	"github.com/hanko-field/store-api/internal/repositories"
)

const defaultReportTTL = 2 * time.Second

// BuildInfo is the deployment metadata reported by health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
	// ReportTTL is how long a readiness report is reused. Zero means the default; negative disables
	// reuse.
	ReportTTL time.Duration
}

// systemService collapses concurrent readiness probes into one dependency sweep and reuses the
// result for a short window so a burst of probes does not multiply database pings.
type systemService struct {
	health repositories.HealthRepository
	clock  func() time.Time
	build  BuildInfo
	ttl    time.Duration

	group singleflight.Group

	mu       sync.Mutex
	cached   domain.SystemHealthReport
	cachedAt time.Time
}

var _ SystemService = (*systemService)(nil)

func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := deps.ReportTTL
	if ttl == 0 {
		ttl = defaultReportTTL
	}
	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock().UTC()
	}
	return &systemService{
		health: deps.HealthRepository,
		clock:  func() time.Time { return clock().UTC() },
		build:  build,
		ttl:    ttl,
	}, nil
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	if ctx == nil {
		return SystemHealthReport{}, errors.New("system service: context is required")
	}
	now := s.clock()
	if report, ok := s.fresh(now); ok {
		return s.decorate(report, now), nil
	}

	// The sweep runs detached from the first caller so its cancellation cannot fail the others.
	result, err, _ := s.group.Do("health", func() (any, error) {
		report, err := s.health.Collect(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		s.store(report, s.clock())
		return report, nil
	})
	if err != nil {
		return SystemHealthReport{}, err
	}
	return s.decorate(result.(domain.SystemHealthReport), now), nil
}

func (s *systemService) fresh(now time.Time) (domain.SystemHealthReport, bool) {
	if s.ttl < 0 {
		return domain.SystemHealthReport{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cachedAt.IsZero() || now.Sub(s.cachedAt) >= s.ttl {
		return domain.SystemHealthReport{}, false
	}
	return s.cached, true
}

func (s *systemService) store(report domain.SystemHealthReport, at time.Time) {
	if s.ttl < 0 {
		return
	}
	s.mu.Lock()
	s.cached, s.cachedAt = report, at
	s.mu.Unlock()
}

// decorate fills build metadata and derives the overall status when the repository left it blank.
func (s *systemService) decorate(report domain.SystemHealthReport, now time.Time) domain.SystemHealthReport {
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	report.GeneratedAt = report.GeneratedAt.UTC()
	if report.Version == "" {
		report.Version = s.build.Version
	}
	if report.CommitSHA == "" {
		report.CommitSHA = s.build.CommitSHA
	}
	if report.Environment == "" {
		report.Environment = s.build.Environment
	}
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	if report.Status == "" {
		report.Status = worstStatus(report.Checks)
	}
	return report
}

func worstStatus(checks map[string]domain.SystemHealthCheck) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusError:
			return domain.HealthStatusError
		case domain.HealthStatusOK, "":
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
