package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/hanko-field/store-api/internal/domain"
)

func okCheck(context.Context) error { return nil }

func TestDependencyHealthAllHealthy(t *testing.T) {
	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	repo, err := NewDependencyHealthRepository([]DependencyCheck{
		{Name: "postgres", Critical: true, Check: okCheck},
		{Name: "pubsub", Check: okCheck},
	}, WithDependencyClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusOK || len(report.Checks) != 2 || !report.GeneratedAt.Equal(now) {
		t.Fatalf("unexpected report %+v", report)
	}
	for name, check := range report.Checks {
		if check.Status != domain.HealthStatusOK || check.Detail != "ok" || !check.CheckedAt.Equal(now) {
			t.Fatalf("%s: %+v", name, check)
		}
	}
}

func TestDependencyHealthCriticality(t *testing.T) {
	refused := errors.New("connection refused")
	cases := []struct {
		name     string
		critical bool
		want     string
	}{
		{"optional dependency degrades", false, domain.HealthStatusDegraded},
		{"critical dependency fails readiness", true, domain.HealthStatusError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo, err := NewDependencyHealthRepository([]DependencyCheck{
				{Name: "postgres", Critical: true, Check: okCheck},
				{Name: "dependency", Critical: tc.critical, Check: func(context.Context) error { return refused }},
			})
			if err != nil {
				t.Fatal(err)
			}
			report, _ := repo.Collect(context.Background())
			if report.Status != tc.want {
				t.Fatalf("status %s, want %s", report.Status, tc.want)
			}
			check := report.Checks["dependency"]
			if check.Status != tc.want || check.Error != refused.Error() || check.Detail != "unavailable" {
				t.Fatalf("check %+v", check)
			}
		})
	}
}

func TestDependencyHealthTimeout(t *testing.T) {
	slow := func(ctx context.Context) error {
		select {
		case <-time.After(200 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	stubborn := func(context.Context) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	}
	repo, err := NewDependencyHealthRepository([]DependencyCheck{
		{Name: "postgres", Critical: true, Timeout: 5 * time.Millisecond, Check: slow},
		{Name: "secret_manager", Check: stubborn},
	}, WithDependencyTimeout(5*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	report, _ := repo.Collect(context.Background())
	if report.Status != domain.HealthStatusError {
		t.Fatalf("status %s", report.Status)
	}
	if check := report.Checks["postgres"]; check.Detail != "timeout" || check.Status != domain.HealthStatusError {
		t.Fatalf("postgres %+v", check)
	}
	if check := report.Checks["secret_manager"]; check.Detail != "timeout" || check.Status != domain.HealthStatusDegraded {
		t.Fatalf("a probe that ignores its deadline must still fail: %+v", check)
	}
}

func TestNewDependencyHealthRepositoryValidation(t *testing.T) {
	cases := map[string][]DependencyCheck{
		"empty":          nil,
		"missing check":  {{Name: "postgres"}},
		"missing name":   {{Check: okCheck}},
		"duplicate name": {{Name: "postgres", Check: okCheck}, {Name: " postgres ", Check: okCheck}},
	}
	for name, checks := range cases {
		if _, err := NewDependencyHealthRepository(checks); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
