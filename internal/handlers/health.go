package handlers

import (
	"net/http"
	"slices"
	"time"

	domain "github.com/hanko-field/store-api/internal/domain"
	"github.com/hanko-field/store-api/internal/services"
)

// HealthHandlers serves /healthz (liveness) and /readyz (readiness).
type HealthHandlers struct {
	system services.SystemService
	build  services.BuildInfo
	clock  func() time.Time
}

type HealthOption func(*HealthHandlers)

// WithHealthSystemService enables dependency checks on /readyz. Without it readiness mirrors liveness.
func WithHealthSystemService(svc services.SystemService) HealthOption {
	return func(h *HealthHandlers) { h.system = svc }
}

func WithHealthBuildInfo(info services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) { h.build = info }
}

func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

type buildPayload struct {
	Version     string `json:"version,omitempty"`
	CommitSHA   string `json:"commit_sha,omitempty"`
	Environment string `json:"environment,omitempty"`
	Uptime      string `json:"uptime"`
}

type livenessPayload struct {
	Status string `json:"status"`
	buildPayload
	Timestamp string `json:"timestamp"`
}

type checkPayload struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	CheckedAt string `json:"checked_at,omitempty"`
}

type readinessPayload struct {
	Status string `json:"status"`
	buildPayload
	GeneratedAt string                  `json:"generated_at"`
	Checks      map[string]checkPayload `json:"checks"`
	Failing     []string                `json:"failing,omitempty"`
}

func (h *HealthHandlers) buildInfo(now time.Time) buildPayload {
	return buildPayload{
		Version:     h.build.Version,
		CommitSHA:   h.build.CommitSHA,
		Environment: h.build.Environment,
		Uptime:      now.Sub(h.build.StartedAt).Round(time.Second).String(),
	}
}

// Healthz never touches dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	now := h.clock().UTC()
	writeJSONResponse(w, http.StatusOK, livenessPayload{
		Status:       domain.HealthStatusOK,
		buildPayload: h.buildInfo(now),
		Timestamp:    now.Format(time.RFC3339),
	})
}

// Readyz answers 503 unless every dependency check reports ok.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	payload := readinessPayload{
		Status:       domain.HealthStatusOK,
		buildPayload: h.buildInfo(now),
		GeneratedAt:  now.Format(time.RFC3339),
		Checks:       map[string]checkPayload{},
	}
	if h.system == nil {
		writeJSONResponse(w, http.StatusOK, payload)
		return
	}

	report, err := h.system.HealthReport(r.Context())
	if err != nil {
		payload.Status = domain.HealthStatusError
		payload.Failing = []string{"health_report: " + err.Error()}
		writeJSONResponse(w, http.StatusServiceUnavailable, payload)
		return
	}

	payload.Status = report.Status
	payload.Version = firstNonEmpty(report.Version, payload.Version)
	payload.CommitSHA = firstNonEmpty(report.CommitSHA, payload.CommitSHA)
	payload.Environment = firstNonEmpty(report.Environment, payload.Environment)
	if report.Uptime > 0 {
		payload.Uptime = report.Uptime.Round(time.Second).String()
	}
	if at := formatTime(report.GeneratedAt); at != "" {
		payload.GeneratedAt = at
	}
	for name, check := range report.Checks {
		payload.Checks[name] = checkPayload{
			Status:    check.Status,
			Detail:    check.Detail,
			Error:     check.Error,
			LatencyMS: check.Latency.Milliseconds(),
			CheckedAt: formatTime(check.CheckedAt),
		}
		if check.Status != "" && check.Status != domain.HealthStatusOK {
			payload.Failing = append(payload.Failing, name+": "+firstNonEmpty(check.Error, check.Status))
		}
	}
	slices.Sort(payload.Failing)

	status := http.StatusOK
	if report.Status != domain.HealthStatusOK {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, payload)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
