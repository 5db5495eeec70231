package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/meterdeck/meterdeck/store"
)

// Summary is the usage report served by the billing endpoint.
type Summary struct {
	OrgID             string  `json:"org_id"`
	Plan              Plan    `json:"plan"`
	PeriodStart       string  `json:"period_start"` // first day of the UTC month
	RequestsThisMonth int64   `json:"requests_this_month"`
	RequestsLimit     int64   `json:"requests_limit"` // 0 means unlimited
	UsedPercent       float64 `json:"used_percent"`
	ActiveSessions    int     `json:"active_sessions"`
	SessionsLimit     int     `json:"sessions_limit"` // 0 means unlimited
}

// Service aggregates per-org usage counters against plan limits.
type Service struct {
	db       store.Store
	sessions store.SessionStore
	logger   *slog.Logger

	// now is swappable in tests.
	now func() time.Time
}

// NewService creates a billing service.
func NewService(db store.Store, sessions store.SessionStore, logger *slog.Logger) *Service {
	return &Service{db: db, sessions: sessions, logger: logger, now: time.Now}
}

// Record adds n requests to the org's counter for the current UTC day.
// Recording is best-effort bookkeeping; callers on the request path log
// failures instead of failing the request.
func (s *Service) Record(ctx context.Context, orgID string, n int64) error {
	return s.db.IncrementUsage(ctx, orgID, s.now().UTC(), n)
}

// Summary computes the org's usage for the current billing period.
func (s *Service) Summary(ctx context.Context, orgID string) (*Summary, error) {
	org, err := s.db.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("billing: %w", err)
	}

	planName := "free"
	if org != nil {
		planName = org.Plan
	}
	plan := PlanByName(planName)

	now := s.now().UTC()
	periodStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	requests, err := s.db.UsageSince(ctx, orgID, periodStart)
	if err != nil {
		return nil, fmt.Errorf("billing: usage: %w", err)
	}

	active, err := s.sessions.CountActiveSessionsByOrg(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("billing: sessions: %w", err)
	}

	summary := &Summary{
		OrgID:             orgID,
		Plan:              plan,
		PeriodStart:       periodStart.Format("2006-01-02"),
		RequestsThisMonth: requests,
		RequestsLimit:     plan.RequestsPerMonth,
		ActiveSessions:    active,
		SessionsLimit:     plan.MaxActiveSessions,
	}
	if plan.RequestsPerMonth > 0 {
		summary.UsedPercent = float64(requests) / float64(plan.RequestsPerMonth) * 100
	}
	return summary, nil
}

// OverQuota reports whether the org has exhausted its monthly request quota.
func (s *Service) OverQuota(ctx context.Context, orgID string) (bool, error) {
	summary, err := s.Summary(ctx, orgID)
	if err != nil {
		return false, err
	}
	if summary.RequestsLimit == 0 {
		return false, nil
	}
	return summary.RequestsThisMonth >= summary.RequestsLimit, nil
}
