package billing

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/meterdeck/meterdeck/store"
)

func testBilling(t *testing.T) (*Service, *store.SQLiteStore) {
	t.Helper()

	db, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(db, db, logger), db
}

func TestPlanByName(t *testing.T) {
	if got := PlanByName("team").RequestsPerMonth; got != 2_000_000 {
		t.Errorf("team requests = %d, want 2000000", got)
	}
	// Unknown plan names must not grant unlimited quota.
	if got := PlanByName("bogus"); got.Name != "free" {
		t.Errorf("unknown plan resolved to %q, want free", got.Name)
	}
}

func TestSummary(t *testing.T) {
	svc, db := testBilling(t)
	ctx := context.Background()

	org := &store.Organization{ID: "org1", Name: "acme", Plan: "starter", CreatedAt: time.Now().UTC()}
	if err := db.CreateOrganization(ctx, org); err != nil {
		t.Fatalf("create org: %v", err)
	}

	fixed := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	// Two days inside the period, one before it.
	if err := svc.Record(ctx, "org1", 100); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := db.IncrementUsage(ctx, "org1", fixed.AddDate(0, 0, -10), 50); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := db.IncrementUsage(ctx, "org1", fixed.AddDate(0, -1, 0), 999); err != nil {
		t.Fatalf("increment: %v", err)
	}

	summary, err := svc.Summary(ctx, "org1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.RequestsThisMonth != 150 {
		t.Errorf("requests = %d, want 150", summary.RequestsThisMonth)
	}
	if summary.Plan.Name != "starter" {
		t.Errorf("plan = %q, want starter", summary.Plan.Name)
	}
	if summary.PeriodStart != "2026-08-01" {
		t.Errorf("period start = %q, want 2026-08-01", summary.PeriodStart)
	}
	if summary.RequestsLimit != 250_000 {
		t.Errorf("limit = %d, want 250000", summary.RequestsLimit)
	}
	if summary.UsedPercent <= 0 {
		t.Errorf("used percent = %f, want > 0", summary.UsedPercent)
	}
}

func TestSummaryUnknownOrgDefaultsToFree(t *testing.T) {
	svc, _ := testBilling(t)

	summary, err := svc.Summary(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Plan.Name != "free" {
		t.Errorf("plan = %q, want free", summary.Plan.Name)
	}
	if summary.RequestsThisMonth != 0 {
		t.Errorf("requests = %d, want 0", summary.RequestsThisMonth)
	}
}

func TestOverQuota(t *testing.T) {
	svc, db := testBilling(t)
	ctx := context.Background()

	org := &store.Organization{ID: "org1", Name: "acme", Plan: "free", CreatedAt: time.Now().UTC()}
	if err := db.CreateOrganization(ctx, org); err != nil {
		t.Fatalf("create org: %v", err)
	}

	over, err := svc.OverQuota(ctx, "org1")
	if err != nil {
		t.Fatalf("over quota: %v", err)
	}
	if over {
		t.Error("fresh org reported over quota")
	}

	if err := svc.Record(ctx, "org1", 10_000); err != nil {
		t.Fatalf("record: %v", err)
	}
	over, err = svc.OverQuota(ctx, "org1")
	if err != nil {
		t.Fatalf("over quota: %v", err)
	}
	if !over {
		t.Error("exhausted org not reported over quota")
	}
}
