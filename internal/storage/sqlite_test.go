package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func day(s string) time.Time {
	d, err := ParseDay(s)
	if err != nil {
		panic(err)
	}
	return d
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestParseMigrationVersion(t *testing.T) {
	v, err := parseMigrationVersion("001_init.sql")
	if err != nil {
		t.Fatalf("parseMigrationVersion: %v", err)
	}
	if v != 1 {
		t.Errorf("version = %d, want 1", v)
	}
	if _, err := parseMigrationVersion("init.sql"); err == nil {
		t.Error("expected error for unnumbered file")
	}
}

func TestUpsertSearchFacts_InsertThenUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rows := []SearchFact{
		{Date: day("2024-03-01"), Property: "sc-domain:example.com", Page: "/a", Query: "q1", Country: "usa", Device: "MOBILE", Clicks: 10, Impressions: 100, CTR: 0.1, Position: 4},
		{Date: day("2024-03-01"), Property: "sc-domain:example.com", Page: "/a", Query: "q2", Country: "usa", Device: "MOBILE", Clicks: 5, Impressions: 50, CTR: 0.1, Position: 6},
	}
	res, err := s.UpsertSearchFacts(ctx, rows)
	if err != nil {
		t.Fatalf("UpsertSearchFacts: %v", err)
	}
	if res.Inserted != 2 || res.Updated != 0 {
		t.Errorf("first upsert = %+v, want 2 inserted", res)
	}

	rows[0].Clicks = 12
	res, err = s.UpsertSearchFacts(ctx, rows)
	if err != nil {
		t.Fatalf("UpsertSearchFacts (again): %v", err)
	}
	if res.Inserted != 0 || res.Updated != 2 {
		t.Errorf("second upsert = %+v, want 2 updated", res)
	}

	got, err := s.SearchFacts(ctx, "sc-domain:example.com")
	if err != nil {
		t.Fatalf("SearchFacts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Clicks != 12 {
		t.Errorf("clicks = %d, want 12 (overwritten)", got[0].Clicks)
	}
}

func TestDailyPages_WeightedPositionAndBehaviorJoin(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	prop := "sc-domain:example.com"

	if _, err := s.UpsertSearchFacts(ctx, []SearchFact{
		{Date: day("2024-03-01"), Property: prop, Page: "/a", Query: "q1", Clicks: 10, Impressions: 100, Position: 2},
		{Date: day("2024-03-01"), Property: prop, Page: "/a", Query: "q2", Clicks: 0, Impressions: 300, Position: 10},
		{Date: day("2024-03-02"), Property: prop, Page: "/a", Query: "q1", Clicks: 4, Impressions: 40, Position: 3},
		{Date: day("2024-03-03"), Property: prop, Page: "/a", Query: "q1", Clicks: 4, Impressions: 40, Position: 3},
	}); err != nil {
		t.Fatalf("UpsertSearchFacts: %v", err)
	}
	if _, err := s.UpsertBehaviorFacts(ctx, []BehaviorFact{
		{Date: day("2024-03-01"), Property: prop, Page: "/a", Sessions: 20, EngagedSessions: 10, Conversions: 1},
	}); err != nil {
		t.Fatalf("UpsertBehaviorFacts: %v", err)
	}

	got, err := s.DailyPages(ctx, prop, day("2024-03-02"), day("2024-03-02"))
	if err != nil {
		t.Fatalf("DailyPages: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (end is inclusive, later dates excluded)", len(got))
	}

	first := got[0]
	if first.Clicks != 10 || first.Impressions != 400 {
		t.Errorf("sums = %d/%d, want 10/400", first.Clicks, first.Impressions)
	}
	// (2*100 + 10*300) / 400 = 8
	if first.Position != 8 {
		t.Errorf("position = %v, want 8", first.Position)
	}
	if first.CTR != 0.025 {
		t.Errorf("ctr = %v, want 0.025", first.CTR)
	}
	if first.Sessions == nil || *first.Sessions != 20 {
		t.Errorf("sessions = %v, want 20", first.Sessions)
	}
	if got[1].Sessions != nil {
		t.Errorf("sessions on day without behavior data = %v, want nil", *got[1].Sessions)
	}

	// Behavior facts past the behavior boundary are not joined.
	got, err = s.DailyPages(ctx, prop, day("2024-03-02"), time.Time{})
	if err != nil {
		t.Fatalf("DailyPages: %v", err)
	}
	if len(got) != 2 || got[0].Sessions != nil {
		t.Errorf("rows = %d, sessions = %v; want 2 rows without behavior data", len(got), got[0].Sessions)
	}
}

func TestTopQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	prop := "sc-domain:example.com"

	if _, err := s.UpsertSearchFacts(ctx, []SearchFact{
		{Date: day("2024-03-01"), Property: prop, Page: "/a", Query: "cheap shoes", Clicks: 3, Impressions: 90},
		{Date: day("2024-03-02"), Property: prop, Page: "/a", Query: "cheap shoes", Clicks: 3, Impressions: 90},
		{Date: day("2024-03-01"), Property: prop, Page: "/a", Query: "running shoes", Clicks: 5, Impressions: 20},
	}); err != nil {
		t.Fatalf("UpsertSearchFacts: %v", err)
	}

	q, err := s.TopQuery(ctx, prop, "/a", day("2024-03-01"), day("2024-03-02"))
	if err != nil {
		t.Fatalf("TopQuery: %v", err)
	}
	if q != "cheap shoes" {
		t.Errorf("TopQuery = %q, want %q", q, "cheap shoes")
	}

	if _, err := s.TopQuery(ctx, prop, "/missing", day("2024-03-01"), day("2024-03-02")); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing page err = %v, want ErrNotFound", err)
	}
}

func TestWatermark_ClaimCommitFail(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	stale := time.Now().Add(-time.Hour)

	w, err := s.ClaimWatermark(ctx, "p", "gsc", "tok-1", stale)
	if err != nil {
		t.Fatalf("ClaimWatermark: %v", err)
	}
	if w.Status != RunRunning || !w.LastDate.IsZero() {
		t.Errorf("claimed watermark = %+v, want running with zero boundary", w)
	}

	if _, err := s.ClaimWatermark(ctx, "p", "gsc", "tok-2", stale); !errors.Is(err, ErrConflict) {
		t.Fatalf("second claim err = %v, want ErrConflict", err)
	}

	if err := s.CommitWatermark(ctx, "p", "gsc", "tok-1", day("2024-03-10"), 7); err != nil {
		t.Fatalf("CommitWatermark: %v", err)
	}

	// A commit with an older date must not move the boundary backward.
	if _, err := s.ClaimWatermark(ctx, "p", "gsc", "tok-3", stale); err != nil {
		t.Fatalf("ClaimWatermark: %v", err)
	}
	if err := s.CommitWatermark(ctx, "p", "gsc", "tok-3", day("2024-03-01"), 0); err != nil {
		t.Fatalf("CommitWatermark: %v", err)
	}
	got, err := s.GetWatermark(ctx, "p", "gsc")
	if err != nil {
		t.Fatalf("GetWatermark: %v", err)
	}
	if FormatDay(got.LastDate) != "2024-03-10" || got.RowsLoaded != 7 {
		t.Errorf("watermark = %s/%d, want 2024-03-10/7", FormatDay(got.LastDate), got.RowsLoaded)
	}

	if _, err := s.ClaimWatermark(ctx, "p", "gsc", "tok-4", stale); err != nil {
		t.Fatalf("ClaimWatermark: %v", err)
	}
	if err := s.FailWatermark(ctx, "p", "gsc", "tok-4", "boom"); err != nil {
		t.Fatalf("FailWatermark: %v", err)
	}
	got, _ = s.GetWatermark(ctx, "p", "gsc")
	if got.Status != RunFailed || got.ErrorMessage != "boom" {
		t.Errorf("status = %s (%q), want failed (boom)", got.Status, got.ErrorMessage)
	}
	if FormatDay(got.LastDate) != "2024-03-10" || got.RowsLoaded != 7 {
		t.Errorf("failed run changed watermark to %s/%d", FormatDay(got.LastDate), got.RowsLoaded)
	}
}

func TestWatermark_StaleClaimIsReclaimed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.ClaimWatermark(ctx, "p", "gsc", "old", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("ClaimWatermark: %v", err)
	}
	// Everything claimed before "now + 1s" counts as stale.
	if _, err := s.ClaimWatermark(ctx, "p", "gsc", "new", time.Now().Add(time.Second)); err != nil {
		t.Fatalf("reclaim of stale lock: %v", err)
	}
	if err := s.CommitWatermark(ctx, "p", "gsc", "old", day("2024-01-01"), 1); !errors.Is(err, ErrConflict) {
		t.Errorf("commit by evicted holder err = %v, want ErrConflict", err)
	}
}

func TestReplaceMetrics(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	wow := 12.5

	rows := []MetricRow{
		{Date: day("2024-03-01"), Property: "p", Page: "/a", Clicks: 1, Clicks7d: 1},
		{Date: day("2024-03-02"), Property: "p", Page: "/a", Clicks: 2, Clicks7d: 1.5, ClicksWoW: &wow},
	}
	if err := s.ReplaceMetrics(ctx, "p", day("2024-03-01"), day("2024-03-02"), rows); err != nil {
		t.Fatalf("ReplaceMetrics: %v", err)
	}
	if err := s.ReplaceMetrics(ctx, "p", day("2024-03-02"), day("2024-03-02"), rows[1:]); err != nil {
		t.Fatalf("ReplaceMetrics (partial window): %v", err)
	}

	got, err := s.Metrics(ctx, "p", day("2024-01-01"), day("2024-12-31"))
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ClicksWoW != nil {
		t.Errorf("first row wow = %v, want nil", *got[0].ClicksWoW)
	}
	if got[1].ClicksWoW == nil || *got[1].ClicksWoW != 12.5 {
		t.Errorf("second row wow = %v, want 12.5", got[1].ClicksWoW)
	}

	run, err := s.GetAggregationRun(ctx, "p")
	if err != nil {
		t.Fatalf("GetAggregationRun: %v", err)
	}
	if run.RowsWritten != 1 || FormatDay(run.WindowStart) != "2024-03-02" {
		t.Errorf("run = %+v, want 1 row from 2024-03-02", run)
	}

	if err := s.ReplaceMetrics(ctx, "p", day("2024-03-01"), day("2024-03-02"),
		[]MetricRow{{Date: day("2024-03-01"), Property: "other", Page: "/a"}}); err == nil {
		t.Error("expected error for row from another property")
	}
}

func TestUpsertOpenInsight_Merges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, created, err := s.UpsertOpenInsight(ctx, Insight{
		ID: "i-1", Property: "p", Page: "/a", Category: CategoryAnomaly, Source: "clicks",
		Title: "drop", Confidence: 0.4, WindowEnd: day("2024-03-01"),
	})
	if err != nil {
		t.Fatalf("UpsertOpenInsight: %v", err)
	}
	if !created || first.Status != StatusNew || first.Evidence != "{}" {
		t.Errorf("first = %+v (created=%v)", first, created)
	}

	second, created, err := s.UpsertOpenInsight(ctx, Insight{
		ID: "i-2", Property: "p", Page: "/a", Category: CategoryAnomaly, Source: "clicks",
		Title: "bigger drop", Confidence: 0.8, WindowEnd: day("2024-03-02"),
	})
	if err != nil {
		t.Fatalf("UpsertOpenInsight (merge): %v", err)
	}
	if created {
		t.Error("second upsert created a new row, want merge")
	}
	if second.ID != "i-1" || second.Confidence != 0.8 || second.Title != "bigger drop" {
		t.Errorf("merged = %+v", second)
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Errorf("updated_at did not advance: %v -> %v", first.UpdatedAt, second.UpdatedAt)
	}

	all, err := s.ListInsights(ctx, InsightFilter{Property: "p"})
	if err != nil {
		t.Fatalf("ListInsights: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("len = %d, want 1", len(all))
	}
}

func TestTransitionInsight_Conditional(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in, _, err := s.UpsertOpenInsight(ctx, Insight{ID: "i-1", Property: "p", Page: "/a", Category: CategoryAnomaly, Confidence: 0.5})
	if err != nil {
		t.Fatalf("UpsertOpenInsight: %v", err)
	}

	at := NextTimestamp(in.UpdatedAt, time.Now())
	if err := s.TransitionInsight(ctx, in.ID, StatusNew, StatusDiagnosed, in.UpdatedAt, at, "diagnosed"); err != nil {
		t.Fatalf("TransitionInsight: %v", err)
	}
	// Stale observation: same from state but old updated_at.
	if err := s.TransitionInsight(ctx, in.ID, StatusNew, StatusDismissed, in.UpdatedAt, at, ""); !errors.Is(err, ErrConflict) {
		t.Errorf("stale transition err = %v, want ErrConflict", err)
	}

	trail, err := s.Transitions(ctx, in.ID)
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	if len(trail) != 1 || trail[0].From != StatusNew || trail[0].To != StatusDiagnosed {
		t.Errorf("trail = %+v", trail)
	}

	open, err := s.OpenInsightPages(ctx, "p", CategoryAnomaly)
	if err != nil {
		t.Fatalf("OpenInsightPages: %v", err)
	}
	if !open["/a"] {
		t.Error("DIAGNOSED insight should still count as open")
	}
}

func TestNextTimestamp(t *testing.T) {
	prior := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if got := NextTimestamp(prior, prior); !got.Equal(prior.Add(time.Microsecond)) {
		t.Errorf("NextTimestamp(equal) = %v", got)
	}
	later := prior.Add(time.Second)
	if got := NextTimestamp(prior, later); !got.Equal(later) {
		t.Errorf("NextTimestamp(later) = %v", got)
	}
}

func TestActions_OpenUniquenessAndOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, in := range []Insight{
		{ID: "i-1", Property: "p", Page: "/a", Category: CategoryAnomaly, Confidence: 0.9},
		{ID: "i-2", Property: "p", Page: "/b", Category: CategoryAnomaly, Confidence: 0.5},
	} {
		if _, _, err := s.UpsertOpenInsight(ctx, in); err != nil {
			t.Fatalf("UpsertOpenInsight: %v", err)
		}
	}

	mk := func(id, insight string, score float64) Action {
		return Action{ID: id, InsightID: insight, Property: "p", Template: "t", ActionType: "content",
			Priority: "high", Effort: "low", Score: score, Status: ActionPending, CreatedAt: now, UpdatedAt: now}
	}
	if err := s.InsertAction(ctx, mk("a-1", "i-1", 5)); err != nil {
		t.Fatalf("InsertAction: %v", err)
	}
	if err := s.InsertAction(ctx, mk("a-dup", "i-1", 5)); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate open action err = %v, want ErrConflict", err)
	}
	if err := s.InsertAction(ctx, mk("a-2", "i-2", 5)); err != nil {
		t.Fatalf("InsertAction: %v", err)
	}

	list, err := s.ListActions(ctx, ActionFilter{Property: "p"})
	if err != nil {
		t.Fatalf("ListActions: %v", err)
	}
	if len(list) != 2 || list[0].ID != "a-1" {
		t.Fatalf("order = %v, want a-1 first (higher insight confidence)", list)
	}

	if err := s.UpdateActionStatus(ctx, "a-1", ActionPending, ActionCompleted, `{"clicks":3}`, now); err != nil {
		t.Fatalf("UpdateActionStatus: %v", err)
	}
	got, err := s.GetAction(ctx, "a-1")
	if err != nil {
		t.Fatalf("GetAction: %v", err)
	}
	if got.Status != ActionCompleted || got.CompletedAt.IsZero() || got.Outcome != `{"clicks":3}` {
		t.Errorf("completed action = %+v", got)
	}
	if _, err := s.OpenActionForInsight(ctx, "i-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("OpenActionForInsight after completion err = %v, want ErrNotFound", err)
	}
	if err := s.InsertAction(ctx, mk("a-3", "i-1", 1)); err != nil {
		t.Errorf("new action after completion: %v", err)
	}
}

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j-1", Type: "ingest", PayloadJSON: `{"property":"p"}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{"ingest"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-1" || got.Status != JobRunning || got.MaxAttempts != 3 {
		t.Errorf("claimed = %+v", got)
	}

	again, err := s.ClaimNextJob(ctx, []string{"ingest"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if again != nil {
		t.Errorf("running job claimed twice: %+v", again)
	}
}

func TestClaimNextJob_RespectRunAfterAndType(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "later", Type: "ingest", RunAfter: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if err := s.EnqueueJob(ctx, Job{ID: "other", Type: "detect"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{"ingest"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("claimed %q, want nothing runnable", got.ID)
	}
}

func TestFailJob_BackoffThenFailed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j", Type: "ingest", MaxAttempts: 2}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if err := s.FailJob(ctx, "j", "first"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	j, err := s.GetJob(ctx, "j")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != JobPending || j.Attempts != 1 || !j.RunAfter.After(time.Now()) {
		t.Errorf("after first failure = %+v, want pending with future run_after", j)
	}

	if err := s.FailJob(ctx, "j", "second"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	j, _ = s.GetJob(ctx, "j")
	if j.Status != JobFailed || j.LastError != "second" {
		t.Errorf("after second failure = %+v, want failed", j)
	}

	if err := s.FailJob(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FailJob(missing) err = %v, want ErrNotFound", err)
	}
}
