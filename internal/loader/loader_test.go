package loader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/searchpulse/internal/retry"
	"github.com/kalambet/searchpulse/internal/storage"
)

const prop = "sc-domain:example.com"

type fakeSource[R any] struct {
	name  string
	calls int
	fetch func(ctx context.Context, property string, start, end time.Time) ([]R, error)
}

func (f *fakeSource[R]) Name() string { return f.name }

func (f *fakeSource[R]) Fetch(ctx context.Context, property string, start, end time.Time) ([]R, error) {
	f.calls++
	return f.fetch(ctx, property, start, end)
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestLoader(s *storage.Store, threshold float64) *Loader {
	return New(s, Config{
		BatchSize:       3,
		RejectThreshold: threshold,
		Retry:           retry.Policy{Attempts: 2, BaseDelay: time.Millisecond},
	}, nil)
}

func day(s string) time.Time {
	d, err := storage.ParseDay(s)
	if err != nil {
		panic(err)
	}
	return d
}

// searchRows returns one valid fact per day in [start, end].
func searchRows(start, end time.Time) []storage.SearchFact {
	var out []storage.SearchFact
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, storage.SearchFact{
			Date: d, Property: prop, Page: "/a", Query: "q", Country: "usa", Device: "DESKTOP",
			Clicks: 1, Impressions: 10, CTR: 0.1, Position: 3,
		})
	}
	return out
}

func staticSource(rows func(start, end time.Time) []storage.SearchFact) *fakeSource[storage.SearchFact] {
	return &fakeSource[storage.SearchFact]{
		name: SourceSearch,
		fetch: func(_ context.Context, _ string, start, end time.Time) ([]storage.SearchFact, error) {
			return rows(start, end), nil
		},
	}
}

func TestLoadSearch_IdempotentRerun(t *testing.T) {
	s := openTestStore(t)
	l := newTestLoader(s, 0.05)
	ctx := context.Background()
	req := Request{Property: prop, Start: day("2024-03-01"), End: day("2024-03-10")}
	src := staticSource(searchRows)

	first, err := l.LoadSearch(ctx, src, req)
	if err != nil {
		t.Fatalf("first LoadSearch: %v", err)
	}
	if first.Inserted != 10 || first.Status != storage.RunSuccess {
		t.Errorf("first run = %+v, want 10 inserted, success", first)
	}
	wm1, err := s.GetWatermark(ctx, prop, SourceSearch)
	if err != nil {
		t.Fatalf("GetWatermark: %v", err)
	}
	facts1, _ := s.SearchFacts(ctx, prop)

	second, err := l.LoadSearch(ctx, src, req)
	if err != nil {
		t.Fatalf("second LoadSearch: %v", err)
	}
	if second.Inserted != 0 || second.Updated != 10 {
		t.Errorf("second run = %+v, want 10 updated", second)
	}
	wm2, _ := s.GetWatermark(ctx, prop, SourceSearch)
	facts2, _ := s.SearchFacts(ctx, prop)

	if len(facts1) != len(facts2) {
		t.Errorf("fact count changed: %d -> %d", len(facts1), len(facts2))
	}
	if !wm1.LastDate.Equal(wm2.LastDate) || wm1.RowsLoaded != wm2.RowsLoaded || wm2.Status != storage.RunSuccess {
		t.Errorf("watermark changed: %+v -> %+v", wm1, wm2)
	}
	if wm2.RowsLoaded != 10 {
		t.Errorf("rows_loaded = %d, want 10", wm2.RowsLoaded)
	}
}

func TestLoadSearch_ResumesAfterWatermark(t *testing.T) {
	s := openTestStore(t)
	l := newTestLoader(s, 0.05)
	ctx := context.Background()
	src := staticSource(searchRows)

	if _, err := l.LoadSearch(ctx, src, Request{Property: prop, Start: day("2024-03-01"), End: day("2024-03-05")}); err != nil {
		t.Fatalf("LoadSearch: %v", err)
	}

	res, err := l.LoadSearch(ctx, src, Request{Property: prop, End: day("2024-03-08")})
	if err != nil {
		t.Fatalf("LoadSearch (resume): %v", err)
	}
	if got := storage.FormatDay(res.Start); got != "2024-03-06" {
		t.Errorf("resume start = %s, want 2024-03-06", got)
	}
	if res.Inserted != 3 {
		t.Errorf("inserted = %d, want 3", res.Inserted)
	}

	res, err = l.LoadSearch(ctx, src, Request{Property: prop, End: day("2024-03-08")})
	if err != nil {
		t.Fatalf("LoadSearch (up to date): %v", err)
	}
	if !res.Skipped {
		t.Errorf("expected skipped run, got %+v", res)
	}
	wm, _ := s.GetWatermark(ctx, prop, SourceSearch)
	if storage.FormatDay(wm.LastDate) != "2024-03-08" || wm.RowsLoaded != 8 {
		t.Errorf("watermark = %s/%d, want 2024-03-08/8", storage.FormatDay(wm.LastDate), wm.RowsLoaded)
	}
}

func TestRun_PartialWriteLeavesWatermark(t *testing.T) {
	s := openTestStore(t)
	l := New(s, Config{BatchSize: 3, Retry: retry.Policy{Attempts: 1}}, nil)
	ctx := context.Background()

	if _, err := l.LoadSearch(ctx, staticSource(searchRows), Request{Property: prop, Start: day("2024-02-01"), End: day("2024-02-03")}); err != nil {
		t.Fatalf("seed LoadSearch: %v", err)
	}
	before, _ := s.GetWatermark(ctx, prop, SourceSearch)

	boom := errors.New("disk full")
	batches := 0
	sk := sink[storage.SearchFact]{
		validate: validateSearch,
		write: func(ctx context.Context, rows []storage.SearchFact) (storage.UpsertResult, error) {
			batches++
			if batches == 2 {
				return storage.UpsertResult{}, boom
			}
			return s.UpsertSearchFacts(ctx, rows)
		},
		count: s.CountSearchFacts,
	}

	res, err := run(ctx, l, staticSource(searchRows), sk, Request{Property: prop, Start: day("2024-03-01"), End: day("2024-03-10")})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if res.Inserted != 3 || res.Status != storage.RunFailed {
		t.Errorf("result = %+v, want 3 inserted then failed", res)
	}

	after, _ := s.GetWatermark(ctx, prop, SourceSearch)
	if !after.LastDate.Equal(before.LastDate) || after.RowsLoaded != before.RowsLoaded {
		t.Errorf("watermark moved: %+v -> %+v", before, after)
	}
	if after.Status != storage.RunFailed || after.ErrorMessage == "" {
		t.Errorf("status = %s (%q), want failed with message", after.Status, after.ErrorMessage)
	}

	// A retry restarts from the last good boundary and completes.
	res, err = l.LoadSearch(ctx, staticSource(searchRows), Request{Property: prop, End: day("2024-03-10")})
	if err != nil {
		t.Fatalf("retry LoadSearch: %v", err)
	}
	if got := storage.FormatDay(res.Start); got != "2024-02-04" {
		t.Errorf("retry start = %s, want 2024-02-04", got)
	}
	final, _ := s.GetWatermark(ctx, prop, SourceSearch)
	if final.RowsLoaded < before.RowsLoaded {
		t.Errorf("rows_loaded decreased: %d -> %d", before.RowsLoaded, final.RowsLoaded)
	}
	n, _ := s.CountSearchFacts(ctx, prop)
	if final.RowsLoaded != n {
		t.Errorf("rows_loaded = %d, want %d stored keys", final.RowsLoaded, n)
	}
}

func TestLoadSearch_CancelledRunFails(t *testing.T) {
	s := openTestStore(t)
	l := newTestLoader(s, 0.05)
	ctx, cancel := context.WithCancel(context.Background())

	src := &fakeSource[storage.SearchFact]{
		name: SourceSearch,
		fetch: func(_ context.Context, _ string, start, end time.Time) ([]storage.SearchFact, error) {
			cancel()
			return searchRows(start, end), nil
		},
	}
	res, err := l.LoadSearch(ctx, src, Request{Property: prop, Start: day("2024-03-01"), End: day("2024-03-10")})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res.Status != storage.RunFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}

	wm, err := s.GetWatermark(context.Background(), prop, SourceSearch)
	if err != nil {
		t.Fatalf("GetWatermark: %v", err)
	}
	if !wm.LastDate.IsZero() || wm.RowsLoaded != 0 || wm.Status != storage.RunFailed {
		t.Errorf("watermark = %+v, want untouched boundary and failed status", wm)
	}
}

func TestLoadSearch_RejectRate(t *testing.T) {
	withBadRow := func(start, end time.Time) []storage.SearchFact {
		rows := searchRows(start, end)
		rows[0].Clicks = 50 // more clicks than impressions
		return rows
	}

	t.Run("above threshold fails", func(t *testing.T) {
		s := openTestStore(t)
		l := newTestLoader(s, 0.05)
		_, err := l.LoadSearch(context.Background(), staticSource(withBadRow),
			Request{Property: prop, Start: day("2024-03-01"), End: day("2024-03-10")})
		if !errors.Is(err, ErrRejectRateExceeded) {
			t.Fatalf("err = %v, want ErrRejectRateExceeded", err)
		}
		n, _ := s.CountSearchFacts(context.Background(), prop)
		if n != 0 {
			t.Errorf("stored %d rows, want 0", n)
		}
		wm, _ := s.GetWatermark(context.Background(), prop, SourceSearch)
		if wm.Status != storage.RunFailed || !wm.LastDate.IsZero() {
			t.Errorf("watermark = %+v, want failed without boundary", wm)
		}
	})

	t.Run("below threshold continues", func(t *testing.T) {
		s := openTestStore(t)
		l := newTestLoader(s, 0.2)
		res, err := l.LoadSearch(context.Background(), staticSource(withBadRow),
			Request{Property: prop, Start: day("2024-03-01"), End: day("2024-03-10")})
		if err != nil {
			t.Fatalf("LoadSearch: %v", err)
		}
		if res.Rejected != 1 || res.Inserted != 9 {
			t.Errorf("result = %+v, want 1 rejected 9 inserted", res)
		}
	})
}

func TestLoadSearch_HeldWatermark(t *testing.T) {
	s := openTestStore(t)
	l := newTestLoader(s, 0.05)
	ctx := context.Background()

	if _, err := s.ClaimWatermark(ctx, prop, SourceSearch, "other-process", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("ClaimWatermark: %v", err)
	}
	src := staticSource(searchRows)
	_, err := l.LoadSearch(ctx, src, Request{Property: prop, Start: day("2024-03-01"), End: day("2024-03-02")})
	if !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("err = %v, want ErrRunInProgress", err)
	}
	if src.calls != 0 {
		t.Errorf("source fetched %d times while watermark held", src.calls)
	}

	// Other sources of the same property are independent.
	beh := &fakeSource[storage.BehaviorFact]{
		name: SourceBehavior,
		fetch: func(context.Context, string, time.Time, time.Time) ([]storage.BehaviorFact, error) {
			return []storage.BehaviorFact{{Date: day("2024-03-01"), Property: prop, Page: "/a", Sessions: 3, EngagedSessions: 2}}, nil
		},
	}
	if _, err := l.LoadBehavior(ctx, beh, Request{Property: prop, Start: day("2024-03-01"), End: day("2024-03-01")}); err != nil {
		t.Errorf("LoadBehavior: %v", err)
	}
}

func TestLoadSearch_RetriesTransientFetch(t *testing.T) {
	s := openTestStore(t)
	l := newTestLoader(s, 0.05)

	src := &fakeSource[storage.SearchFact]{name: SourceSearch}
	src.fetch = func(_ context.Context, _ string, start, end time.Time) ([]storage.SearchFact, error) {
		if src.calls == 1 {
			return nil, errors.New("connection reset")
		}
		return searchRows(start, end), nil
	}
	res, err := l.LoadSearch(context.Background(), src, Request{Property: prop, Start: day("2024-03-01"), End: day("2024-03-02")})
	if err != nil {
		t.Fatalf("LoadSearch: %v", err)
	}
	if src.calls != 2 || res.Inserted != 2 {
		t.Errorf("calls = %d, inserted = %d; want 2, 2", src.calls, res.Inserted)
	}
}

func TestValidateSearch(t *testing.T) {
	start, end := day("2024-03-01"), day("2024-03-31")
	base := storage.SearchFact{Date: day("2024-03-02"), Property: prop, Page: "/a", Clicks: 1, Impressions: 10, CTR: 0.1, Position: 2}

	if err := validateSearch(prop, start, end, base); err != nil {
		t.Errorf("valid row rejected: %v", err)
	}

	cases := map[string]func(f *storage.SearchFact){
		"wrong property":   func(f *storage.SearchFact) { f.Property = "other" },
		"empty page":       func(f *storage.SearchFact) { f.Page = "" },
		"outside window":   func(f *storage.SearchFact) { f.Date = day("2024-04-01") },
		"negative clicks":  func(f *storage.SearchFact) { f.Clicks = -1 },
		"ctr above one":    func(f *storage.SearchFact) { f.CTR = 1.5 },
		"position below 1": func(f *storage.SearchFact) { f.Position = 0.5 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := base
			mutate(&f)
			if err := validateSearch(prop, start, end, f); err == nil {
				t.Error("expected rejection")
			}
		})
	}
}

func TestLoadSearch_GapAfterWatermarkRejected(t *testing.T) {
	s := openTestStore(t)
	l := newTestLoader(s, 0.05)
	ctx := context.Background()
	src := staticSource(searchRows)

	if _, err := l.LoadSearch(ctx, src, Request{Property: prop, Start: day("2024-01-01"), End: day("2024-01-31")}); err != nil {
		t.Fatalf("LoadSearch: %v", err)
	}
	calls := src.calls

	res, err := l.LoadSearch(ctx, src, Request{Property: prop, Start: day("2024-03-01"), End: day("2024-03-10")})
	if !errors.Is(err, ErrGap) {
		t.Fatalf("err = %v, want ErrGap", err)
	}
	if res.Status != storage.RunFailed || src.calls != calls {
		t.Errorf("status = %s, fetches = %d; want failed without fetching", res.Status, src.calls-calls)
	}
	wm, _ := s.GetWatermark(ctx, prop, SourceSearch)
	if got := storage.FormatDay(wm.LastDate); got != "2024-01-31" || wm.RowsLoaded != 31 {
		t.Errorf("watermark = %s/%d, want 2024-01-31/31", got, wm.RowsLoaded)
	}

	// Resuming picks up February, and reloading an earlier range is allowed.
	res, err = l.LoadSearch(ctx, src, Request{Property: prop, End: day("2024-03-10")})
	if err != nil {
		t.Fatalf("resume LoadSearch: %v", err)
	}
	if got := storage.FormatDay(res.Start); got != "2024-02-01" {
		t.Errorf("resume start = %s, want 2024-02-01", got)
	}
	if _, err := l.LoadSearch(ctx, src, Request{Property: prop, Start: day("2024-01-10"), End: day("2024-01-12")}); err != nil {
		t.Errorf("reload of covered days: %v", err)
	}
	wm, _ = s.GetWatermark(ctx, prop, SourceSearch)
	if got := storage.FormatDay(wm.LastDate); got != "2024-03-10" {
		t.Errorf("last_date = %s, want 2024-03-10", got)
	}
}

func TestLoadSearch_MalformedRecordsCountAsRejected(t *testing.T) {
	src := &fakeSource[storage.SearchFact]{name: SourceSearch}
	src.fetch = func(_ context.Context, _ string, start, end time.Time) ([]storage.SearchFact, error) {
		return searchRows(start, end), &MalformedRows{Errs: []error{errors.New("line 4: bad clicks")}}
	}

	t.Run("below threshold loads the good rows", func(t *testing.T) {
		s := openTestStore(t)
		res, err := newTestLoader(s, 0.1).LoadSearch(context.Background(), src,
			Request{Property: prop, Start: day("2024-03-01"), End: day("2024-03-10")})
		if err != nil {
			t.Fatalf("LoadSearch: %v", err)
		}
		if res.Fetched != 11 || res.Rejected != 1 || res.Inserted != 10 {
			t.Errorf("result = %+v, want 11 fetched, 1 rejected, 10 inserted", res)
		}
	})

	t.Run("above threshold fails without retrying", func(t *testing.T) {
		s := openTestStore(t)
		src.calls = 0
		_, err := newTestLoader(s, 0.05).LoadSearch(context.Background(), src,
			Request{Property: prop, Start: day("2024-03-01"), End: day("2024-03-10")})
		if !errors.Is(err, ErrRejectRateExceeded) {
			t.Fatalf("err = %v, want ErrRejectRateExceeded", err)
		}
		if src.calls != 1 {
			t.Errorf("fetch calls = %d, want 1", src.calls)
		}
	})
}
