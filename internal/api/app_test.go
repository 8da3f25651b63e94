package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/searchpulse/internal/actions"
	"github.com/kalambet/searchpulse/internal/insights"
	"github.com/kalambet/searchpulse/internal/storage"
)

const testToken = "test-token-12345"

const prop = "sc-domain:example.com"

type testEnv struct {
	handler  http.Handler
	store    *storage.Store
	insights *insights.Store
	actions  *actions.Generator
}

func setupAppHandler(t *testing.T, token string) testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ins := insights.New(store, nil)
	gen := actions.New(store, nil, actions.Config{}, nil)
	return testEnv{
		handler: NewAppHandler(AppDeps{
			Store:    store,
			Insights: ins,
			Actions:  gen,
			Token:    token,
		}),
		store:    store,
		insights: ins,
		actions:  gen,
	}
}

func (e testEnv) seedInsight(t *testing.T, page string, c storage.Category, source string) storage.Insight {
	t.Helper()
	in, _, err := e.insights.Record(context.Background(), storage.Insight{
		Property: prop, Page: page, Category: c, Source: source, Confidence: 0.5,
		Title: "test insight", WindowEnd: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	return in
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestAuth(t *testing.T) {
	env := setupAppHandler(t, testToken)

	if rr := serve(t, env.handler, authReq(http.MethodGet, "/insights", "", "")); rr.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rr.Code)
	}
	if rr := serve(t, env.handler, authReq(http.MethodGet, "/insights", "", "wrong")); rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", rr.Code)
	}
	if rr := serve(t, env.handler, authReq(http.MethodGet, "/health", "", "")); rr.Code != http.StatusOK {
		t.Errorf("health: status = %d, want 200", rr.Code)
	}

	empty := setupAppHandler(t, "")
	if rr := serve(t, empty.handler, authReq(http.MethodGet, "/insights", "", "")); rr.Code != http.StatusUnauthorized {
		t.Errorf("unconfigured token: status = %d, want 401", rr.Code)
	}
}

func TestListInsights_Filters(t *testing.T) {
	env := setupAppHandler(t, testToken)
	env.seedInsight(t, "/a", storage.CategoryAnomaly, "clicks")
	env.seedInsight(t, "/b", storage.CategoryOpportunity, "impressions_growth")

	rr := serve(t, env.handler, authReq(http.MethodGet, "/insights?category=anomaly&status=NEW", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var list []storage.Insight
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Page != "/a" {
		t.Errorf("insights = %+v", list)
	}

	today := storage.FormatDay(time.Now())
	rr = serve(t, env.handler, authReq(http.MethodGet, "/insights?from="+today+"&to="+today, "", testToken))
	json.NewDecoder(rr.Body).Decode(&list)
	if len(list) != 2 {
		t.Errorf("insights created today = %d, want 2", len(list))
	}

	rr = serve(t, env.handler, authReq(http.MethodGet, "/insights?property=none", "", testToken))
	if body := strings.TrimSpace(rr.Body.String()); body != "[]" {
		t.Errorf("empty list body = %q, want []", body)
	}

	for _, q := range []string{"status=OPEN", "category=misc", "from=yesterday"} {
		if rr := serve(t, env.handler, authReq(http.MethodGet, "/insights?"+q, "", testToken)); rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rr.Code)
		}
	}
}

func TestTransitionInsight(t *testing.T) {
	env := setupAppHandler(t, testToken)
	in := env.seedInsight(t, "/a", storage.CategoryAnomaly, "clicks")

	rr := serve(t, env.handler, authReq(http.MethodPost, "/insights/"+in.ID+"/transition",
		`{"status":"DISMISSED","reason":"seasonal"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = serve(t, env.handler, authReq(http.MethodPost, "/insights/"+in.ID+"/transition",
		`{"status":"NEW"}`, testToken))
	if rr.Code != http.StatusConflict {
		t.Errorf("reopen: status = %d, want 409", rr.Code)
	}

	rr = serve(t, env.handler, authReq(http.MethodGet, "/insights/"+in.ID, "", testToken))
	var detail struct {
		Status      storage.InsightStatus `json:"status"`
		Transitions []storage.Transition  `json:"transitions"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&detail); err != nil {
		t.Fatal(err)
	}
	if detail.Status != storage.StatusDismissed || len(detail.Transitions) != 1 || detail.Transitions[0].Reason != "seasonal" {
		t.Errorf("detail = %+v", detail)
	}

	if rr := serve(t, env.handler, authReq(http.MethodGet, "/insights/missing", "", testToken)); rr.Code != http.StatusNotFound {
		t.Errorf("missing: status = %d, want 404", rr.Code)
	}
	if rr := serve(t, env.handler, authReq(http.MethodPost, "/insights/missing/transition", `{"status":"RESOLVED"}`, testToken)); rr.Code != http.StatusNotFound {
		t.Errorf("missing transition: status = %d, want 404", rr.Code)
	}
}

func TestActionLifecycle(t *testing.T) {
	env := setupAppHandler(t, testToken)
	in := env.seedInsight(t, "/a", storage.CategoryAnomaly, "clicks")

	body := `{"insight_id":"` + in.ID + `"}`
	rr := serve(t, env.handler, authReq(http.MethodPost, "/actions", body, testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("generate: status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var a storage.Action
	json.NewDecoder(rr.Body).Decode(&a)

	rr = serve(t, env.handler, authReq(http.MethodPost, "/actions", body, testToken))
	var again storage.Action
	json.NewDecoder(rr.Body).Decode(&again)
	if rr.Code != http.StatusOK || again.ID != a.ID {
		t.Errorf("second generate: status = %d id = %s, want 200 with %s", rr.Code, again.ID, a.ID)
	}

	if rr := serve(t, env.handler, authReq(http.MethodPost, "/actions/"+a.ID+"/start", "", testToken)); rr.Code != http.StatusOK {
		t.Fatalf("start: status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if rr := serve(t, env.handler, authReq(http.MethodPost, "/actions/"+a.ID+"/complete", `{}`, testToken)); rr.Code != http.StatusBadRequest {
		t.Errorf("complete without outcome: status = %d, want 400", rr.Code)
	}
	rr = serve(t, env.handler, authReq(http.MethodPost, "/actions/"+a.ID+"/complete", `{"outcome":{"clicks_recovered":true}}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("complete: status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var done storage.Action
	json.NewDecoder(rr.Body).Decode(&done)
	if done.Status != storage.ActionCompleted || done.CompletedAt.IsZero() {
		t.Errorf("completed = %+v", done)
	}

	if rr := serve(t, env.handler, authReq(http.MethodPost, "/actions/"+a.ID+"/cancel", "", testToken)); rr.Code != http.StatusConflict {
		t.Errorf("cancel completed: status = %d, want 409", rr.Code)
	}
	if rr := serve(t, env.handler, authReq(http.MethodPost, "/actions/missing/start", "", testToken)); rr.Code != http.StatusNotFound {
		t.Errorf("missing action: status = %d, want 404", rr.Code)
	}

	rr = serve(t, env.handler, authReq(http.MethodGet, "/actions?status=completed", "", testToken))
	var list []storage.Action
	json.NewDecoder(rr.Body).Decode(&list)
	if len(list) != 1 || list[0].ID != a.ID {
		t.Errorf("completed actions = %+v", list)
	}
}

func TestListActions_Filters(t *testing.T) {
	env := setupAppHandler(t, testToken)
	in := env.seedInsight(t, "/a", storage.CategoryAnomaly, "clicks")
	a, _, err := env.actions.Generate(context.Background(), in.ID)
	if err != nil {
		t.Fatal(err)
	}

	list := func(query string) []storage.Action {
		t.Helper()
		rr := serve(t, env.handler, authReq(http.MethodGet, "/actions?"+query, "", testToken))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: status = %d; body = %s", query, rr.Code, rr.Body.String())
		}
		var out []storage.Action
		if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
			t.Fatal(err)
		}
		return out
	}

	today := time.Now().UTC().Format("2006-01-02")
	tomorrow := time.Now().UTC().AddDate(0, 0, 1).Format("2006-01-02")
	if got := list("from=" + today + "&to=" + today + "&status=pending"); len(got) != 1 || got[0].ID != a.ID {
		t.Errorf("today's pending actions = %+v", got)
	}
	if got := list("from=" + tomorrow); len(got) != 0 {
		t.Errorf("actions from tomorrow = %+v, want none", got)
	}

	for _, q := range []string{"status=done", "status=PENDING", "from=03/01/2024", "to=yesterday"} {
		if rr := serve(t, env.handler, authReq(http.MethodGet, "/actions?"+q, "", testToken)); rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rr.Code)
		}
	}
}

func TestListWatermarks(t *testing.T) {
	env := setupAppHandler(t, testToken)
	ctx := context.Background()
	if _, err := env.store.ClaimWatermark(ctx, prop, "gsc", "tok", time.Now().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := env.store.CommitWatermark(ctx, prop, "gsc", "tok", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 10); err != nil {
		t.Fatal(err)
	}

	rr := serve(t, env.handler, authReq(http.MethodGet, "/watermarks?property="+prop, "", testToken))
	var list []storage.Watermark
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].RowsLoaded != 10 || list[0].Status != storage.RunSuccess {
		t.Errorf("watermarks = %+v", list)
	}
}
