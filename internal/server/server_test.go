package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"crate/internal/api"
	"crate/internal/config"
	"crate/internal/download"
	"crate/internal/library"
	"crate/internal/logging"
	"crate/internal/queue"
	"crate/internal/ratelimit"
	"crate/internal/reconcile"
	"crate/internal/scheduler"
	"crate/internal/server"
	"crate/internal/testsupport"
	"crate/internal/watchlist"
)

// completingProcessor marks every claimed job completed immediately.
type completingProcessor struct {
	store *queue.Store
}

func (p *completingProcessor) Process(ctx context.Context, job *queue.Job) download.Outcome {
	if _, err := p.store.MarkCompleted(ctx, job.ID, queue.Result{FilePath: "/dev/null"}); err != nil {
		return download.Outcome{JobID: job.ID, Status: queue.StatusFailed, Error: err.Error()}
	}
	return download.Outcome{JobID: job.ID, Title: job.Title, Artist: job.Artist, Status: queue.StatusCompleted}
}

type env struct {
	cfg    *config.Config
	store  *queue.Store
	client *http.Client
	base   string
}

func newEnv(t *testing.T, opts ...testsupport.ConfigOption) *env {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	store := testsupport.MustOpenStore(t, cfg)
	lib := library.NewStore(store.DB())
	watch := watchlist.NewStore(store.DB())
	nop := logging.NewNop()

	sched := scheduler.New(cfg, store, &completingProcessor{store: store}, nop)
	deps := server.Deps{
		Queue:      api.NewQueueService(store, lib, nop),
		Library:    api.NewLibraryService(lib, store, watch, nop),
		Scheduler:  sched,
		Reconciler: reconcile.New(store, lib, watch, nop),
		Watchlist:  watch,
		Logger:     nop,
	}
	if cfg.RateLimit.GateEnabled {
		deps.Gate = ratelimit.NewGate(ratelimit.GateConfig{
			Window:    time.Duration(cfg.RateLimit.GateWindowSecs) * time.Second,
			PerAction: cfg.RateLimit.GatePerAction,
			PerClient: cfg.RateLimit.GatePerClient,
		})
	}

	srv := server.New(cfg, deps)
	if srv == nil {
		t.Fatal("server.New returned nil for a bound config")
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &env{cfg: cfg, store: store, client: ts.Client(), base: ts.URL}
}

func (e *env) request(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.base+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func enqueueBody(ref string) map[string]string {
	return map[string]string{
		"source":      "extractor",
		"externalRef": ref,
		"title":       "Xtal",
		"artist":      "Aphex Twin",
		"originUrl":   "https://example.test/watch?v=" + ref,
	}
}

func TestEnqueueAndDedupOverHTTP(t *testing.T) {
	e := newEnv(t)

	resp, body := e.request(t, http.MethodPost, "/api/jobs", enqueueBody("track-1"), nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %v", resp.StatusCode, body)
	}
	if body["disposition"] != "enqueued" {
		t.Fatalf("expected enqueued disposition, got %v", body["disposition"])
	}

	resp, body = e.request(t, http.MethodPost, "/api/jobs", enqueueBody("track-1"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for duplicate, got %d", resp.StatusCode)
	}
	if body["disposition"] != "already-active" {
		t.Fatalf("expected already-active, got %v", body["disposition"])
	}

	resp, body = e.request(t, http.MethodGet, "/api/jobs?status=queued", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	jobs, ok := body["jobs"].([]any)
	if !ok || len(jobs) != 1 {
		t.Fatalf("expected one queued job, got %v", body["jobs"])
	}

	resp, _ = e.request(t, http.MethodGet, "/api/jobs?status=bogus", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", resp.StatusCode)
	}
}

func TestBearerAuth(t *testing.T) {
	e := newEnv(t, testsupport.WithAPIToken("sekrit"))

	resp, _ := e.request(t, http.MethodGet, "/api/stats", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	resp, _ = e.request(t, http.MethodGet, "/api/stats", nil, map[string]string{"Authorization": "Bearer wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", resp.StatusCode)
	}

	resp, body := e.request(t, http.MethodGet, "/api/stats", nil, map[string]string{"Authorization": "Bearer sekrit"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d: %v", resp.StatusCode, body)
	}
}

func TestTriggerDisabledWithoutSecret(t *testing.T) {
	e := newEnv(t)

	resp, body := e.request(t, http.MethodPost, "/api/trigger", nil, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when trigger unset, got %d", resp.StatusCode)
	}
	if body["status"] != "disabled" {
		t.Fatalf("expected disabled status, got %v", body)
	}
}

func TestTriggerAuthAndDrain(t *testing.T) {
	e := newEnv(t, testsupport.WithTriggerSecret("hook-secret"), testsupport.WithAPIToken("sekrit"))

	// The trigger route ignores the bearer token and uses its own secret.
	resp, _ := e.request(t, http.MethodPost, "/api/trigger", nil, map[string]string{"X-Trigger-Secret": "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong secret, got %d", resp.StatusCode)
	}

	for i := 0; i < 3; i++ {
		testsupport.NewJob(t, e.store, queue.Spec{Source: queue.SourceCDN, Title: "Track", Artist: "Artist"})
	}

	resp, body := e.request(t, http.MethodPost, "/api/trigger?count=2", nil, map[string]string{"X-Trigger-Secret": "hook-secret"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, body)
	}
	if ran, _ := body["ran"].(float64); int(ran) != 2 {
		t.Fatalf("expected 2 jobs ran, got %v", body["ran"])
	}
	outcomes, _ := body["outcomes"].([]any)
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %v", body["outcomes"])
	}

	resp, _ = e.request(t, http.MethodPost, "/api/trigger?count=0", nil, map[string]string{"X-Trigger-Secret": "hook-secret"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-positive count, got %d", resp.StatusCode)
	}
}

func TestGateThrottlesMutations(t *testing.T) {
	e := newEnv(t, func(cfg *config.Config) {
		cfg.RateLimit.GateEnabled = true
		cfg.RateLimit.GateWindowSecs = 60
		cfg.RateLimit.GatePerAction = 2
		cfg.RateLimit.GatePerClient = 2
	})

	for i := 0; i < 2; i++ {
		resp, _ := e.request(t, http.MethodPost, "/api/jobs", enqueueBody(""), nil)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("request %d: expected 201, got %d", i, resp.StatusCode)
		}
	}
	resp, _ := e.request(t, http.MethodPost, "/api/jobs", enqueueBody(""), nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 over the limit, got %d", resp.StatusCode)
	}

	// Reads are never gated.
	resp, _ = e.request(t, http.MethodGet, "/api/stats", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected reads unthrottled, got %d", resp.StatusCode)
	}
}

func TestJobActionsOverHTTP(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	job := testsupport.NewJob(t, e.store, queue.Spec{Source: queue.SourceCDN, Title: "Track", Artist: "Artist"})
	claimed, err := e.store.ClaimNext(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNext failed: %v %v", claimed, err)
	}

	// Processing jobs cannot be removed.
	resp, _ := e.request(t, http.MethodDelete, "/api/jobs/"+itoa(job.ID), nil, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 removing a processing job, got %d", resp.StatusCode)
	}

	if _, err := e.store.MarkFailed(ctx, job.ID, "boom"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	resp, _ = e.request(t, http.MethodPost, "/api/jobs/"+itoa(job.ID)+"/retry", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 retrying a failed job, got %d", resp.StatusCode)
	}

	resp, body := e.request(t, http.MethodGet, "/api/jobs/"+itoa(job.ID), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["status"] != "queued" {
		t.Fatalf("expected retried job queued, got %v", body["status"])
	}

	resp, _ = e.request(t, http.MethodGet, "/api/jobs/99999", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", resp.StatusCode)
	}

	resp, _ = e.request(t, http.MethodPut, "/api/jobs", nil, nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestWatchlistRoutes(t *testing.T) {
	e := newEnv(t)

	resp, body := e.request(t, http.MethodPost, "/api/watchlist",
		map[string]string{"url": "https://example.test/playlist", "name": "Favorites"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %v", resp.StatusCode, body)
	}
	id, _ := body["id"].(float64)
	if id == 0 {
		t.Fatalf("expected playlist id, got %v", body)
	}

	resp, body = e.request(t, http.MethodGet, "/api/watchlist", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	playlists, _ := body["playlists"].([]any)
	if len(playlists) != 1 {
		t.Fatalf("expected one playlist, got %v", body["playlists"])
	}

	// No poller configured.
	resp, _ = e.request(t, http.MethodPost, "/api/watchlist/refresh", nil, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a poller, got %d", resp.StatusCode)
	}

	resp, _ = e.request(t, http.MethodDelete, "/api/watchlist/"+itoa(int64(id)), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp, _ = e.request(t, http.MethodDelete, "/api/watchlist/"+itoa(int64(id)), nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for a removed playlist, got %d", resp.StatusCode)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
