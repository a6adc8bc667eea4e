package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhalm/reqguard"
	"github.com/nhalm/reqguard/internal/config"
)

func newTestServer(t *testing.T, policies ...config.Policy) (*httptest.Server, *deps) {
	t.Helper()
	cfg := &config.Config{
		ListenAddr:        ":0",
		Backend:           config.BackendMemory,
		IdempotencyTTL:    time.Hour,
		IdempotencyHeader: reqguard.DefaultIdempotencyHeader,
		MaxEntries:        100,
		MaxBodySize:       1024,
		GlobalPreset:      "standard",
		Policies:          policies,
		APIKeys:           []string{"key-1"},
		LogLevel:          "info",
		ShutdownTimeout:   time.Second,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	d, err := newDeps(cfg, logger)
	if err != nil {
		t.Fatalf("newDeps: %v", err)
	}
	srv := httptest.NewServer(newRouter(cfg, d))
	t.Cleanup(func() {
		srv.Close()
		d.Close()
	})
	return srv, d
}

func post(t *testing.T, url, key, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(reqguard.DefaultIdempotencyHeader, key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServer_CreateStoryIdempotent(t *testing.T) {
	srv, d := newTestServer(t)
	body := `{"title":"Dragons","prompt":"A story about dragons"}`

	first := post(t, srv.URL+"/api/stories", "idem-1", body)
	second := post(t, srv.URL+"/api/stories", "idem-1", body)

	if first.StatusCode != http.StatusCreated {
		t.Fatalf("expected status %d, got %d", http.StatusCreated, first.StatusCode)
	}
	if second.StatusCode != http.StatusCreated {
		t.Errorf("expected replayed status %d, got %d", http.StatusCreated, second.StatusCode)
	}
	if second.Header.Get(reqguard.HeaderIdempotentReplayed) != "true" {
		t.Error("expected second response to be replayed")
	}
	if first.Header.Get("Location") != second.Header.Get("Location") {
		t.Errorf("expected same Location, got %q and %q", first.Header.Get("Location"), second.Header.Get("Location"))
	}

	var a, b story
	json.NewDecoder(first.Body).Decode(&a)
	json.NewDecoder(second.Body).Decode(&b)
	if a.ID == "" || a.ID != b.ID {
		t.Errorf("expected same story id, got %q and %q", a.ID, b.ID)
	}
	if d.stories.count() != 1 {
		t.Errorf("expected 1 story, got %d", d.stories.count())
	}
}

func TestServer_CreateStoryConflict(t *testing.T) {
	srv, _ := newTestServer(t)

	post(t, srv.URL+"/api/stories", "idem-1", `{"title":"A","prompt":"a"}`)
	resp := post(t, srv.URL+"/api/stories", "idem-1", `{"title":"B","prompt":"b"}`)

	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected status %d, got %d", http.StatusConflict, resp.StatusCode)
	}
}

func TestServer_CreateStoryValidation(t *testing.T) {
	srv, d := newTestServer(t)

	resp := post(t, srv.URL+"/api/stories", "", `{"title":""}`)

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, resp.StatusCode)
	}
	if d.stories.count() != 0 {
		t.Errorf("expected no stories, got %d", d.stories.count())
	}
}

func TestServer_GetStory(t *testing.T) {
	srv, _ := newTestServer(t)

	created := post(t, srv.URL+"/api/stories", "", `{"title":"A","prompt":"a"}`)
	var st story
	if err := json.NewDecoder(created.Body).Decode(&st); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	resp, err := http.Get(srv.URL + "/api/stories/" + st.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}
	if resp.Header.Get("X-RateLimit-Limit") != "100" {
		t.Errorf("expected global X-RateLimit-Limit 100, got %q", resp.Header.Get("X-RateLimit-Limit"))
	}

	missing, err := http.Get(srv.URL + "/api/stories/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, missing.StatusCode)
	}
}

func TestServer_RoutePolicy(t *testing.T) {
	srv, d := newTestServer(t, config.Policy{Route: routeStories, Method: http.MethodPost, Limit: 1, Window: "1m"})

	first := post(t, srv.URL+"/api/stories", "", `{"title":"A","prompt":"a"}`)
	second := post(t, srv.URL+"/api/stories", "", `{"title":"B","prompt":"b"}`)

	if first.StatusCode != http.StatusCreated {
		t.Errorf("expected status %d, got %d", http.StatusCreated, first.StatusCode)
	}
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected status %d, got %d", http.StatusTooManyRequests, second.StatusCode)
	}

	var body reqguard.RateLimitExceededBody
	if err := json.NewDecoder(second.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.RetryAfter < 1 {
		t.Errorf("expected retryAfter >= 1, got %d", body.RetryAfter)
	}

	resp, err := http.Get(srv.URL + "/debug/ratelimit/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}
	if got := d.stats.ByScope()["POST /api/stories"]["ratelimit_denied"]; got != 1 {
		t.Errorf("expected 1 denial for the route policy, got %d", got)
	}
}

func TestServer_APIKey(t *testing.T) {
	srv, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/stories/x", http.NoBody)
	req.Header.Set("X-API-Key", "wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected status %d, got %d", http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestServer_HealthAndNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}

	missing, err := http.Get(srv.URL + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, missing.StatusCode)
	}
	if ct := missing.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON error body, got Content-Type %q", ct)
	}
}
