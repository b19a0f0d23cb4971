package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, authCfg AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	authCfg.JWTSecret = testSecret
	authCfg.AllowActorHeader = true
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: authCfg})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func as(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func adminHeaders(t *testing.T) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, "treasury", []string{"admin"}, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error
}

func TestHealthIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	var health struct {
		Status   string         `json:"status"`
		Missions map[string]int `json:"missions"`
	}
	if err := json.Unmarshal(data, &health); err != nil || health.Status != "ok" || len(health.Missions) != 0 {
		t.Fatalf("unexpected health body %s (%v)", string(data), err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/missions", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Code; code != "unauthorized" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestMissionLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/ledger/mint", map[string]any{
		"account": "req",
		"amount":  1000,
	}, as("req"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("mint without role should be forbidden, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/ledger/mint", map[string]any{
		"account": "req",
		"amount":  1000,
	}, adminHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("mint status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/agents", map[string]any{
		"name":        "Alpha",
		"specialties": []string{"go"},
	}, as("alpha"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register agent status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions", map[string]any{
		"title":              "Port the parser",
		"reward":             100,
		"required_specialty": "go",
	}, as("req"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create mission status %d: %s", res.StatusCode, string(data))
	}
	var m domain.Mission
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal mission: %v", err)
	}
	if m.Status != domain.StatusAssigned || m.WorkerID != "alpha" {
		t.Fatalf("expected autopilot assignment to alpha, got %s/%s", m.Status, m.WorkerID)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+m.ID+"/start", nil, as("beta"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("start by non-worker: expected 403, got %d: %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Code; code != "not_authorized" {
		t.Fatalf("unexpected error code %q", code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+m.ID+"/claim", nil, as("beta"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("claim of assigned mission: expected 409, got %d: %s", res.StatusCode, string(data))
	}
	body := decodeError(t, data)
	if body.Details["expected"] != "posted" || body.Details["actual"] != "assigned" {
		t.Fatalf("conflict details missing: %+v", body.Details)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+m.ID+"/start", nil, as("alpha"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+m.ID+"/submit", map[string]any{
		"summary": "done",
	}, as("alpha"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+m.ID+"/approve", map[string]any{
		"approved": true,
	}, as("req"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+m.ID+"/payout", nil, as("req"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("payout status %d: %s", res.StatusCode, string(data))
	}
	var s domain.Settlement
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("unmarshal settlement: %v", err)
	}
	if s.Outcome != domain.VerdictPass || s.Total != 100 {
		t.Fatalf("unexpected settlement %+v", s)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+m.ID+"/payout", nil, as("req"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second payout: expected 409, got %d: %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Code; code != "already_settled" {
		t.Fatalf("unexpected error code %q", code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?mission_id="+m.ID, nil, as("req"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) == 0 || page.NextCursor == "" {
		t.Fatalf("expected mission events with a cursor, got %+v", page)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events", nil, as("req"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("global event stream without permission: expected 403, got %d: %s", res.StatusCode, string(data))
	}
}

func TestUnknownMissionIs404(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/missions/nope", nil, as("req"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Code; code != "not_found" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestWritesAreRateLimitedPerActor(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{WriteRate: rate.Limit(0.001), WriteBurst: 1})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/agents", map[string]any{"name": "A"}, as("alpha"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("first write status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/agents/alpha/availability", map[string]any{"available": false}, as("alpha"))
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", res.StatusCode, string(data))
	}
	// Reads and other actors are unaffected.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/agents/alpha", nil, as("alpha"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("read status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/agents", map[string]any{"name": "B"}, as("beta"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("other actor write status %d: %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuthenticates(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/api-keys", map[string]any{
		"actor_id": "bot",
		"name":     "ci",
	}, adminHeaders(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if key.Key == "" {
		t.Fatalf("secret not returned")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if who.ActorID != "bot" || who.Source != "api_key" {
		t.Fatalf("unexpected principal %+v", who)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "ml_wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad key: expected 401, got %d", res.StatusCode)
	}
}
