package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"streamline/internal/config"
	"streamline/internal/db"
	"streamline/internal/domain"
	"streamline/internal/engine"
	"streamline/internal/migrate"
	"streamline/internal/server"
	"streamline/internal/supervisor"
)

type fakeWorkers struct {
	status []supervisor.WorkerStatus
}

func (f fakeWorkers) Status() []supervisor.WorkerStatus { return f.status }

type serverEnv struct {
	Engine engine.Engine
	URL    string
	Ctx    context.Context
}

func newServerEnv(t *testing.T, mutate func(*server.Config)) serverEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	cfg := server.Config{Engine: eng}
	if mutate != nil {
		mutate(&cfg)
	}
	handler, err := server.New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return serverEnv{Engine: eng, URL: srv.URL, Ctx: context.Background()}
}

func (env serverEnv) seed(t *testing.T) (domain.Initiative, domain.PRD) {
	t.Helper()
	in, err := env.Engine.CreateInitiative(env.Ctx, engine.InitiativeCreateOptions{Title: "rollout"})
	if err != nil {
		t.Fatal(err)
	}
	prd, err := env.Engine.CreatePRD(env.Ctx, engine.PRDCreateOptions{InitiativeID: in.ID, Title: "phase one"})
	if err != nil {
		t.Fatal(err)
	}
	return in, prd
}

func (env serverEnv) createStreamTask(t *testing.T, prdID, title, streamID string, deps []string) domain.Task {
	t.Helper()
	if deps == nil {
		deps = []string{}
	}
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		PRDID: prdID,
		Title: title,
		Meta:  domain.TaskMeta{StreamID: streamID, Dependencies: deps},
	})
	if err != nil {
		t.Fatalf("create task %s: %v", title, err)
	}
	return task
}

func doJSON(t *testing.T, method, url string, headers map[string]string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

type errEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestHealth(t *testing.T) {
	env := newServerEnv(t, nil)
	var body map[string]string
	if code := doJSON(t, http.MethodGet, env.URL+"/v0/health", nil, &body); code != http.StatusOK {
		t.Fatalf("health returned %d", code)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body %v", body)
	}
}

func TestStreamsListWithWorkerState(t *testing.T) {
	workers := fakeWorkers{status: []supervisor.WorkerStatus{
		{StreamID: "Stream-A", State: supervisor.StateRunning},
	}}
	env := newServerEnv(t, func(cfg *server.Config) { cfg.Workers = workers })
	_, prd := env.seed(t)
	env.createStreamTask(t, prd.ID, "a1", "Stream-A", nil)
	a2 := env.createStreamTask(t, prd.ID, "a2", "Stream-A", nil)
	env.createStreamTask(t, prd.ID, "b1", "Stream-B", []string{"Stream-A"})
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: a2.ID, Status: domain.TaskInProgress}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: a2.ID, Status: domain.TaskCompleted}); err != nil {
		t.Fatal(err)
	}

	var streams []struct {
		domain.Stream
		WorkerState string `json:"worker_state"`
	}
	if code := doJSON(t, http.MethodGet, env.URL+"/v0/streams", nil, &streams); code != http.StatusOK {
		t.Fatalf("list streams returned %d", code)
	}
	if len(streams) != 2 {
		t.Fatalf("expected 2 streams, got %d", len(streams))
	}
	byID := map[string]int{}
	for i, s := range streams {
		byID[s.ID] = i
	}
	a := streams[byID["Stream-A"]]
	if a.TotalTasks != 2 || a.CompletedTasks != 1 || a.ProgressPercentage != 50 {
		t.Fatalf("unexpected Stream-A aggregation %+v", a.Stream)
	}
	if a.WorkerState != supervisor.StateRunning {
		t.Fatalf("expected running worker state, got %q", a.WorkerState)
	}
	b := streams[byID["Stream-B"]]
	if len(b.Dependencies) != 1 || b.Dependencies[0] != "Stream-A" {
		t.Fatalf("unexpected Stream-B dependencies %v", b.Dependencies)
	}
	if b.WorkerState != "" {
		t.Fatalf("expected no worker state for Stream-B, got %q", b.WorkerState)
	}
}

func TestTaskFiltersAndNotFound(t *testing.T) {
	env := newServerEnv(t, nil)
	_, prd := env.seed(t)
	env.createStreamTask(t, prd.ID, "a1", "Stream-A", nil)
	env.createStreamTask(t, prd.ID, "b1", "Stream-B", []string{"Stream-A"})

	var tasks []domain.Task
	url := fmt.Sprintf("%s/v0/tasks?stream_id=%s", env.URL, "Stream-A")
	if code := doJSON(t, http.MethodGet, url, nil, &tasks); code != http.StatusOK {
		t.Fatalf("list tasks returned %d", code)
	}
	if len(tasks) != 1 || tasks[0].Title != "a1" {
		t.Fatalf("unexpected filtered tasks %+v", tasks)
	}

	var envlp errEnvelope
	if code := doJSON(t, http.MethodGet, env.URL+"/v0/tasks/nope", nil, &envlp); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
	if envlp.Error.Code != "not_found" {
		t.Fatalf("unexpected error envelope %+v", envlp)
	}
}

func TestEventsHistory(t *testing.T) {
	env := newServerEnv(t, nil)
	_, prd := env.seed(t)
	env.createStreamTask(t, prd.ID, "a1", "Stream-A", nil)

	var page struct {
		Items      []domain.Event `json:"items"`
		NextCursor int64          `json:"next_cursor"`
	}
	if code := doJSON(t, http.MethodGet, env.URL+"/v0/events", nil, &page); code != http.StatusOK {
		t.Fatalf("list events returned %d", code)
	}
	if len(page.Items) < 3 || page.NextCursor == 0 {
		t.Fatalf("expected seeded events with a cursor, got %d items cursor %d", len(page.Items), page.NextCursor)
	}

	url := fmt.Sprintf("%s/v0/events?after=%d", env.URL, page.NextCursor)
	var empty struct {
		Items []domain.Event `json:"items"`
	}
	if code := doJSON(t, http.MethodGet, url, nil, &empty); code != http.StatusOK {
		t.Fatalf("events after cursor returned %d", code)
	}
	if len(empty.Items) != 0 {
		t.Fatalf("expected no events past the cursor, got %d", len(empty.Items))
	}
}

func TestJWTAuth(t *testing.T) {
	const secret = "test-secret"
	env := newServerEnv(t, func(cfg *server.Config) { cfg.Auth = server.AuthConfig{JWTSecret: secret} })

	// Health stays open.
	if code := doJSON(t, http.MethodGet, env.URL+"/v0/health", nil, nil); code != http.StatusOK {
		t.Fatalf("health returned %d", code)
	}

	var envlp errEnvelope
	if code := doJSON(t, http.MethodGet, env.URL+"/v0/tasks", nil, &envlp); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}
	if envlp.Error.Code != "unauthorized" {
		t.Fatalf("unexpected envelope %+v", envlp)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	headers := map[string]string{"Authorization": "Bearer " + token}
	var tasks []domain.Task
	if code := doJSON(t, http.MethodGet, env.URL+"/v0/tasks", headers, &tasks); code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", code)
	}

	bad := map[string]string{"Authorization": "Bearer not-a-token"}
	if code := doJSON(t, http.MethodGet, env.URL+"/v0/tasks", bad, nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", code)
	}
}

func TestOpenAPIStreamSchema(t *testing.T) {
	env := newServerEnv(t, nil)
	var doc struct {
		Components struct {
			Schemas map[string]json.RawMessage `json:"schemas"`
		} `json:"components"`
	}
	if code := doJSON(t, http.MethodGet, env.URL+"/v0/openapi.json", nil, &doc); code != http.StatusOK {
		t.Fatalf("openapi returned %d", code)
	}
	schema, ok := doc.Components.Schemas["StreamStatus"]
	if !ok {
		t.Fatalf("StreamStatus schema missing, have %v", keys(doc.Components.Schemas))
	}
	for _, field := range []string{"worker_state", "progress_percentage", "dependency_depth"} {
		if !strings.Contains(string(schema), field) {
			t.Fatalf("StreamStatus schema missing %s: %s", field, schema)
		}
	}
}

func keys(m map[string]json.RawMessage) []string {
	res := make([]string, 0, len(m))
	for k := range m {
		res = append(res, k)
	}
	return res
}
