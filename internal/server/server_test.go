package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/me/contestd/internal/auth"
	"github.com/me/contestd/internal/config"
	"github.com/me/contestd/internal/dataset"
	"github.com/me/contestd/internal/intake"
	"github.com/me/contestd/internal/registry"
	"github.com/me/contestd/internal/scheduler"
	"github.com/me/contestd/internal/store"
	"github.com/me/contestd/internal/taskpool"
	"github.com/me/contestd/pkg/model"
)

const testAdminKey = "admin-key"

type fixture struct {
	srv      *Server
	store    *store.SQLiteStore
	registry *registry.Registry
	auth     *auth.Authenticator
}

// testServer builds a server over an in-memory store seeded with n tasks.
func testServer(t *testing.T, n int) fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	pool := taskpool.New(st, taskpool.Config{MaxTasks: 50}, logger)
	items := make([]dataset.Item, n)
	for i := range items {
		items[i] = dataset.Item{
			Name:    fmt.Sprintf("img_%03d", i+1),
			Content: json.RawMessage(fmt.Sprintf(`{"image_url":"https://example.com/%d.jpg?a=1&b=2"}`, i+1)),
		}
	}
	if _, err := pool.Seed(ctx, items); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	reg := registry.New(registry.NewMemoryQueue(registry.DefaultQueueCapacity),
		registry.Config{HeartbeatInterval: time.Hour}, logger)
	t.Cleanup(reg.Close)

	authn, err := auth.NewAuthenticator("test-secret", "contestd", time.Hour)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}

	cfg := config.DefaultServerConfig()
	cfg.Auth.AdminKey = testAdminKey

	srv := New(cfg, Deps{
		Store:     st,
		Pool:      pool,
		Registry:  reg,
		Scheduler: scheduler.NewLoop(pool, reg, nil, scheduler.DefaultConfig(), logger),
		Intake:    intake.New(st, logger),
		Auth:      authn,
	}, logger)
	return fixture{srv: srv, store: st, registry: reg, auth: authn}
}

// envelope is used to decode the standard response envelope.
type envelope struct {
	Status    string          `json:"status"`
	RequestID string          `json:"request_id"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Error     *model.APIError `json:"error"`
}

type reqOpt func(*http.Request)

func withToken(tok string) reqOpt {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tok) }
}

func withAdmin(key string) reqOpt {
	return func(r *http.Request) { r.Header.Set("X-Admin-Key", key) }
}

func do(t *testing.T, srv *Server, method, path, body string, wantStatus int, opts ...reqOpt) envelope {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for _, o := range opts {
		o(req)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != wantStatus {
		t.Fatalf("%s %s: status=%d, want %d, body=%s", method, path, w.Code, wantStatus, w.Body.String())
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: invalid JSON: %v", method, path, err)
	}
	return env
}

// register creates an active team and returns its token.
func register(t *testing.T, srv *Server, name string) string {
	t.Helper()
	env := do(t, srv, "POST", "/api/v1/teams", fmt.Sprintf(`{"name":%q,"secret":"s3cret-pass"}`, name), http.StatusCreated)
	var tok model.TokenResponse
	if err := json.Unmarshal(env.Data, &tok); err != nil || tok.Token == "" {
		t.Fatalf("register %s: token missing (%v): %s", name, err, env.Data)
	}
	return tok.Token
}

func forceTick(t *testing.T, srv *Server) {
	t.Helper()
	do(t, srv, "POST", "/api/v1/admin/tick", "", http.StatusOK, withAdmin(testAdminKey))
}

func TestDiscovery(t *testing.T) {
	f := testServer(t, 0)
	env := do(t, f.srv, "GET", "/api/v1/", "", http.StatusOK)
	if env.Status != "ok" {
		t.Errorf("status = %q, want ok", env.Status)
	}
	if env.RequestID == "" {
		t.Error("request_id is empty")
	}

	var data struct {
		Name      string `json:"name"`
		Endpoints []struct {
			Path string `json:"path"`
		} `json:"endpoints"`
	}
	json.Unmarshal(env.Data, &data)
	if data.Name != "contestd API" {
		t.Errorf("name = %q, want contestd API", data.Name)
	}
	if len(data.Endpoints) < 10 {
		t.Errorf("endpoints count = %d, want >= 10", len(data.Endpoints))
	}
}

func TestHealth(t *testing.T) {
	f := testServer(t, 2)
	for _, path := range []string{"/health", "/api/v1/health"} {
		env := do(t, f.srv, "GET", path, "", http.StatusOK)

		var data struct {
			Status    string `json:"status"`
			Version   string `json:"version"`
			Scheduler string `json:"scheduler"`
			Store     string `json:"store"`
			System    struct {
				NumGoroutine  int `json:"num_goroutine"`
				TotalCPUCores int `json:"total_cpu_cores"`
			} `json:"system"`
		}
		json.Unmarshal(env.Data, &data)
		if data.Status != "healthy" || data.Store != "ok" {
			t.Errorf("%s: status=%q store=%q", path, data.Status, data.Store)
		}
		if data.Version != Version {
			t.Errorf("%s: version = %q, want %s", path, data.Version, Version)
		}
		if data.Scheduler != string(model.ContestIdle) {
			t.Errorf("%s: scheduler = %q, want idle", path, data.Scheduler)
		}
		if data.System.NumGoroutine == 0 || data.System.TotalCPUCores == 0 {
			t.Errorf("%s: system stats missing: %+v", path, data.System)
		}
	}
}

func TestRequestIDHeader(t *testing.T) {
	f := testServer(t, 0)
	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)
	if !strings.HasPrefix(w.Header().Get("X-Request-ID"), "req_") {
		t.Errorf("X-Request-ID = %q", w.Header().Get("X-Request-ID"))
	}
}

func TestRegisterTeam(t *testing.T) {
	f := testServer(t, 0)

	tok := register(t, f.srv, "red_team")
	team, err := f.auth.Authenticate(tok)
	if err != nil || team != "red_team" {
		t.Errorf("Authenticate = %q, %v", team, err)
	}

	stored, err := f.store.GetTeamByName(context.Background(), "red_team")
	if err != nil || stored == nil || !stored.Active {
		t.Fatalf("stored team = %+v, %v", stored, err)
	}
	if stored.SecretHash == "" || stored.SecretHash == "s3cret-pass" {
		t.Errorf("secret not hashed: %q", stored.SecretHash)
	}

	env := do(t, f.srv, "POST", "/api/v1/teams", `{"name":"red_team","secret":"another-pass"}`, http.StatusConflict)
	if env.Error == nil || env.Error.Code != model.ErrConflict {
		t.Errorf("duplicate error = %+v", env.Error)
	}
}

func TestRegisterTeam_Validation(t *testing.T) {
	f := testServer(t, 0)
	tests := []struct {
		name string
		body string
	}{
		{"short name", `{"name":"ab","secret":"long-enough"}`},
		{"bad chars", `{"name":"red-team","secret":"long-enough"}`},
		{"short secret", `{"name":"red_team","secret":"short"}`},
		{"not json", `not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := do(t, f.srv, "POST", "/api/v1/teams", tt.body, http.StatusBadRequest)
			if env.Status != "error" || env.Error.Code != model.ErrValidation {
				t.Errorf("response = %+v", env)
			}
		})
	}
}

func TestIssueToken(t *testing.T) {
	f := testServer(t, 0)
	register(t, f.srv, "red_team")

	env := do(t, f.srv, "POST", "/api/v1/auth/token", `{"name":"red_team","secret":"s3cret-pass"}`, http.StatusOK)
	var tok model.TokenResponse
	json.Unmarshal(env.Data, &tok)
	if tok.Team != "red_team" || tok.Token == "" || !tok.ExpiresAt.After(time.Now()) {
		t.Errorf("token response = %+v", tok)
	}

	do(t, f.srv, "POST", "/api/v1/auth/token", `{"name":"red_team","secret":"wrong-pass"}`, http.StatusUnauthorized)
	do(t, f.srv, "POST", "/api/v1/auth/token", `{"name":"ghost","secret":"s3cret-pass"}`, http.StatusUnauthorized)
}

func TestTasks_OnlyIssuedVisible(t *testing.T) {
	f := testServer(t, 3)

	env := do(t, f.srv, "GET", "/api/v1/tasks", "", http.StatusOK)
	if string(env.Data) != "[]" {
		t.Errorf("tasks before any tick = %s, want []", env.Data)
	}

	forceTick(t, f.srv)

	env = do(t, f.srv, "GET", "/api/v1/tasks", "", http.StatusOK)
	var tasks []model.Task
	json.Unmarshal(env.Data, &tasks)
	if len(tasks) != 1 || tasks[0].ID != 1 || !tasks[0].Issued {
		t.Fatalf("tasks = %+v", tasks)
	}
	want := `{"image_url":"https://example.com/1.jpg?a=1&b=2"}`
	if string(tasks[0].Content) != want {
		t.Errorf("content = %s, want %s", tasks[0].Content, want)
	}

	do(t, f.srv, "GET", "/api/v1/tasks/1", "", http.StatusOK)
	do(t, f.srv, "GET", "/api/v1/tasks/2", "", http.StatusNotFound)
	do(t, f.srv, "GET", "/api/v1/tasks/99", "", http.StatusNotFound)
	do(t, f.srv, "GET", "/api/v1/tasks/abc", "", http.StatusBadRequest)
}

func TestContestStatus(t *testing.T) {
	f := testServer(t, 2)
	forceTick(t, f.srv)

	env := do(t, f.srv, "GET", "/api/v1/contest", "", http.StatusOK)
	var st model.ContestStatus
	json.Unmarshal(env.Data, &st)
	if st.TotalTasks != 2 || st.IssuedTasks != 1 || st.RemainingTasks != 1 {
		t.Errorf("status = %+v", st)
	}

	forceTick(t, f.srv)
	env = do(t, f.srv, "GET", "/api/v1/contest", "", http.StatusOK)
	json.Unmarshal(env.Data, &st)
	if st.Status != model.ContestCompleted || st.RemainingTasks != 0 {
		t.Errorf("status after last tick = %+v", st)
	}
}

func TestTaskFormat(t *testing.T) {
	f := testServer(t, 0)
	env := do(t, f.srv, "GET", "/api/v1/task-format", "", http.StatusOK)
	var tf model.TaskFormat
	if err := json.Unmarshal(env.Data, &tf); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if tf.Description == "" || !json.Valid(tf.Schema) {
		t.Errorf("task format = %+v", tf)
	}
}

func TestSubmissions(t *testing.T) {
	f := testServer(t, 3)
	tok := register(t, f.srv, "red_team")
	forceTick(t, f.srv)

	do(t, f.srv, "POST", "/api/v1/submissions", `{"task_id":1,"annotation":{}}`, http.StatusUnauthorized)
	do(t, f.srv, "POST", "/api/v1/submissions", `{"task_id":1,"annotation":{}}`, http.StatusUnauthorized, withToken("garbage"))

	env := do(t, f.srv, "POST", "/api/v1/submissions", `{"task_id":2,"annotation":{"label":"cat"}}`,
		http.StatusConflict, withToken(tok))
	if env.Error.Message != intake.ReasonTaskNotIssued {
		t.Errorf("error = %+v", env.Error)
	}
	do(t, f.srv, "POST", "/api/v1/submissions", `{"task_id":42,"annotation":{}}`, http.StatusNotFound, withToken(tok))
	do(t, f.srv, "POST", "/api/v1/submissions", `{"task_id":1}`, http.StatusBadRequest, withToken(tok))

	env = do(t, f.srv, "POST", "/api/v1/submissions",
		`{"task_id":1,"annotation":{"label":"cat"},"metadata":{"model":"v2"}}`, http.StatusCreated, withToken(tok))
	var receipt model.SubmissionReceipt
	json.Unmarshal(env.Data, &receipt)
	if receipt.Attempt != 1 || receipt.Status != model.SubmissionStatusReceived {
		t.Errorf("receipt = %+v", receipt)
	}

	env = do(t, f.srv, "GET", "/api/v1/submissions?task_id=1", "", http.StatusOK, withToken(tok))
	var subs []model.Submission
	json.Unmarshal(env.Data, &subs)
	if len(subs) != 1 || string(subs[0].Content) != `{"label":"cat"}` {
		t.Errorf("submissions = %+v", subs)
	}
	do(t, f.srv, "GET", "/api/v1/submissions?task_id=x", "", http.StatusBadRequest, withToken(tok))
}

func TestSubmissions_AttemptsExceeded(t *testing.T) {
	f := testServer(t, 1)
	tok := register(t, f.srv, "red_team")
	forceTick(t, f.srv)

	body := `{"task_id":1,"annotation":{"label":"cat"}}`
	for i := 0; i < model.DefaultMaxAttempts; i++ {
		do(t, f.srv, "POST", "/api/v1/submissions", body, http.StatusCreated, withToken(tok))
	}
	env := do(t, f.srv, "POST", "/api/v1/submissions", body, http.StatusConflict, withToken(tok))
	if env.Error.Message != intake.ReasonAttemptsExceeded {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestAdmin(t *testing.T) {
	f := testServer(t, 1)
	tok := register(t, f.srv, "red_team")

	do(t, f.srv, "GET", "/api/v1/admin/teams", "", http.StatusForbidden)
	do(t, f.srv, "GET", "/api/v1/admin/teams", "", http.StatusForbidden, withAdmin("wrong"))

	env := do(t, f.srv, "GET", "/api/v1/admin/teams", "", http.StatusOK, withAdmin(testAdminKey))
	var teams []struct {
		Name      string `json:"name"`
		Active    bool   `json:"active"`
		Connected bool   `json:"connected"`
	}
	json.Unmarshal(env.Data, &teams)
	if len(teams) != 1 || teams[0].Name != "red_team" || !teams[0].Active || teams[0].Connected {
		t.Errorf("teams = %+v", teams)
	}

	do(t, f.srv, "PUT", "/api/v1/admin/teams/ghost/active", `{"active":false}`, http.StatusNotFound, withAdmin(testAdminKey))
	do(t, f.srv, "PUT", "/api/v1/admin/teams/red_team/active", `{}`, http.StatusBadRequest, withAdmin(testAdminKey))
	do(t, f.srv, "PUT", "/api/v1/admin/teams/red_team/active", `{"active":false}`, http.StatusOK, withAdmin(testAdminKey))

	forceTick(t, f.srv)
	env = do(t, f.srv, "POST", "/api/v1/submissions", `{"task_id":1,"annotation":{}}`, http.StatusForbidden, withToken(tok))
	if env.Error.Message != intake.ReasonTeamInactive {
		t.Errorf("error = %+v", env.Error)
	}
	do(t, f.srv, "POST", "/api/v1/auth/token", `{"name":"red_team","secret":"s3cret-pass"}`, http.StatusForbidden)
}

func TestAdmin_DisabledWithoutKey(t *testing.T) {
	f := testServer(t, 0)
	cfg := f.srv.config
	cfg.Auth.AdminKey = ""
	srv := New(cfg, Deps{
		Store:    f.store,
		Pool:     f.srv.pool,
		Registry: f.registry,
		Intake:   f.srv.intake,
		Auth:     f.auth,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	env := do(t, srv, "POST", "/api/v1/admin/tick", "", http.StatusForbidden, withAdmin(""))
	if env.Error.Code != model.ErrForbidden {
		t.Errorf("error = %+v", env.Error)
	}
}

// --- WebSocket ---

func wsURL(ts *httptest.Server, token string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + token
}

func dial(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, token), nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) model.InboundEnvelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	env, err := model.DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
	return env
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocket_Rejections(t *testing.T) {
	f := testServer(t, 1)
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	ghostTok, _, err := f.auth.Issue("ghost")
	if err != nil {
		t.Fatal(err)
	}
	register(t, f.srv, "sleepy")
	sleepyTok, _, _ := f.auth.Issue("sleepy")
	if err := f.store.SetTeamActive(context.Background(), "sleepy", false); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"invalid token", "not-a-jwt", http.StatusUnauthorized},
		{"unknown team", ghostTok, http.StatusNotFound},
		{"inactive team", sleepyTok, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, tt.token), nil)
			if err == nil {
				t.Fatal("expected handshake failure")
			}
			if resp == nil || resp.StatusCode != tt.status {
				t.Fatalf("resp = %v, want status %d", resp, tt.status)
			}
		})
	}
}

func TestWebSocket_WelcomeAndLiveTask(t *testing.T) {
	f := testServer(t, 3)
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	tok := register(t, f.srv, "red_team")
	forceTick(t, f.srv)

	conn := dial(t, ts, tok)

	env := readFrame(t, conn)
	if env.Type != model.MessageAvailableTasks {
		t.Fatalf("first frame = %s, want available_tasks", env.Type)
	}
	var avail model.AvailableTasks
	json.Unmarshal(env.Data, &avail)
	if avail.TotalIssued != 1 || avail.MaxTasks != 3 || avail.RemainingTasks != 2 || avail.Tasks[0].TaskID != 1 {
		t.Errorf("available_tasks = %+v", avail)
	}

	env = readFrame(t, conn)
	if env.Type != model.MessageContestStatus {
		t.Fatalf("second frame = %s, want contest_status", env.Type)
	}

	stored, _ := f.store.GetTeamByName(context.Background(), "red_team")
	if stored.LastSeen == nil {
		t.Error("last_seen not updated on connect")
	}
	waitFor(t, "registry connection", func() bool { return f.registry.IsConnected("red_team") })

	forceTick(t, f.srv)
	env = readFrame(t, conn)
	if env.Type != model.MessageNewTask {
		t.Fatalf("frame = %s, want new_task", env.Type)
	}
	var ann model.TaskAnnouncement
	json.Unmarshal(env.Data, &ann)
	if ann.TaskID != 2 || ann.Remaining != 1 {
		t.Errorf("announcement = %+v", ann)
	}
	if !bytes.Contains(env.Data, []byte(`"https://example.com/2.jpg?a=1&b=2"`)) {
		t.Errorf("content not delivered verbatim: %s", env.Data)
	}
}

// A team that drops receives what was issued meanwhile, before the welcome
// frames of its next connection.
func TestWebSocket_OfflineCatchUp(t *testing.T) {
	f := testServer(t, 3)
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	tok := register(t, f.srv, "red_team")
	conn := dial(t, ts, tok)
	readFrame(t, conn) // available_tasks
	readFrame(t, conn) // contest_status
	waitFor(t, "registry connection", func() bool { return f.registry.IsConnected("red_team") })

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	waitFor(t, "disconnect", func() bool { return !f.registry.IsConnected("red_team") })

	forceTick(t, f.srv)
	forceTick(t, f.srv)

	conn = dial(t, ts, tok)
	wantOrder := []model.MessageType{
		model.MessageNewTask,
		model.MessageNewTask,
		model.MessageAvailableTasks,
		model.MessageContestStatus,
	}
	var ids []int64
	for i, want := range wantOrder {
		env := readFrame(t, conn)
		if env.Type != want {
			t.Fatalf("frame %d = %s, want %s", i, env.Type, want)
		}
		if env.Type == model.MessageNewTask {
			var ann model.TaskAnnouncement
			json.Unmarshal(env.Data, &ann)
			ids = append(ids, ann.TaskID)
		}
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Errorf("queued task ids = %v, want [1 2]", ids)
	}
}

func TestWebSocket_ReplacedConnection(t *testing.T) {
	f := testServer(t, 2)
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	tok := register(t, f.srv, "red_team")
	first := dial(t, ts, tok)
	readFrame(t, first)
	readFrame(t, first)

	second := dial(t, ts, tok)
	readFrame(t, second)
	readFrame(t, second)

	// The first socket is closed by the server.
	first.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Error("first connection still open after replacement")
	}

	forceTick(t, f.srv)
	if env := readFrame(t, second); env.Type != model.MessageNewTask {
		t.Errorf("frame on replacement = %s, want new_task", env.Type)
	}
	if got := f.registry.Connected(); len(got) != 1 || got[0] != "red_team" {
		t.Errorf("connected = %v", got)
	}
}

func TestCheckOrigin(t *testing.T) {
	f := testServer(t, 0)
	f.srv.config.CORSOrigins = []string{"https://contest.example.com"}

	tests := []struct {
		origin string
		host   string
		want   bool
	}{
		{"", "api.example.com", true},
		{"https://contest.example.com", "api.example.com", true},
		{"https://evil.example.com", "api.example.com", false},
		{"http://api.example.com", "api.example.com", true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/ws", nil)
		r.Host = tt.host
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := f.srv.checkOrigin(r); got != tt.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}
