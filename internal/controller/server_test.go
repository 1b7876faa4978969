package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/angariumd/hcmp/internal/auth"
	"github.com/angariumd/hcmp/internal/db"
	"github.com/angariumd/hcmp/internal/events"
	"github.com/angariumd/hcmp/internal/history"
	"github.com/angariumd/hcmp/internal/models"
	"github.com/angariumd/hcmp/internal/pool"
	"github.com/angariumd/hcmp/internal/provision"
	"github.com/angariumd/hcmp/internal/pubsub"
	"github.com/angariumd/hcmp/internal/runner"
	"github.com/angariumd/hcmp/internal/terminal"
)

// gatedProcess emits its lines only after the gate is opened.
type gatedProcess struct {
	lines chan string
	code  int
}

func (p *gatedProcess) Lines() <-chan string { return p.lines }
func (p *gatedProcess) Wait() (int, error)   { return p.code, nil }
func (p *gatedProcess) Stop() error          { return nil }

type gatedLauncher struct {
	gate  chan struct{}
	lines []string
	code  int
}

func (l *gatedLauncher) Launch(ctx context.Context, _ runner.Invocation) (runner.Process, error) {
	select {
	case <-l.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	p := &gatedProcess{lines: make(chan string, len(l.lines)), code: l.code}
	for _, line := range l.lines {
		p.lines <- line
	}
	close(p.lines)
	return p, nil
}

type refusingDialer struct{}

func (refusingDialer) Dial(context.Context, string, string, string) (terminal.Client, error) {
	return nil, fmt.Errorf("connection refused")
}

type testServer struct {
	*httptest.Server
	srv      *Server
	pool     *pool.Pool
	history  *history.Store
	bus      *events.Bus
	launcher *gatedLauncher
}

const (
	aliceToken = "alice-token"
	bobToken   = "bob-token"
	adminToken = "admin-token"
)

func newTestServer(t *testing.T, machines int) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	database, err := db.Open(filepath.Join(t.TempDir(), "hcmp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Init())

	authn := auth.NewAuthenticator(database, logger)
	require.NoError(t, authn.SeedUsers(ctx, []models.User{
		{ID: "alice", Name: "Alice", Role: models.RoleUser},
		{ID: "bob", Name: "Bob", Role: models.RoleUser},
		{ID: "root", Name: "Operator", Role: models.RoleAdmin},
	}, []string{aliceToken, bobToken, adminToken}))

	p := pool.New(database, logger)
	seed := make([]models.Machine, machines)
	for i := range seed {
		seed[i] = models.Machine{Address: fmt.Sprintf("10.0.0.%d", i+1), Name: fmt.Sprintf("wkld-%02d", i+1)}
	}
	_, err = p.Seed(ctx, seed)
	require.NoError(t, err)

	bus := events.NewBus(pubsub.NewMemory(), logger, events.WithPollInterval(time.Millisecond))
	h := history.New(database)
	launcher := &gatedLauncher{gate: make(chan struct{})}
	orch := provision.New(p, h, bus, launcher, provision.Config{PlaybookDir: "/opt/h-cmp", Playbook: "site.yml", RunAs: "root"}, nil, logger)
	proxy := terminal.New(refusingDialer{}, logger, terminal.WithPollInterval(time.Millisecond))

	srv := NewServer(p, h, orch, bus, proxy, authn, logger)
	ts := httptest.NewServer(srv.Routes())

	// Cleanups run last-in first-out: stop HTTP, then jobs, then relays.
	t.Cleanup(bus.Close)
	t.Cleanup(orch.Shutdown)
	t.Cleanup(ts.Close)

	return &testServer{Server: ts, srv: srv, pool: p, history: h, bus: bus, launcher: launcher}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *testServer) dial(t *testing.T, path, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func shopRequest(template string) map[string]any {
	return map[string]any{
		"serviceName": "shop",
		"userName":    "Alice",
		"config":      map[string]any{"template": template, "packages": []string{"nginx"}},
		"targetInfra": map[string]any{"cluster": "c1"},
	}
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func TestRequiresToken(t *testing.T) {
	ts := newTestServer(t, 1)

	resp := ts.do(t, "GET", "/v1/pool", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.do(t, "GET", "/v1/pool", "nope", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, 1)

	resp := ts.do(t, "OPTIONS", "/v1/provision", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestProvision_Validation(t *testing.T) {
	ts := newTestServer(t, 5)

	req, err := http.NewRequest("POST", ts.URL+"/v1/provision", strings.NewReader("{not json"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+aliceToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, "POST", "/v1/provision", aliceToken, map[string]any{"config": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, "POST", "/v1/provision", aliceToken, shopRequest("mainframe"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[apiError](t, resp)
	assert.Equal(t, "error", body.Status)
	assert.Contains(t, body.Message, "mainframe")

	machines, err := ts.pool.ListAvailable(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, machines, 5)
}

func TestProvision_Insufficient(t *testing.T) {
	ts := newTestServer(t, 2)

	resp := ts.do(t, "POST", "/v1/provision", aliceToken, shopRequest("standard"))
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decode[apiError](t, resp)
	assert.Equal(t, "error", body.Status)
	require.NotNil(t, body.Needed)
	require.NotNil(t, body.Available)
	assert.Equal(t, 3, *body.Needed)
	assert.Equal(t, 2, *body.Available)

	jobs, err := ts.history.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestProvision_StreamsLogsAndAlarm(t *testing.T) {
	ts := newTestServer(t, 3)
	ts.launcher.lines = []string{"TASK [Gathering Facts] ***\n", "ok: [10.0.0.1]\n", "PLAY RECAP ***\n"}

	alarms := ts.dial(t, "/ws/alarms/alice", aliceToken)
	require.Eventually(t, func() bool { return ts.bus.Subscribers(events.UserSubject("alice")) == 1 }, time.Second, time.Millisecond)

	resp := ts.do(t, "POST", "/v1/provision", aliceToken, shopRequest("standard"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	accepted := decode[provisionResponse](t, resp)
	assert.Equal(t, "success", accepted.Status)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, accepted.AssignedIPs)

	logs := ts.dial(t, fmt.Sprintf("/ws/logs/%d", accepted.JobID), aliceToken)
	assert.Equal(t, fmt.Sprintf("[System] connected to job #%d log stream", accepted.JobID), readText(t, logs))
	require.Eventually(t, func() bool { return ts.bus.Subscribers(events.JobSubject(accepted.JobID)) == 1 }, time.Second, time.Millisecond)

	close(ts.launcher.gate)

	// STEP_1 went out before the viewer connected. Messages may arrive
	// twice; compare first occurrences.
	var got []string
	seen := map[string]bool{}
	for !seen[events.MarkerComplete] {
		msg := readText(t, logs)
		if !seen[msg] {
			seen[msg] = true
			got = append(got, msg)
		}
	}
	assert.Equal(t, []string{
		events.MarkerFacts,
		"TASK [Gathering Facts] ***",
		"ok: [10.0.0.1]",
		events.MarkerRecap,
		"PLAY RECAP ***",
		events.MarkerComplete,
	}, got)

	var alarm events.Alarm
	require.NoError(t, json.Unmarshal([]byte(readText(t, alarms)), &alarm))
	assert.Equal(t, events.AlarmType, alarm.Type)
	assert.Equal(t, events.LevelSuccess, alarm.Level)
	assert.Contains(t, alarm.Message, "shop")

	job, err := ts.history.Get(context.Background(), accepted.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)

	// Dropping the viewer tears down the relay.
	logs.Close()
	require.Eventually(t, func() bool { return ts.bus.Subscribers(events.JobSubject(accepted.JobID)) == 0 }, time.Second, time.Millisecond)
}

func TestPoolView(t *testing.T) {
	ts := newTestServer(t, 3)
	ctx := context.Background()

	resp := ts.do(t, "POST", "/v1/provision", aliceToken, shopRequest("single"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	accepted := decode[provisionResponse](t, resp)

	resp = ts.do(t, "GET", "/v1/pool", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	all := decode[[]machineView](t, resp)
	require.Len(t, all, 3)
	assert.Equal(t, "wkld-01", all[0].VMName)
	assert.Equal(t, "Provisioning", all[0].Status)
	assert.Equal(t, "shop", all[0].ProjectName)
	assert.Equal(t, "alice", all[0].Owner)
	assert.Equal(t, "Available", all[1].Status)
	assert.Equal(t, "Ready to use", all[1].ProjectName)
	assert.Equal(t, "-", all[1].Owner)

	close(ts.launcher.gate)
	require.Eventually(t, func() bool {
		job, err := ts.history.Get(ctx, accepted.JobID)
		return err == nil && job.Status == models.JobCompleted
	}, 2*time.Second, time.Millisecond)

	resp = ts.do(t, "GET", "/v1/pool", aliceToken, nil)
	mine := decode[[]machineView](t, resp)
	require.Len(t, mine, 1)
	assert.Equal(t, "Running", mine[0].Status)
	assert.Equal(t, "10.0.0.1", mine[0].IPAddress)

	resp = ts.do(t, "GET", "/v1/pool", bobToken, nil)
	assert.Empty(t, decode[[]machineView](t, resp))
}

func TestJobsAndDelete(t *testing.T) {
	ts := newTestServer(t, 3)
	close(ts.launcher.gate)

	resp := ts.do(t, "POST", "/v1/provision", aliceToken, shopRequest("single"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	accepted := decode[provisionResponse](t, resp)
	path := fmt.Sprintf("/v1/provision/%d", accepted.JobID)

	resp = ts.do(t, "GET", "/v1/jobs", aliceToken, nil)
	assert.Len(t, decode[[]models.Job](t, resp), 1)
	resp = ts.do(t, "GET", "/v1/jobs", bobToken, nil)
	assert.Empty(t, decode[[]models.Job](t, resp))
	resp = ts.do(t, "GET", "/v1/jobs", adminToken, nil)
	assert.Len(t, decode[[]models.Job](t, resp), 1)

	resp = ts.do(t, "GET", fmt.Sprintf("/v1/jobs/%d", accepted.JobID), bobToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, "DELETE", path, bobToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = ts.do(t, "DELETE", "/v1/provision/abc", aliceToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, "DELETE", path, aliceToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, "DELETE", path, aliceToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	machines, err := ts.pool.ListAvailable(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, machines, 3)
}

func TestStats(t *testing.T) {
	ts := newTestServer(t, 3)

	resp := ts.do(t, "GET", "/v1/stats", aliceToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = ts.do(t, "POST", "/v1/provision", aliceToken, shopRequest("single"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, "GET", "/v1/stats", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	usage := decode[history.Usage](t, resp)
	assert.Equal(t, 1, usage.Jobs)
}

func TestTemplatesAndWhoami(t *testing.T) {
	ts := newTestServer(t, 1)

	resp := ts.do(t, "GET", "/v1/templates", aliceToken, nil)
	names := map[string]int{}
	for _, v := range decode[[]templateView](t, resp) {
		names[v.Name] = v.Machines
	}
	assert.Equal(t, 1, names["single"])
	assert.Equal(t, 5, names["enterprise"])

	resp = ts.do(t, "GET", "/v1/whoami", adminToken, nil)
	user := decode[models.User](t, resp)
	assert.Equal(t, "root", user.ID)
	assert.Equal(t, models.RoleAdmin, user.Role)
}

func TestStreamAccess(t *testing.T) {
	ts := newTestServer(t, 2)

	resp := ts.do(t, "POST", "/v1/provision", aliceToken, shopRequest("single"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	accepted := decode[provisionResponse](t, resp)

	resp = ts.do(t, "GET", fmt.Sprintf("/ws/logs/%d", accepted.JobID), bobToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, "GET", "/ws/logs/999", aliceToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, "GET", "/ws/alarms/alice", bobToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = ts.do(t, "GET", "/ws/ssh/10.0.0.1", bobToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = ts.do(t, "GET", "/ws/ssh/192.0.2.1", adminToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTerminalOverWebsocket(t *testing.T) {
	ts := newTestServer(t, 1)

	conn := ts.dial(t, "/ws/ssh/10.0.0.1", adminToken)
	var out strings.Builder
	for !strings.Contains(out.String(), "login: ") {
		out.WriteString(readText(t, conn))
	}
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("root\r")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("pw\r")))

	for {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		out.WriteString(string(data))
	}
	assert.Contains(t, out.String(), "Connecting to 10.0.0.1...")
	assert.Contains(t, out.String(), "Connection Error: connection refused")
}
