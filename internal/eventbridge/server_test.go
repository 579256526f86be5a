package eventbridge

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kingrea/runlevel/internal/config"
	"github.com/kingrea/runlevel/internal/events"
	"github.com/kingrea/runlevel/internal/readiness"
	"github.com/kingrea/runlevel/internal/supervisor"
)

type stubFleet struct {
	statuses []supervisor.Status
	gate     *readiness.Result
}

func (f stubFleet) Statuses() []supervisor.Status { return f.statuses }

func (f stubFleet) Readiness() (readiness.Result, bool) {
	if f.gate == nil {
		return readiness.Result{}, false
	}
	return *f.gate, true
}

func sampleFleet() stubFleet {
	return stubFleet{
		statuses: []supervisor.Status{
			{Name: "memory-manager", State: supervisor.StateRunning, Live: true, PID: 42, Launches: 1},
			{Name: "orchestration", State: supervisor.StateWaiting, BlockedBy: []string{"memory-manager"}},
		},
		gate: &readiness.Result{Ready: true, Attempts: 2},
	}
}

func newTestServer(t *testing.T, opts ...Option) (*httptest.Server, *events.Broadcaster) {
	t.Helper()
	feed := events.NewBroadcaster()
	settings := Settings{Enabled: true, Host: "127.0.0.1", Heartbeat: time.Hour}
	opts = append([]Option{WithFleet(sampleFleet()), WithFeed(feed)}, opts...)
	srv := NewServer(settings, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, feed
}

func TestSettingsFromConfigHonorsEnv(t *testing.T) {
	t.Setenv("RUNLEVEL_BRIDGE_PORT", "9001")
	t.Setenv("RUNLEVEL_BRIDGE_HOST", "0.0.0.0")
	t.Setenv("RUNLEVEL_BRIDGE_ENABLED", "false")
	cfg := &config.Config{}
	settings := SettingsFromConfig(cfg)
	if settings.Port != 9001 {
		t.Fatalf("expected port 9001, got %d", settings.Port)
	}
	if settings.Host != "0.0.0.0" {
		t.Fatalf("expected host override, got %s", settings.Host)
	}
	if settings.Enabled {
		t.Fatalf("expected enabled=false from env override")
	}
}

func TestSettingsFromConfigUsesBridgeSection(t *testing.T) {
	disabled := false
	cfg := &config.Config{}
	cfg.Fleet.Bridge = config.BridgeConfig{Enabled: &disabled, Host: " localhost ", Port: 9100}
	settings := SettingsFromConfig(cfg)
	if settings.Enabled || settings.Host != "localhost" || settings.Port != 9100 {
		t.Fatalf("unexpected settings %+v", settings)
	}
	if settings.URL() != "http://localhost:9100" {
		t.Fatalf("unexpected url %s", settings.URL())
	}
	if settings.Heartbeat != DefaultHeartbeat {
		t.Fatalf("expected default heartbeat, got %s", settings.Heartbeat)
	}
}

func TestSettingsHeartbeatFromConfigAndEnv(t *testing.T) {
	cfg := &config.Config{}
	cfg.Fleet.Bridge.Heartbeat = config.Dur(2 * time.Second)
	if got := SettingsFromConfig(cfg).Heartbeat; got != 2*time.Second {
		t.Fatalf("expected config heartbeat, got %s", got)
	}
	t.Setenv("RUNLEVEL_BRIDGE_HEARTBEAT", "500ms")
	if got := SettingsFromConfig(cfg).Heartbeat; got != 500*time.Millisecond {
		t.Fatalf("expected env heartbeat, got %s", got)
	}
	t.Setenv("RUNLEVEL_BRIDGE_HEARTBEAT", "often")
	if got := SettingsFromConfig(nil).Heartbeat; got != DefaultHeartbeat {
		t.Fatalf("invalid env heartbeat should be ignored, got %s", got)
	}
}

func TestHealthReportsFleet(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 health, got %d", resp.StatusCode)
	}
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body.Workers != 2 || body.Live != 1 {
		t.Fatalf("unexpected worker counts %+v", body)
	}
	if body.Readiness == nil || !body.Readiness.Ready || body.Readiness.Attempts != 2 {
		t.Fatalf("unexpected readiness %+v", body.Readiness)
	}
}

func TestHealthRejectsPost(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Post(ts.URL+"/health", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestWorkersEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)
	client := NewClient(strings.TrimPrefix(ts.URL, "http://"))
	workers, err := client.Workers(context.Background())
	if err != nil {
		t.Fatalf("workers: %v", err)
	}
	if len(workers) != 2 || workers[0].Name != "memory-manager" || workers[0].PID != 42 {
		t.Fatalf("unexpected workers %+v", workers)
	}
	if workers[1].State != supervisor.StateWaiting || len(workers[1].BlockedBy) != 1 {
		t.Fatalf("unexpected waiting worker %+v", workers[1])
	}

	resp, err := http.Get(ts.URL + "/workers/orchestration")
	if err != nil {
		t.Fatalf("worker request: %v", err)
	}
	var one supervisor.Status
	if err := json.NewDecoder(resp.Body).Decode(&one); err != nil {
		t.Fatalf("decode worker: %v", err)
	}
	resp.Body.Close()
	if one.Name != "orchestration" {
		t.Fatalf("unexpected worker %+v", one)
	}

	resp, err = http.Get(ts.URL + "/workers/nobody")
	if err != nil {
		t.Fatalf("missing worker request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestWorkersWithoutFleetIsUnavailable(t *testing.T) {
	srv := NewServer(Settings{Enabled: true})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	_, err := NewClient(ts.URL).Workers(context.Background())
	if err == nil || !strings.Contains(err.Error(), "supervisor not attached") {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestRecentFiltersByWorker(t *testing.T) {
	ts, feed := newTestServer(t)
	feed.Emit(events.New("a", events.KindStarted, "pid 1"))
	feed.Emit(events.New("b", events.KindStarted, "pid 2"))
	feed.Emit(events.New("a", events.KindCrashed, "exit status 1"))

	resp, err := http.Get(ts.URL + "/events/recent?worker=a")
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	defer resp.Body.Close()
	var body recentResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode recent: %v", err)
	}
	if len(body.Records) != 2 || body.Records[1].Kind != events.KindCrashed {
		t.Fatalf("unexpected records %+v", body.Records)
	}

	bad, err := http.Get(ts.URL + "/events/recent?limit=zero")
	if err != nil {
		t.Fatalf("recent bad limit: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", bad.StatusCode)
	}
}

func TestEventStreamDeliversRecords(t *testing.T) {
	ts, feed := newTestServer(t)
	feed.Emit(events.New("orchestration", events.KindWaiting, "waiting on memory-manager"))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?kind=waiting,crashed", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	go func() {
		feed.Emit(events.New("memory-manager", events.KindStarted, "pid 7"))
		feed.Emit(events.New("memory-manager", events.KindCrashed, "exit status 2"))
	}()

	reader := bufio.NewReader(resp.Body)
	var got []events.Record
	var eventNames []string
	for len(got) < 2 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			eventNames = append(eventNames, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			var rec events.Record
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &rec); err != nil {
				t.Fatalf("decode data line: %v", err)
			}
			got = append(got, rec)
		}
	}
	if got[0].Kind != events.KindWaiting || got[0].Worker != "orchestration" {
		t.Fatalf("expected replayed waiting record first, got %+v", got[0])
	}
	if got[1].Kind != events.KindCrashed || got[1].Detail != "exit status 2" {
		t.Fatalf("expected crashed record, got %+v", got[1])
	}
	if strings.Join(eventNames, ",") != "waiting,crashed" {
		t.Fatalf("unexpected event names %v", eventNames)
	}
}

func TestWebsocketStreamsJSONRecords(t *testing.T) {
	ts, feed := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events/ws?worker=emergence"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	feed.Emit(events.New("orchestration", events.KindStarted, "pid 3"))
	feed.Emit(events.New("emergence", events.KindOutput, "hello"))

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var rec events.Record
	if err := conn.ReadJSON(&rec); err != nil {
		t.Fatalf("read websocket: %v", err)
	}
	if rec.Worker != "emergence" || rec.Detail != "hello" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := supervisor.NewMetrics()
	ts, _ := newTestServer(t, WithMetrics(metrics.Handler()))
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "runlevel_readiness_forced") {
		t.Fatalf("metrics output missing supervisor gauge")
	}
}

func TestServerStartAndShutdown(t *testing.T) {
	settings := Settings{Enabled: true, Host: "127.0.0.1", Port: 0, ReadTimeout: time.Second, WriteTimeout: time.Second, IdleTimeout: time.Second}
	srv := NewServer(settings, WithFleet(sampleFleet()))
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}
	if srv.Status() != StatusReady {
		t.Fatalf("expected ready, got %s", srv.Status())
	}
	resp, err := http.Get(srv.BaseURL() + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	resp.Body.Close()
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if srv.Addr() != "" {
		t.Fatalf("expected no address after shutdown")
	}
}

func TestDisabledServerDoesNotStart(t *testing.T) {
	srv := NewServer(Settings{Enabled: false})
	if err := srv.Start(context.Background()); err != ErrServerDisabled {
		t.Fatalf("expected ErrServerDisabled, got %v", err)
	}
}
