package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/sigma-robotics/patrol/internal/alertsvc"
	"github.com/sigma-robotics/patrol/internal/store"
)

// fakeAlertService implements the alert-evaluation REST+WS surface in-process.
type fakeAlertService struct {
	mu       sync.Mutex
	streams  map[string][]string // stream_id -> rules
	nextID   int
	eventsMu sync.Mutex
	events   []*websocket.Conn
	srv      *httptest.Server
}

func newFakeAlertService(t *testing.T) *fakeAlertService {
	t.Helper()
	f := &fakeAlertService{streams: make(map[string][]string)}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/streams", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodPost:
			f.nextID++
			id := fmt.Sprintf("stream-%d", f.nextID)
			f.streams[id] = nil
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"stream_id": id})
		case http.MethodGet:
			out := struct {
				Streams []alertsvc.Stream `json:"streams"`
			}{}
			for id := range f.streams {
				out.Streams = append(out.Streams, alertsvc.Stream{ID: id})
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(out)
		}
	})
	mux.HandleFunc("/api/streams/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/streams/")
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(rest, "/rules"):
			id := strings.TrimSuffix(rest, "/rules")
			var body struct {
				Rules []string `json:"rules"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			f.streams[id] = body.Rules
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodDelete:
			delete(f.streams, rest)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	mux.HandleFunc("/api/events/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.eventsMu.Lock()
		f.events = append(f.events, conn)
		f.eventsMu.Unlock()
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAlertService) pushEvent(t *testing.T, ev alertsvc.Event) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		f.eventsMu.Lock()
		n := len(f.events)
		f.eventsMu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	f.eventsMu.Lock()
	defer f.eventsMu.Unlock()
	require.NotEmpty(t, f.events, "no websocket client connected")
	require.NoError(t, f.events[len(f.events)-1].WriteJSON(ev))
}

// dropEventConns 服务端主动断开所有事件连接
func (f *fakeAlertService) dropEventConns() {
	f.eventsMu.Lock()
	defer f.eventsMu.Unlock()
	for _, c := range f.events {
		c.Close()
	}
	f.events = nil
}

func (f *fakeAlertService) streamIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.streams))
	for id := range f.streams {
		ids = append(ids, id)
	}
	return ids
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testSession() SessionConfig {
	return SessionConfig{
		Streams: []StreamConfig{{
			Name: "robot_camera",
			URL:  "rtsp://127.0.0.1:8554/robot1/camera",
			Type: StreamRobotCamera,
			FrameFunc: func(ctx context.Context) ([]byte, error) {
				return []byte{0xff, 0xd8, 0xff, 0xd9}, nil
			},
		}},
		Rules: []string{"Is there a person in the frame?"},
	}
}

func waitForAlerts(t *testing.T, m *Monitor, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(m.GetAlerts()) >= want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.Len(t, m.GetAlerts(), want)
}

func TestMonitorStartStop(t *testing.T) {
	f := newFakeAlertService(t)
	db := newTestStore(t)
	m := New(alertsvc.NewClient(f.srv.URL), db, nil, Options{
		EvidenceDir: t.TempDir(),
		RobotID:     "robot1",
	})

	require.NoError(t, m.Start(context.Background(), 1, testSession()))
	require.True(t, m.IsRunning())
	require.Len(t, f.streamIDs(), 1)

	// 重复启动被拒绝
	require.Error(t, m.Start(context.Background(), 2, testSession()))

	m.Stop()
	require.False(t, m.IsRunning())
	require.Empty(t, f.streamIDs(), "streams must be deregistered on stop")

	// Stop 幂等
	m.Stop()
}

func TestMonitorAlertCooldown(t *testing.T) {
	f := newFakeAlertService(t)
	db := newTestStore(t)
	m := New(alertsvc.NewClient(f.srv.URL), db, nil, Options{
		EvidenceDir: t.TempDir(),
		RobotID:     "robot1",
		Cooldown:    500 * time.Millisecond,
	})

	runID, err := db.InsertRun(context.Background(), "serial-1", "robot1", "model-1")
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background(), runID, testSession()))
	defer m.Stop()

	id := f.streamIDs()[0]
	ev := alertsvc.Event{Rule: "Is there a person in the frame?", StreamID: id, AlertID: "a1"}

	// 冷却窗口内的两条事件只产生一条告警
	f.pushEvent(t, ev)
	waitForAlerts(t, m, 1)
	f.pushEvent(t, ev)
	time.Sleep(200 * time.Millisecond)
	require.Len(t, m.GetAlerts(), 1)

	// 窗口过后第三条事件产生第二条告警
	time.Sleep(500 * time.Millisecond)
	f.pushEvent(t, ev)
	waitForAlerts(t, m, 2)

	rows, err := db.ListAlerts(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "robot_camera", rows[0].StreamSource)
	require.NotEmpty(t, rows[0].ImagePath)
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

// 事件连接被服务端断开后自动重连，后续事件继续到达
func TestMonitorEventListenerReconnects(t *testing.T) {
	f := newFakeAlertService(t)
	db := newTestStore(t)
	m := New(alertsvc.NewClient(f.srv.URL), db, nil, Options{
		EvidenceDir:          t.TempDir(),
		RobotID:              "robot1",
		ReconnectDelay:       100 * time.Millisecond,
		ReconnectMaxAttempts: 5,
	})

	require.NoError(t, m.Start(context.Background(), 3, testSession()))
	defer m.Stop()

	id := f.streamIDs()[0]
	f.pushEvent(t, alertsvc.Event{Rule: "rule-a", StreamID: id, AlertID: "a1"})
	waitForAlerts(t, m, 1)

	f.dropEventConns()

	// pushEvent 等待重连后的新连接；不同规则不受冷却影响
	f.pushEvent(t, alertsvc.Event{Rule: "rule-b", StreamID: id, AlertID: "a2"})
	waitForAlerts(t, m, 2)
}

// 服务不可达时按固定延迟重试，超过上限后放弃而不是崩溃
func TestEventListenerGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFakeAlertService(t)
	l := alertsvc.NewEventListener(f.srv.URL, 50*time.Millisecond, 2, func(alertsvc.Event) {})

	require.NoError(t, l.Start(context.Background()))
	require.True(t, l.IsRunning())

	// 先关服务再断开已劫持的 WS 连接，后续拨号全部失败
	f.srv.Close()
	f.dropEventConns()
	waitUntil(t, 3*time.Second, func() bool {
		return !l.IsRunning()
	}, "listener must give up after max reconnect attempts")
}

// 重连窗口内 Stop 立即生效，不挂起也不留下连接
func TestEventListenerStopDuringReconnect(t *testing.T) {
	f := newFakeAlertService(t)
	l := alertsvc.NewEventListener(f.srv.URL, 200*time.Millisecond, 50, func(alertsvc.Event) {})

	require.NoError(t, l.Start(context.Background()))
	f.srv.Close()
	f.dropEventConns()
	time.Sleep(100 * time.Millisecond) // 监听已进入重连等待

	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop hung during reconnect")
	}
	require.False(t, l.IsRunning())
}

func TestMonitorStartFailsWithoutStreams(t *testing.T) {
	f := newFakeAlertService(t)
	db := newTestStore(t)
	m := New(alertsvc.NewClient(f.srv.URL), db, nil, Options{EvidenceDir: t.TempDir()})

	err := m.Start(context.Background(), 1, SessionConfig{Rules: []string{"r"}})
	require.Error(t, err)

	err = m.Start(context.Background(), 1, SessionConfig{
		Streams: testSession().Streams,
	})
	require.Error(t, err, "no rules must abort start")
}

func TestTestMonitorRingBuffer(t *testing.T) {
	f := newFakeAlertService(t)
	tm := NewTestMonitor(alertsvc.NewClient(f.srv.URL), Options{EvidenceDir: t.TempDir()})

	stream := StreamConfig{Name: "test", URL: "rtsp://127.0.0.1:8554/test", Type: StreamExternal}
	require.NoError(t, tm.Start(context.Background(), stream, []string{"rule"}, nil))
	defer tm.Stop()

	id := f.streamIDs()[0]
	for i := 0; i < testResultCap+10; i++ {
		tm.onEvent(alertsvc.Event{Rule: "rule", StreamID: id})
	}
	_, results := tm.GetStatus()
	require.Len(t, results, testResultCap)
}
