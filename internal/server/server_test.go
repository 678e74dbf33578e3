package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sigma-robotics/patrol/internal/config"
	"github.com/sigma-robotics/patrol/internal/patrol"
	"github.com/sigma-robotics/patrol/internal/robot"
	"github.com/sigma-robotics/patrol/internal/store"
	"github.com/sigma-robotics/patrol/internal/vlm"
)

type stubDriver struct{}

func (stubDriver) Connect(ctx context.Context) error { return nil }
func (stubDriver) MoveTo(ctx context.Context, x, y, theta float64) (*robot.MoveResult, error) {
	return &robot.MoveResult{Success: true}, nil
}
func (stubDriver) ReturnHome(ctx context.Context) error    { return nil }
func (stubDriver) CancelCommand(ctx context.Context) error { return nil }
func (stubDriver) CaptureFrontFrame(ctx context.Context) ([]byte, error) {
	return []byte{0xff, 0xd8}, nil
}
func (stubDriver) Serial() string { return "STUB" }
func (stubDriver) Locations(ctx context.Context) ([]robot.Location, error) {
	return nil, nil
}

type stubAI struct{}

func (stubAI) IsConfigured() bool { return false }
func (stubAI) ModelName() string  { return "stub" }
func (stubAI) GenerateInspection(ctx context.Context, image []byte, userPrompt, systemPrompt string) (*vlm.Outcome, error) {
	return &vlm.Outcome{}, nil
}
func (stubAI) GenerateReport(ctx context.Context, prompt string) (*vlm.TextResult, error) {
	return &vlm.TextResult{}, nil
}
func (stubAI) AnalyzeVideo(ctx context.Context, videoPath, prompt string) (*vlm.TextResult, error) {
	return &vlm.TextResult{}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		RobotID:    "robot-test",
		DataDir:    dir,
		PointsFile: filepath.Join(dir, "points.json"),
	}
	worker := patrol.NewWorker(stubAI{}, db, cfg.RobotID, filepath.Join(dir, "images"))
	orch := patrol.New(cfg, db, stubDriver{}, stubAI{}, nil, nil, nil, worker)

	srv := httptest.NewServer(New(cfg, db, orch, nil, stubDriver{}, nil).Router())
	t.Cleanup(srv.Close)
	return srv, db
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body any, out any) int {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", nil))
}

func TestPatrolStatusIdle(t *testing.T) {
	srv, _ := newTestServer(t)
	var out struct {
		IsPatrolling bool   `json:"is_patrolling"`
		Status       string `json:"status"`
		CurrentIndex int    `json:"current_index"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/patrol/status", &out))
	require.False(t, out.IsPatrolling)
	require.Equal(t, "Idle", out.Status)
	require.Equal(t, -1, out.CurrentIndex)
}

func TestPatrolResultsEmptyWithoutRun(t *testing.T) {
	srv, _ := newTestServer(t)
	var out struct {
		Results []any `json:"results"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/patrol/results", &out))
	require.Empty(t, out.Results)
}

func TestRobotLocationsEmpty(t *testing.T) {
	srv, _ := newTestServer(t)
	var out struct {
		Locations []robot.Location `json:"locations"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/robot/locations", &out))
	require.Empty(t, out.Locations)
}

func TestScheduleCRUDOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	var created struct {
		Schedule store.ScheduleEntry `json:"schedule"`
	}
	code := postJSON(t, srv.URL+"/api/schedules", map[string]any{"time": "08:00", "days": []int{0, 2, 4}}, &created)
	require.Equal(t, http.StatusCreated, code)
	require.NotEmpty(t, created.Schedule.ID)
	require.Equal(t, "08:00", created.Schedule.Time)

	// 非法时间被拒绝
	code = postJSON(t, srv.URL+"/api/schedules", map[string]any{"time": "25:99"}, nil)
	require.Equal(t, http.StatusBadRequest, code)

	var listed struct {
		Schedules []store.ScheduleEntry `json:"schedules"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/schedules", &listed))
	require.Len(t, listed.Schedules, 1)

	// 更新
	req, err := http.NewRequest(http.MethodPut,
		fmt.Sprintf("%s/api/schedules/%s", srv.URL, created.Schedule.ID),
		bytes.NewReader([]byte(`{"enabled": false}`)))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// 删除
	req, err = http.NewRequest(http.MethodDelete,
		fmt.Sprintf("%s/api/schedules/%s", srv.URL, created.Schedule.ID), nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/schedules", &listed))
	require.Empty(t, listed.Schedules)
}

// 路由按精确路径注册，不应依赖 301 兜底
func TestRoutesServeExactPaths(t *testing.T) {
	srv, _ := newTestServer(t)
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	for _, path := range []string{"/api/schedules", "/api/runs"} {
		resp, err := client.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestRunEndpoints(t *testing.T) {
	srv, db := newTestServer(t)
	ctx := context.Background()

	runID, err := db.InsertRun(ctx, "STUB", "robot-test", "stub")
	require.NoError(t, err)

	var got struct {
		Run store.PatrolRun `json:"run"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, fmt.Sprintf("%s/api/runs/%d", srv.URL, runID), &got))
	require.Equal(t, "Running", got.Run.Status)

	require.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/runs/9999", nil))
	require.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/runs/abc", nil))

	var runs struct {
		Runs []store.PatrolRun `json:"runs"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/runs", &runs))
	require.Len(t, runs.Runs, 1)
}

func TestRelayStatusWithoutManager(t *testing.T) {
	srv, _ := newTestServer(t)
	var out struct {
		Relays map[string]any `json:"relays"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/relays/status", &out))
	require.Empty(t, out.Relays)
}

func TestTestMonitorDisabled(t *testing.T) {
	srv, _ := newTestServer(t)
	code := postJSON(t, srv.URL+"/api/monitor/test/start", map[string]any{"rtsp_url": "rtsp://x", "rules": []string{"r"}}, nil)
	require.Equal(t, http.StatusServiceUnavailable, code)

	var st struct {
		Running bool `json:"running"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/monitor/test/status", &st))
	require.False(t, st.Running)
}
