package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/sigma-robotics/patrol/internal/config"
	"github.com/sigma-robotics/patrol/internal/monitor"
	"github.com/sigma-robotics/patrol/internal/robot"
)

// --- patrol ---

func (s *Server) handlePatrolStart(w http.ResponseWriter, r *http.Request) {
	ok, msg := s.orch.StartPatrol()
	status := http.StatusOK
	if !ok {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{"ok": ok, "message": msg})
}

func (s *Server) handlePatrolStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": s.orch.StopPatrol()})
}

func (s *Server) handlePatrolStatus(w http.ResponseWriter, r *http.Request) {
	st := s.orch.GetStatus()
	writeJSON(w, http.StatusOK, map[string]any{
		"is_patrolling":  st.IsPatrolling,
		"status":         st.Status,
		"current_index":  st.CurrentIndex,
		"current_run_id": s.orch.CurrentRunID(),
	})
}

// handlePatrolResults 进行中任务的检查结果；无任务时返回空列表
func (s *Server) handlePatrolResults(w http.ResponseWriter, r *http.Request) {
	runID := s.orch.CurrentRunID()
	if runID == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"results": []any{}})
		return
	}
	results, err := s.db.ListInspections(r.Context(), runID)
	if err != nil {
		writeError(w, 500, fmt.Sprintf("db list: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "results": results})
}

func (s *Server) handlePointsList(w http.ResponseWriter, r *http.Request) {
	points, err := config.LoadPoints(s.cfg.PointsFile)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	if points == nil {
		points = []config.PatrolPoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"points": points})
}

// handleRobotLocations 机器人上报的已知位置列表，用于点位配置
func (s *Server) handleRobotLocations(w http.ResponseWriter, r *http.Request) {
	locations, err := s.driver.Locations(r.Context())
	if err != nil {
		writeError(w, 502, fmt.Sprintf("driver locations: %v", err))
		return
	}
	if locations == nil {
		locations = []robot.Location{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"locations": locations})
}

// --- schedules ---

type scheduleRequest struct {
	Time    *string `json:"time"`
	Days    []int   `json:"days"`
	Enabled *bool   `json:"enabled"`
}

func (s *Server) handleSchedulesList(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.db.ListSchedules(r.Context())
	if err != nil {
		writeError(w, 500, fmt.Sprintf("db list: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

func (s *Server) handleScheduleAdd(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid json body")
		return
	}
	if req.Time == nil || !validTimeOfDay(*req.Time) {
		writeError(w, 400, "time must be HH:MM")
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	entry, err := s.db.AddSchedule(r.Context(), *req.Time, req.Days, enabled)
	if err != nil {
		writeError(w, 500, fmt.Sprintf("db add: %v", err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"schedule": entry})
}

func (s *Server) handleScheduleUpdate(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "scheduleID")
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid json body")
		return
	}
	if req.Time != nil && !validTimeOfDay(*req.Time) {
		writeError(w, 400, "time must be HH:MM")
		return
	}
	if err := s.db.UpdateSchedule(r.Context(), id, req.Time, req.Days, req.Enabled); err != nil {
		writeError(w, 500, fmt.Sprintf("db update: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleScheduleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.db.DeleteSchedule(r.Context(), pathParam(r, "scheduleID")); err != nil {
		writeError(w, 500, fmt.Sprintf("db delete: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func validTimeOfDay(v string) bool {
	parts := strings.Split(v, ":")
	if len(parts) != 2 {
		return false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	return err1 == nil && err2 == nil && h >= 0 && h < 24 && m >= 0 && m < 60
}

// --- runs ---

func (s *Server) handleRunsList(w http.ResponseWriter, r *http.Request) {
	runs, err := s.db.ListRuns(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, 500, fmt.Sprintf("db list: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) runIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(pathParam(r, "runID"), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runIDParam(r)
	if !ok {
		writeError(w, 400, "invalid run id")
		return
	}
	run, err := s.db.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, 500, fmt.Sprintf("db get: %v", err))
		return
	}
	if run == nil {
		writeError(w, 404, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) handleRunResults(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runIDParam(r)
	if !ok {
		writeError(w, 400, "invalid run id")
		return
	}
	results, err := s.db.ListInspections(r.Context(), id)
	if err != nil {
		writeError(w, 500, fmt.Sprintf("db list: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": id, "results": results})
}

func (s *Server) handleRunAlerts(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runIDParam(r)
	if !ok {
		writeError(w, 400, "invalid run id")
		return
	}
	alerts, err := s.db.ListAlerts(r.Context(), id)
	if err != nil {
		writeError(w, 500, fmt.Sprintf("db list: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": id, "alerts": alerts})
}

// --- relays ---

func (s *Server) handleRelayStatus(w http.ResponseWriter, r *http.Request) {
	if s.relays == nil {
		writeJSON(w, http.StatusOK, map[string]any{"relays": map[string]any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"relays": s.relays.GetStatus()})
}

func (s *Server) handleRelayStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		writeError(w, 400, "key is required")
		return
	}
	if s.relays != nil {
		s.relays.StopRelay(req.Key)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRelayStopAll(w http.ResponseWriter, r *http.Request) {
	if s.relays != nil {
		s.relays.StopAll()
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// --- live monitor test mode ---

type testMonitorStartRequest struct {
	RTSPURL string   `json:"rtsp_url"`
	Name    string   `json:"name"`
	Rules   []string `json:"rules"`
}

func (s *Server) handleTestMonitorStart(w http.ResponseWriter, r *http.Request) {
	if s.testMon == nil {
		writeError(w, 503, "live monitor disabled")
		return
	}
	var req testMonitorStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid json body")
		return
	}
	if req.RTSPURL == "" || len(req.Rules) == 0 {
		writeError(w, 400, "rtsp_url and rules are required")
		return
	}
	if req.Name == "" {
		req.Name = "test"
	}

	stream := monitor.StreamConfig{Name: req.Name, URL: req.RTSPURL, Type: monitor.StreamExternal}
	var frameFunc monitor.FrameFunc
	if s.driver != nil {
		frameFunc = s.driver.CaptureFrontFrame
	}
	if err := s.testMon.Start(r.Context(), stream, req.Rules, frameFunc); err != nil {
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTestMonitorStop(w http.ResponseWriter, r *http.Request) {
	if s.testMon != nil {
		s.testMon.Stop()
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTestMonitorStatus(w http.ResponseWriter, r *http.Request) {
	if s.testMon == nil {
		writeJSON(w, http.StatusOK, map[string]any{"running": false, "results": []any{}})
		return
	}
	running, results := s.testMon.GetStatus()
	writeJSON(w, http.StatusOK, map[string]any{"running": running, "results": results})
}

func (s *Server) handleTestMonitorSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.testMon == nil {
		writeError(w, 503, "live monitor disabled")
		return
	}
	frame := s.testMon.Snapshot()
	if len(frame) == 0 {
		writeError(w, 404, "no snapshot yet")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(frame)
}
