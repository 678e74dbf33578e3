// Package server exposes the patrol core over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sigma-robotics/patrol/internal/config"
	"github.com/sigma-robotics/patrol/internal/monitor"
	"github.com/sigma-robotics/patrol/internal/patrol"
	"github.com/sigma-robotics/patrol/internal/relay"
	"github.com/sigma-robotics/patrol/internal/robot"
	"github.com/sigma-robotics/patrol/internal/store"
)

// Server 巡逻核心的 HTTP 层。核心服务在进程启动时显式装配后传入。
type Server struct {
	cfg     *config.Config
	db      *store.Store
	orch    *patrol.Orchestrator
	relays  *relay.Manager
	driver  robot.Driver
	testMon *monitor.TestMonitor // 可为 nil
}

// New 创建 HTTP 层
func New(cfg *config.Config, db *store.Store, orch *patrol.Orchestrator,
	relays *relay.Manager, driver robot.Driver, testMon *monitor.TestMonitor) *Server {
	return &Server{
		cfg:     cfg,
		db:      db,
		orch:    orch,
		relays:  relays,
		driver:  driver,
		testMon: testMon,
	}
}

// Router 组装路由
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.wrap(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	api := r.Group("/api")

	pat := api.Group("/patrol")
	pat.POST("/start", s.wrap(s.handlePatrolStart))
	pat.POST("/stop", s.wrap(s.handlePatrolStop))
	pat.GET("/status", s.wrap(s.handlePatrolStatus))
	pat.GET("/results", s.wrap(s.handlePatrolResults))
	pat.GET("/points", s.wrap(s.handlePointsList))

	api.GET("/robot/locations", s.wrap(s.handleRobotLocations))

	schedules := api.Group("/schedules")
	schedules.GET("", s.wrap(s.handleSchedulesList))
	schedules.POST("", s.wrap(s.handleScheduleAdd))
	scheduleID := schedules.Group("/:scheduleID")
	scheduleID.PUT("", s.wrap(s.handleScheduleUpdate))
	scheduleID.DELETE("", s.wrap(s.handleScheduleDelete))

	runs := api.Group("/runs")
	runs.GET("", s.wrap(s.handleRunsList))
	runID := runs.Group("/:runID")
	runID.GET("", s.wrap(s.handleRunGet))
	runID.GET("/results", s.wrap(s.handleRunResults))
	runID.GET("/alerts", s.wrap(s.handleRunAlerts))

	relays := api.Group("/relays")
	relays.GET("/status", s.wrap(s.handleRelayStatus))
	relays.POST("/stop", s.wrap(s.handleRelayStop))
	relays.POST("/stop_all", s.wrap(s.handleRelayStopAll))

	mon := api.Group("/monitor/test")
	mon.POST("/start", s.wrap(s.handleTestMonitorStart))
	mon.POST("/stop", s.wrap(s.handleTestMonitorStop))
	mon.GET("/status", s.wrap(s.handleTestMonitorStatus))
	mon.GET("/snapshot", s.wrap(s.handleTestMonitorSnapshot))

	return r
}

type paramsKeyType string

const paramsKey paramsKeyType = "patrol_path_params"

// wrap 把 net/http 风格的 handler 接入 gin，并把路径参数注入 request context
func (s *Server) wrap(h func(http.ResponseWriter, *http.Request)) gin.HandlerFunc {
	return func(c *gin.Context) {
		m := map[string]string{}
		for _, p := range c.Params {
			m[p.Key] = p.Value
		}
		ctx := context.WithValue(c.Request.Context(), paramsKey, m)
		c.Request = c.Request.WithContext(ctx)
		h(c.Writer, c.Request)
	}
}

func pathParam(r *http.Request, key string) string {
	m, _ := r.Context().Value(paramsKey).(map[string]string)
	return m[key]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
