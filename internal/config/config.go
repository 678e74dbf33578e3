package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config 应用配置（进程启动时从 YAML + 环境变量加载一次）
type Config struct {
	RobotID   string `yaml:"robot_id"`
	RobotName string `yaml:"robot_name"`

	ListenAddr string `yaml:"listen_addr"` // HTTP 服务监听地址
	DataDir    string `yaml:"data_dir"`    // 数据根目录（图片、报告、视频）
	DBPath     string `yaml:"db_path"`     // SQLite 数据库路径
	PointsFile string `yaml:"points_file"` // 巡逻点位 JSON 文件

	DriverURL string `yaml:"driver_url"` // 机器人驱动桥接服务地址
	VLMAPIKey string `yaml:"vlm_api_key"`
	VLMURL    string `yaml:"vlm_url"`
	VLMModel  string `yaml:"vlm_model"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	Settings Settings `yaml:"settings"`
}

// Settings 运行时可调的巡逻设置
//
// 重试次数 / 冷却秒数等均为配置项而非硬编码常量。
type Settings struct {
	TurboMode        bool   `yaml:"turbo_mode"`        // 检查与移动解耦（异步 AI 分析）
	SystemPrompt     string `yaml:"system_prompt"`     // 检查用系统提示词
	ReportPrompt     string `yaml:"report_prompt"`     // 报告生成提示词（可选）
	TelegramPrompt   string `yaml:"telegram_prompt"`   // Telegram 摘要提示词（可选）
	VideoPrompt      string `yaml:"video_prompt"`      // 视频分析提示词
	Timezone         string `yaml:"timezone"`          // 调度用时区，默认 UTC
	InspectSettleSec int    `yaml:"inspect_settle_sec"` // 到点后拍照前的静置秒数

	EnableVideoRecording bool `yaml:"enable_video_recording"`

	EnableTelegram   bool   `yaml:"enable_telegram"`
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramUserID   string `yaml:"telegram_user_id"`

	EnableLiveMonitor      bool     `yaml:"enable_live_monitor"`
	AlertServiceURL        string   `yaml:"alert_service_url"` // 外部告警评估服务地址
	LiveMonitorRules       []string `yaml:"live_monitor_rules"`
	EnableRobotCameraRelay bool     `yaml:"enable_robot_camera_relay"`
	EnableExternalRTSP     bool     `yaml:"enable_external_rtsp"`
	ExternalRTSPURL        string   `yaml:"external_rtsp_url"`
	MediamtxInternal       string   `yaml:"mediamtx_internal"` // ffmpeg 推流目标 host:port
	MediamtxExternal       string   `yaml:"mediamtx_external"` // 告警服务拉流用 host:port

	// Retry / cooldown tuning. The sources these defaults come from never
	// settled on single values, so they stay configurable.
	MaxAlertRules           int `yaml:"max_alert_rules"`
	CooldownSec             int `yaml:"cooldown_sec"`              // 同一 stream+rule 告警冷却
	RegisterRetries         int `yaml:"register_retries"`          // 流注册重试次数
	ReconnectDelaySec       int `yaml:"reconnect_delay_sec"`       // WebSocket 重连间隔
	ReconnectMaxAttempts    int `yaml:"reconnect_max_attempts"`    // WebSocket 重连上限
	RelayMaxRetries         int `yaml:"relay_max_retries"`         // relay 进程重启上限
	RelayHealthIntervalSec  int `yaml:"relay_health_interval_sec"` // relay 健康检查间隔
	RelayFeederIntervalMs   int `yaml:"relay_feeder_interval_ms"`  // 帧推送间隔（默认 200ms ≈ 5fps）
	StreamReadyTimeoutSec   int `yaml:"stream_ready_timeout_sec"`  // RTSP 流就绪等待
	ScheduleCheckIntervalSec int `yaml:"schedule_check_interval_sec"`
}

var (
	global   *Config
	globalMu sync.RWMutex
)

// Load 从 YAML 文件加载配置并应用环境变量覆盖
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	cfg.fillDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	globalMu.Lock()
	global = cfg
	globalMu.Unlock()
	return cfg, nil
}

// Get 返回全局配置（Load 之后可用）
func Get() *Config {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

func defaults() *Config {
	return &Config{
		RobotID:    "robot-01",
		RobotName:  "Sigma",
		ListenAddr: ":8080",
		DataDir:    "data",
		LogLevel:   "info",
		Settings: Settings{
			Timezone:                 "UTC",
			InspectSettleSec:         2,
			VideoPrompt:              "Analyze this patrol video.",
			MaxAlertRules:            10,
			CooldownSec:              60,
			RegisterRetries:          3,
			ReconnectDelaySec:        5,
			ReconnectMaxAttempts:     10,
			RelayMaxRetries:          3,
			RelayHealthIntervalSec:   10,
			RelayFeederIntervalMs:    200,
			StreamReadyTimeoutSec:    20,
			ScheduleCheckIntervalSec: 30,
		},
	}
}

func (c *Config) fillDefaults() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "patrol.db")
	}
	if c.PointsFile == "" {
		c.PointsFile = filepath.Join(c.DataDir, "points.json")
	}
	if c.LogFile == "" {
		c.LogFile = "logs/patrol.log"
	}
	s := &c.Settings
	if s.InspectSettleSec <= 0 {
		s.InspectSettleSec = 2
	}
	if s.MaxAlertRules <= 0 {
		s.MaxAlertRules = 10
	}
	if s.CooldownSec <= 0 {
		s.CooldownSec = 60
	}
	if s.RegisterRetries <= 0 {
		s.RegisterRetries = 3
	}
	if s.ReconnectDelaySec <= 0 {
		s.ReconnectDelaySec = 5
	}
	if s.ReconnectMaxAttempts <= 0 {
		s.ReconnectMaxAttempts = 10
	}
	if s.RelayMaxRetries <= 0 {
		s.RelayMaxRetries = 3
	}
	if s.RelayHealthIntervalSec <= 0 {
		s.RelayHealthIntervalSec = 10
	}
	if s.RelayFeederIntervalMs <= 0 {
		s.RelayFeederIntervalMs = 200
	}
	if s.StreamReadyTimeoutSec <= 0 {
		s.StreamReadyTimeoutSec = 20
	}
	if s.ScheduleCheckIntervalSec <= 0 {
		s.ScheduleCheckIntervalSec = 30
	}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
}

// applyEnv 用环境变量覆盖敏感字段（.env 由 main 通过 godotenv 加载）
func applyEnv(c *Config) {
	if v := strings.TrimSpace(os.Getenv("PATROL_ROBOT_ID")); v != "" {
		c.RobotID = v
	}
	if v := strings.TrimSpace(os.Getenv("PATROL_DRIVER_URL")); v != "" {
		c.DriverURL = v
	}
	if v := strings.TrimSpace(os.Getenv("PATROL_VLM_API_KEY")); v != "" {
		c.VLMAPIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("PATROL_VLM_URL")); v != "" {
		c.VLMURL = v
	}
	if v := strings.TrimSpace(os.Getenv("PATROL_TELEGRAM_BOT_TOKEN")); v != "" {
		c.Settings.TelegramBotToken = v
	}
	if v := strings.TrimSpace(os.Getenv("PATROL_TELEGRAM_USER_ID")); v != "" {
		c.Settings.TelegramUserID = v
	}
	if v := strings.TrimSpace(os.Getenv("PATROL_ALERT_SERVICE_URL")); v != "" {
		c.Settings.AlertServiceURL = v
	}
	if v := strings.TrimSpace(os.Getenv("PATROL_LISTEN_ADDR")); v != "" {
		c.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("PATROL_COOLDOWN_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Settings.CooldownSec = n
		}
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RobotID) == "" {
		return fmt.Errorf("robot_id is required")
	}
	if c.Settings.EnableLiveMonitor && strings.TrimSpace(c.Settings.AlertServiceURL) == "" {
		return fmt.Errorf("enable_live_monitor requires alert_service_url")
	}
	if c.Settings.EnableExternalRTSP && strings.TrimSpace(c.Settings.ExternalRTSPURL) == "" {
		return fmt.Errorf("enable_external_rtsp requires external_rtsp_url")
	}
	if len(c.Settings.LiveMonitorRules) > c.Settings.MaxAlertRules {
		return fmt.Errorf("live_monitor_rules exceeds max of %d", c.Settings.MaxAlertRules)
	}
	return nil
}
