// Package monitor runs the live alert subsystem: it registers video streams
// with the external alert-evaluation service, pushes natural-language rules,
// listens for triggered events over WebSocket, and converts non-suppressed
// triggers into evidence images, DB rows and notifications.
package monitor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/sigma-robotics/patrol/internal/alertsvc"
	"github.com/sigma-robotics/patrol/internal/notify"
	"github.com/sigma-robotics/patrol/internal/store"
	"github.com/sigma-robotics/patrol/pkg/logger"
)

// 流类型
const (
	StreamRobotCamera = "robot_camera"
	StreamExternal    = "external"
)

// FrameFunc 机器人相机取证帧来源
type FrameFunc func(ctx context.Context) ([]byte, error)

// StreamConfig 一路待监控的视频流
type StreamConfig struct {
	Name string // 告警归属标签，如 "robot_camera"
	URL  string // 提交给告警服务的 RTSP 地址
	Type string // StreamRobotCamera / StreamExternal
	// FrameFunc 机器人相机的直接取帧函数；外部流走 ffmpeg 单帧抓取
	FrameFunc FrameFunc
}

// SessionConfig 一次监控会话的输入
type SessionConfig struct {
	Streams []StreamConfig
	Rules   []string
}

// Options 监控器参数
type Options struct {
	EvidenceDir          string
	RobotID              string
	MaxRules             int           // 规则数量上限，超出截断
	Cooldown             time.Duration // 同一 stream+rule 的告警抑制窗口
	RegisterRetries      int           // 单路流注册的最大尝试次数
	ReconnectDelay       time.Duration // WebSocket 重连固定延迟
	ReconnectMaxAttempts int
	FFmpegBin            string // 外部流取证用，测试时可替换
}

func (o *Options) fillDefaults() {
	if o.MaxRules <= 0 {
		o.MaxRules = 10
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 60 * time.Second
	}
	if o.RegisterRetries <= 0 {
		o.RegisterRetries = 3
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 5 * time.Second
	}
	if o.ReconnectMaxAttempts <= 0 {
		o.ReconnectMaxAttempts = 10
	}
	if o.FFmpegBin == "" {
		o.FFmpegBin = "ffmpeg"
	}
}

// Monitor 实时告警监控器。一次 Start 对应一次巡逻任务的监控会话。
type Monitor struct {
	svc      *alertsvc.Client
	db       *store.Store
	notifier *notify.Telegram // 可为 nil
	opts     Options

	mu       sync.Mutex
	running  bool
	runID    int64
	streams  map[string]StreamConfig // stream_id -> 配置
	alerts   []store.LiveAlert
	cooldown map[string]time.Time // "stream_id|rule" -> 上次告警时间
	listener *alertsvc.EventListener
	cancel   context.CancelFunc
}

// New 创建监控器
func New(svc *alertsvc.Client, db *store.Store, notifier *notify.Telegram, opts Options) *Monitor {
	opts.fillDefaults()
	return &Monitor{
		svc:      svc,
		db:       db,
		notifier: notifier,
		opts:     opts,
		streams:  make(map[string]StreamConfig),
		cooldown: make(map[string]time.Time),
	}
}

// Start 启动监控会话：清理遗留注册、逐路注册流、下发规则、打开事件通道。
// 所有流都注册失败时返回错误；部分失败时跳过失败的流继续。
func (m *Monitor) Start(ctx context.Context, runID int64, cfg SessionConfig) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("live monitor already running")
	}
	m.mu.Unlock()

	if len(cfg.Streams) == 0 {
		return errors.New("no streams configured")
	}

	rules := cfg.Rules
	if len(rules) > m.opts.MaxRules {
		logger.Warnf("告警规则超过上限 %d，截断 %d 条", m.opts.MaxRules, len(rules)-m.opts.MaxRules)
		rules = rules[:m.opts.MaxRules]
	}
	if len(rules) == 0 {
		return errors.New("no alert rules configured")
	}

	// 上一次会话未正常退出时，服务端可能残留注册
	m.cleanupStale(ctx)

	registered := make(map[string]StreamConfig)
	for _, sc := range cfg.Streams {
		id, err := m.registerWithRetry(ctx, sc)
		if err != nil {
			logger.Errorf("流 %s 注册失败，跳过: %v", sc.Name, err)
			continue
		}
		registered[id] = sc
		logger.Infof("流已注册: %s -> %s", sc.Name, id)
	}
	if len(registered) == 0 {
		return errors.New("no streams registered")
	}

	for id := range registered {
		if err := m.svc.SetRules(ctx, id, rules); err != nil {
			logger.Errorf("流 %s 规则下发失败: %v", id, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	listener := alertsvc.NewEventListener(
		m.svc.BaseURL(),
		m.opts.ReconnectDelay,
		m.opts.ReconnectMaxAttempts,
		m.handleEvent,
	)
	if err := listener.Start(runCtx); err != nil {
		cancel()
		m.deregisterAll(context.Background(), registered)
		return errors.Wrap(err, "start event listener")
	}

	m.mu.Lock()
	m.running = true
	m.runID = runID
	m.streams = registered
	m.alerts = nil
	m.cooldown = make(map[string]time.Time)
	m.listener = listener
	m.cancel = cancel
	m.mu.Unlock()

	logger.Infof("实时告警监控已启动: run=%d streams=%d rules=%d", runID, len(registered), len(rules))
	return nil
}

// Stop 停止会话并注销所有流。可重复调用。
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	listener := m.listener
	cancel := m.cancel
	streams := m.streams
	m.streams = make(map[string]StreamConfig)
	m.listener = nil
	m.cancel = nil
	m.mu.Unlock()

	if listener != nil {
		listener.Stop()
	}
	if cancel != nil {
		cancel()
	}

	ctx, ctxCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ctxCancel()
	m.deregisterAll(ctx, streams)
	logger.Info("实时告警监控已停止")
}

// IsRunning 会话是否在运行
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// GetAlerts 返回本次会话产生的告警快照
func (m *Monitor) GetAlerts() []store.LiveAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.LiveAlert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// --- internal ---

func (m *Monitor) cleanupStale(ctx context.Context) {
	streams, err := m.svc.ListStreams(ctx)
	if err != nil {
		logger.Warnf("查询遗留流注册失败: %v", err)
		return
	}
	for _, s := range streams {
		if err := m.svc.DeregisterStream(ctx, s.ID); err != nil {
			logger.Warnf("清理遗留流 %s 失败: %v", s.ID, err)
		} else {
			logger.Infof("已清理遗留流注册: %s", s.ID)
		}
	}
}

func (m *Monitor) registerWithRetry(ctx context.Context, sc StreamConfig) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= m.opts.RegisterRetries; attempt++ {
		id, err := m.svc.RegisterStream(ctx, sc.URL, sc.Name)
		if err == nil {
			return id, nil
		}
		lastErr = err
		logger.Warnf("流 %s 注册失败 (%d/%d): %v", sc.Name, attempt, m.opts.RegisterRetries, err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(attempt) * 2 * time.Second):
		}
	}
	return "", lastErr
}

func (m *Monitor) deregisterAll(ctx context.Context, streams map[string]StreamConfig) {
	for id := range streams {
		if err := m.svc.DeregisterStream(ctx, id); err != nil {
			logger.Warnf("注销流 %s 失败: %v", id, err)
		}
	}
}

// handleEvent 处理一条触发事件：冷却判断 → 取证 → 落库 → 通知
func (m *Monitor) handleEvent(ev alertsvc.Event) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	sc, ok := m.streams[ev.StreamID]
	if !ok {
		m.mu.Unlock()
		logger.Warnf("未知流的告警事件: stream=%s rule=%q", ev.StreamID, ev.Rule)
		return
	}
	key := ev.StreamID + "|" + ev.Rule
	now := time.Now()
	if last, seen := m.cooldown[key]; seen && now.Sub(last) < m.opts.Cooldown {
		m.mu.Unlock()
		logger.Debugf("告警处于冷却期，忽略: %s", key)
		return
	}
	m.cooldown[key] = now
	runID := m.runID
	m.mu.Unlock()

	logger.Infof("告警触发: stream=%s rule=%q", sc.Name, ev.Rule)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	imagePath := m.captureEvidence(ctx, sc)

	alert := &store.LiveAlert{
		RunID:        runID,
		Rule:         ev.Rule,
		Response:     "triggered",
		ImagePath:    imagePath,
		RobotID:      m.opts.RobotID,
		StreamSource: sc.Name,
	}
	if err := m.db.InsertAlert(ctx, alert); err != nil {
		logger.Errorf("告警落库失败: %v", err)
	}

	m.mu.Lock()
	m.alerts = append(m.alerts, *alert)
	m.mu.Unlock()

	m.notifyAlert(ctx, sc.Name, ev.Rule, imagePath)
}

// captureEvidence 按流类型抓取取证帧并写盘，失败时返回空路径
func (m *Monitor) captureEvidence(ctx context.Context, sc StreamConfig) string {
	var frame []byte
	var err error
	switch {
	case sc.Type == StreamRobotCamera && sc.FrameFunc != nil:
		frame, err = sc.FrameFunc(ctx)
	default:
		frame, err = m.grabStreamFrame(ctx, sc.URL)
	}
	if err != nil || len(frame) == 0 {
		logger.Warnf("取证帧抓取失败 (%s): %v", sc.Name, err)
		return ""
	}

	if err := os.MkdirAll(m.opts.EvidenceDir, 0o755); err != nil {
		logger.Errorf("创建取证目录失败: %v", err)
		return ""
	}
	name := fmt.Sprintf("alert_%s_%s.jpg", time.Now().Format("20060102_150405"), uuid.NewString()[:8])
	path := filepath.Join(m.opts.EvidenceDir, name)
	if err := os.WriteFile(path, frame, 0o644); err != nil {
		logger.Errorf("取证帧写盘失败: %v", err)
		return ""
	}
	return path
}

// grabStreamFrame ffmpeg 从网络流抓取单帧 JPEG
func (m *Monitor) grabStreamFrame(ctx context.Context, rtspURL string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, m.opts.FFmpegBin,
		"-rtsp_transport", "tcp",
		"-i", rtspURL,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"pipe:1",
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrap(err, "ffmpeg frame grab")
	}
	return out, nil
}

func (m *Monitor) notifyAlert(ctx context.Context, streamName, rule, imagePath string) {
	if m.notifier == nil || !m.notifier.Enabled() {
		return
	}
	caption := fmt.Sprintf("🚨 实时告警\n流: %s\n规则: %s\n时间: %s",
		streamName, rule, time.Now().Format("2006-01-02 15:04:05"))
	if imagePath != "" {
		if data, err := os.ReadFile(imagePath); err == nil {
			_ = m.notifier.SendPhoto(ctx, caption, data)
			return
		}
	}
	_ = m.notifier.SendMessage(ctx, caption)
}
