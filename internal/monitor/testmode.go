package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/sigma-robotics/patrol/internal/alertsvc"
	"github.com/sigma-robotics/patrol/pkg/logger"
	"github.com/sigma-robotics/patrol/pkg/loop"
)

const testResultCap = 50

// TestResult 测试模式下的一条触发记录
type TestResult struct {
	Rule      string    `json:"rule"`
	StreamID  string    `json:"stream_id"`
	Timestamp time.Time `json:"timestamp"`
}

// TestMonitor 配置验证用的沙盒监控器：同样的注册/规则/WebSocket 流程，
// 但只有一路合成流，不落库，结果进有界环形缓冲，另带预览快照循环。
type TestMonitor struct {
	svc  *alertsvc.Client
	opts Options

	mu       sync.Mutex
	running  bool
	streamID string
	results  []TestResult
	snapshot []byte // 最近一帧预览
	listener *alertsvc.EventListener
	preview  *loop.Loop
	cancel   context.CancelFunc
}

// NewTestMonitor 创建测试模式监控器
func NewTestMonitor(svc *alertsvc.Client, opts Options) *TestMonitor {
	opts.fillDefaults()
	return &TestMonitor{svc: svc, opts: opts, preview: loop.New("test-monitor-preview")}
}

// Start 注册合成流、下发规则并监听事件。frameFunc 供预览快照使用，可为 nil。
func (t *TestMonitor) Start(ctx context.Context, stream StreamConfig, rules []string, frameFunc FrameFunc) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return errors.New("test monitor already running")
	}
	t.mu.Unlock()

	if len(rules) == 0 {
		return errors.New("no alert rules configured")
	}
	if len(rules) > t.opts.MaxRules {
		rules = rules[:t.opts.MaxRules]
	}

	id, err := t.svc.RegisterStream(ctx, stream.URL, stream.Name)
	if err != nil {
		return errors.Wrap(err, "register test stream")
	}
	if err := t.svc.SetRules(ctx, id, rules); err != nil {
		t.deregister(id)
		return errors.Wrap(err, "set test rules")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	listener := alertsvc.NewEventListener(
		t.svc.BaseURL(),
		t.opts.ReconnectDelay,
		t.opts.ReconnectMaxAttempts,
		t.onEvent,
	)
	if err := listener.Start(runCtx); err != nil {
		cancel()
		t.deregister(id)
		return errors.Wrap(err, "start event listener")
	}

	t.mu.Lock()
	t.running = true
	t.streamID = id
	t.results = nil
	t.snapshot = nil
	t.listener = listener
	t.cancel = cancel
	t.mu.Unlock()

	if frameFunc != nil {
		t.preview.Start(runCtx, 1*time.Second, func(ctx context.Context, tickC <-chan time.Time) {
			for {
				select {
				case <-ctx.Done():
					return
				case <-tickC:
				}
				frame, err := frameFunc(ctx)
				if err != nil || len(frame) == 0 {
					continue
				}
				t.mu.Lock()
				t.snapshot = frame
				t.mu.Unlock()
			}
		})
	}

	logger.Infof("测试监控已启动: stream=%s rules=%d", id, len(rules))
	return nil
}

// Stop 停止测试会话。可重复调用。
func (t *TestMonitor) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	listener := t.listener
	cancel := t.cancel
	id := t.streamID
	t.listener = nil
	t.cancel = nil
	t.streamID = ""
	t.mu.Unlock()

	if listener != nil {
		listener.Stop()
	}
	if cancel != nil {
		cancel()
	}
	t.preview.StopAndJoin(3 * time.Second)
	t.deregister(id)
	logger.Info("测试监控已停止")
}

// GetStatus 返回运行状态与结果快照
func (t *TestMonitor) GetStatus() (running bool, results []TestResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	results = make([]TestResult, len(t.results))
	copy(results, t.results)
	return t.running, results
}

// Snapshot 返回最近一帧预览 JPEG（可能为 nil）
func (t *TestMonitor) Snapshot() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot
}

func (t *TestMonitor) onEvent(ev alertsvc.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.results = append(t.results, TestResult{
		Rule:      ev.Rule,
		StreamID:  ev.StreamID,
		Timestamp: time.Now(),
	})
	// 有界环形缓冲
	if len(t.results) > testResultCap {
		t.results = t.results[len(t.results)-testResultCap:]
	}
}

func (t *TestMonitor) deregister(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.svc.DeregisterStream(ctx, id); err != nil {
		logger.Warnf("注销测试流 %s 失败: %v", id, err)
	}
}
