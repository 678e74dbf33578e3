package alertsvc

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/sigma-robotics/patrol/pkg/logger"
)

// Event 告警服务推送的一条触发事件
type Event struct {
	Rule     string `json:"rule"`
	StreamID string `json:"stream_id"`
	AlertID  string `json:"alert_id"`
}

// EventHandler 事件回调。在监听 goroutine 内被调用，不应长时间阻塞。
type EventHandler func(ev Event)

// EventListener 告警事件 WebSocket 监听器。
// 连接断开后按固定延迟重连，超过最大尝试次数后记录错误并停止
// （告警功能静默失效，不影响巡逻任务本身）。
type EventListener struct {
	wsURL       string
	handler     EventHandler
	delay       time.Duration
	maxAttempts int

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewEventListener 创建事件监听器。baseURL 为告警服务 HTTP 地址，
// 由其推导 ws:// 事件端点。
func NewEventListener(baseURL string, delay time.Duration, maxAttempts int, handler EventHandler) *EventListener {
	wsURL := strings.TrimSuffix(baseURL, "/")
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/api/events/ws"
	if delay <= 0 {
		delay = 5 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &EventListener{
		wsURL:       wsURL,
		handler:     handler,
		delay:       delay,
		maxAttempts: maxAttempts,
	}
}

// Start 建立连接并启动后台监听。已在运行时直接返回错误。
func (l *EventListener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return errors.New("event listener already running")
	}

	conn, err := l.dial(ctx)
	if err != nil {
		l.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.conn = conn
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running = true
	l.mu.Unlock()

	go l.listen(runCtx)
	logger.Infof("告警事件监听已连接: %s", l.wsURL)
	return nil
}

// Stop 关闭连接并等待监听 goroutine 退出。可重复调用。
func (l *EventListener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel := l.cancel
	conn := l.conn
	done := l.done
	l.conn = nil
	l.mu.Unlock()

	cancel()
	if conn != nil {
		conn.Close()
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn("告警事件监听退出超时")
	}
}

// IsRunning 监听是否在运行
func (l *EventListener) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *EventListener) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, l.wsURL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", l.wsURL)
	}
	return conn, nil
}

func (l *EventListener) listen(ctx context.Context) {
	defer close(l.done)

	for {
		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()
		if conn == nil {
			return
		}

		l.readLoop(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			return
		}

		// 固定延迟重连，超过上限后放弃
		if !l.reconnect(ctx) {
			l.mu.Lock()
			l.running = false
			l.mu.Unlock()
			return
		}
	}
}

func (l *EventListener) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() == nil {
				logger.Warnf("告警事件连接中断: %v", err)
			}
			return
		}
		if ev.Rule == "" {
			continue // 心跳或未知消息
		}
		l.handler(ev)
	}
}

func (l *EventListener) reconnect(ctx context.Context) bool {
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(l.delay):
		}

		conn, err := l.dial(ctx)
		if err != nil {
			logger.Warnf("告警事件重连失败 (%d/%d): %v", attempt, l.maxAttempts, err)
			continue
		}

		l.mu.Lock()
		if !l.running {
			// Stop 在拨号期间已执行，新连接没人收尾
			l.mu.Unlock()
			conn.Close()
			return false
		}
		l.conn = conn
		l.mu.Unlock()
		logger.Infof("告警事件重连成功 (第 %d 次尝试)", attempt)
		return true
	}
	logger.Errorf("告警事件重连失败，已达最大尝试次数 %d，放弃监听", l.maxAttempts)
	return false
}
