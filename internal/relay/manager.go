// Package relay manages ffmpeg subprocesses that republish video sources to
// the local mediamtx RTSP server. Two relay kinds exist: the robot's own
// camera (JPEG frames piped into ffmpeg stdin) and external RTSP cameras
// (stream copy, no re-encode).
package relay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sigma-robotics/patrol/pkg/logger"
	"github.com/sigma-robotics/patrol/pkg/loop"
)

// FrameFunc 抓取一帧机器人相机 JPEG
type FrameFunc func(ctx context.Context) ([]byte, error)

// Status 单路 relay 的运行状态
type Status struct {
	Type         string  `json:"type"`
	Running      bool    `json:"running"`
	Uptime       float64 `json:"uptime"`
	RestartCount int     `json:"restart_count"`
}

// Options 重试与轮询参数
type Options struct {
	MaxRetries     int           // 进程死亡后的最大重启次数
	HealthInterval time.Duration // 健康检查间隔
	FeederInterval time.Duration // 帧注入间隔（0.2s ≈ 5fps）
	FFmpegBin      string        // 测试时可替换
}

func (o *Options) fillDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 10 * time.Second
	}
	if o.FeederInterval <= 0 {
		o.FeederInterval = 200 * time.Millisecond
	}
	if o.FFmpegBin == "" {
		o.FFmpegBin = "ffmpeg"
	}
}

type entry struct {
	key          string
	relayType    string
	args         []string
	frameFunc    FrameFunc // 仅 robot_camera
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	feeder       *loop.Loop
	startedAt    time.Time
	restartCount int
}

// Manager 管理所有 relay 进程及其健康检查
type Manager struct {
	opts Options

	mu     sync.Mutex
	relays map[string]*entry

	monitor *loop.Loop
}

// NewManager 创建 relay 管理器并启动后台健康检查
func NewManager(ctx context.Context, opts Options) *Manager {
	opts.fillDefaults()
	m := &Manager{
		opts:    opts,
		relays:  make(map[string]*entry),
		monitor: loop.New("relay-monitor"),
	}
	m.monitor.Start(ctx, opts.HealthInterval, m.monitorLoop)
	return m
}

// StartRobotCameraRelay 启动机器人相机 relay：帧注入 ffmpeg stdin 并推流。
// 同 key 已在运行时直接返回原路径（幂等）。返回 RTSP 路径 "/{robot}/camera"。
func (m *Manager) StartRobotCameraRelay(robotID string, frameFunc FrameFunc, mediamtxInternal string) (string, error) {
	key := robotID + "/camera"
	rtspPath := "/" + key
	rtspURL := "rtsp://" + mediamtxInternal + rtspPath

	m.mu.Lock()
	if e, ok := m.relays[key]; ok && processAlive(e.cmd) {
		m.mu.Unlock()
		logger.Infof("机器人相机 relay 已在运行: %s", key)
		return rtspPath, nil
	}
	m.mu.Unlock()

	args := []string{
		"-y",
		"-f", "image2pipe",
		"-framerate", "5",
		"-i", "pipe:0",
		"-vf", "scale=1280:720:force_original_aspect_ratio=decrease,pad=1280:720:(ow-iw)/2:(oh-ih)/2",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-profile:v", "baseline",
		"-level", "3.1",
		"-pix_fmt", "yuv420p",
		"-x264-params", "keyint=30:min-keyint=30:repeat-headers=1",
		"-bsf:v", "dump_extra",
		"-f", "rtsp",
		"-rtsp_transport", "tcp",
		rtspURL,
	}

	e := &entry{key: key, relayType: "robot_camera", args: args, frameFunc: frameFunc}
	if err := m.spawn(e); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.relays[key] = e
	m.mu.Unlock()
	logger.Infof("机器人相机 relay 已启动: %s -> %s", key, rtspURL)
	return rtspPath, nil
}

// StartExternalRTSPRelay 启动外部相机 relay：-c copy 转发到 mediamtx。
// 返回 RTSP 路径 "/{robot}/external"。
func (m *Manager) StartExternalRTSPRelay(robotID, sourceURL, mediamtxInternal string) (string, error) {
	key := robotID + "/external"
	rtspPath := "/" + key
	rtspURL := "rtsp://" + mediamtxInternal + rtspPath

	m.mu.Lock()
	if e, ok := m.relays[key]; ok && processAlive(e.cmd) {
		m.mu.Unlock()
		logger.Infof("外部 RTSP relay 已在运行: %s", key)
		return rtspPath, nil
	}
	m.mu.Unlock()

	args := []string{
		"-y",
		"-rtsp_transport", "tcp",
		"-i", sourceURL,
		"-c:v", "copy",
		"-an",
		"-f", "rtsp",
		"-rtsp_transport", "tcp",
		rtspURL,
	}

	e := &entry{key: key, relayType: "external_rtsp", args: args}
	if err := m.spawn(e); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.relays[key] = e
	m.mu.Unlock()
	logger.Infof("外部 RTSP relay 已启动: %s -> %s", key, rtspURL)
	return rtspPath, nil
}

// StopRelay 停止指定 relay。key 不存在时为空操作。
func (m *Manager) StopRelay(key string) {
	m.mu.Lock()
	e, ok := m.relays[key]
	if ok {
		delete(m.relays, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	logger.Infof("停止 relay: %s", key)
	m.teardown(e)
}

// StopAll 停止所有 relay（进程退出时调用）
func (m *Manager) StopAll() {
	m.mu.Lock()
	keys := make([]string, 0, len(m.relays))
	for k := range m.relays {
		keys = append(keys, k)
	}
	m.mu.Unlock()
	for _, k := range keys {
		m.StopRelay(k)
	}
}

// Shutdown 停止健康检查与所有 relay
func (m *Manager) Shutdown() {
	m.monitor.StopAndJoin(5 * time.Second)
	m.StopAll()
}

// GetStatus 返回全部 relay 的状态快照
func (m *Manager) GetStatus() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Status, len(m.relays))
	for key, e := range m.relays {
		running := processAlive(e.cmd)
		uptime := 0.0
		if running {
			uptime = time.Since(e.startedAt).Seconds()
		}
		out[key] = Status{
			Type:         e.relayType,
			Running:      running,
			Uptime:       uptime,
			RestartCount: e.restartCount,
		}
	}
	return out
}

// --- internal ---

// spawn 启动 ffmpeg 进程（含 stderr 日志与 feeder），调用方负责登记 entry
func (m *Manager) spawn(e *entry) error {
	cmd := exec.Command(m.opts.FFmpegBin, e.args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("relay %s: stderr pipe: %w", e.key, err)
	}

	var stdin io.WriteCloser
	if e.frameFunc != nil {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("relay %s: stdin pipe: %w", e.key, err)
		}
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("relay %s: start %s: %w", e.key, m.opts.FFmpegBin, err)
	}

	go logStderr(e.key, stderr)
	// 回收子进程，避免僵尸
	go func() { _ = cmd.Wait() }()

	m.mu.Lock()
	e.cmd = cmd
	e.stdin = stdin
	e.startedAt = time.Now()
	if e.frameFunc != nil {
		e.feeder = loop.New("relay-feeder-" + e.key)
		e.feeder.Start(context.Background(), m.opts.FeederInterval, m.feederRun(e.key, e.frameFunc, stdin, cmd))
	}
	m.mu.Unlock()
	return nil
}

// feederRun 每个 tick 抓一帧写入 ffmpeg stdin；管道断开即退出
func (m *Manager) feederRun(key string, frameFunc FrameFunc, stdin io.WriteCloser, cmd *exec.Cmd) func(ctx context.Context, tickC <-chan time.Time) {
	return func(ctx context.Context, tickC <-chan time.Time) {
		defer stdin.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tickC:
			}
			if !processAlive(cmd) {
				return
			}
			frame, err := frameFunc(ctx)
			if err != nil || len(frame) == 0 {
				continue
			}
			if _, err := stdin.Write(frame); err != nil {
				return
			}
		}
	}
}

// teardown 停止 feeder 并结束进程组
func (m *Manager) teardown(e *entry) {
	if e.feeder != nil {
		e.feeder.StopAndJoin(3 * time.Second)
	}
	stopProcessGroup(e.cmd, 5*time.Second)
}

// monitorLoop 周期检查 relay 健康，死亡进程按指数退避重启
func (m *Manager) monitorLoop(ctx context.Context, tickC <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-tickC:
		}

		m.mu.Lock()
		entries := make([]*entry, 0, len(m.relays))
		for _, e := range m.relays {
			entries = append(entries, e)
		}
		m.mu.Unlock()

		for _, e := range entries {
			if processAlive(e.cmd) {
				continue
			}
			if e.restartCount >= m.opts.MaxRetries {
				logger.Errorf("relay %s 已超过最大重启次数 (%d)，放弃", e.key, m.opts.MaxRetries)
				continue
			}

			delay := time.Duration(1<<uint(e.restartCount)) * time.Second
			if delay > 30*time.Second {
				delay = 30 * time.Second
			}
			logger.Warnf("relay %s 已退出，%s 后重启 (第 %d 次)", e.key, delay, e.restartCount+1)

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			// 退避期间 relay 可能已被显式停止，entry 不在表里就不再重启
			m.mu.Lock()
			tracked := m.relays[e.key] == e
			m.mu.Unlock()
			if !tracked {
				continue
			}

			if e.feeder != nil {
				e.feeder.StopAndJoin(3 * time.Second)
			}
			if err := m.spawn(e); err != nil {
				logger.Errorf("relay %s 重启失败: %v", e.key, err)
				continue
			}

			m.mu.Lock()
			if m.relays[e.key] != e {
				// spawn 与 StopRelay/StopAll 赛跑输了：新进程没人管，立刻收掉
				m.mu.Unlock()
				logger.Warnf("relay %s 在重启期间被停止，回收新进程", e.key)
				m.teardown(e)
				continue
			}
			e.restartCount++
			m.mu.Unlock()
			logger.Infof("relay %s 重启成功", e.key)
		}
	}
}

func logStderr(key string, r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			logger.Debugf("ffmpeg[%s]: %s", key, line)
		}
	}
}

// processAlive Signal 0 检查进程是否存活
func processAlive(cmd *exec.Cmd) bool {
	if cmd == nil || cmd.Process == nil {
		return false
	}
	return cmd.Process.Signal(syscall.Signal(0)) == nil
}

// stopProcessGroup 先 SIGTERM，限时等待后 SIGKILL 整个进程组
func stopProcessGroup(cmd *exec.Cmd, timeout time.Duration) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
		// 进程组可能不存在，回退尝试单进程
		_ = unix.Kill(pid, unix.SIGTERM)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAlive(cmd) {
			return
		}
		time.Sleep(150 * time.Millisecond)
	}
	_ = unix.Kill(-pid, unix.SIGKILL)
	_ = unix.Kill(pid, unix.SIGKILL)
}

// WaitForStream 通过轻量 RTSP DESCRIBE 轮询 mediamtx，直到流可用或超时
func WaitForStream(rtspURL string, maxWait time.Duration) bool {
	parsed, err := url.Parse(rtspURL)
	if err != nil {
		logger.Warnf("无效的 RTSP URL: %s", rtspURL)
		return false
	}
	host := parsed.Hostname()
	port := parsed.Port()
	if port == "" {
		port = "8554"
	}
	path := parsed.Path
	if path == "" {
		path = "/"
	}
	addr := net.JoinHostPort(host, port)

	deadline := time.Now().Add(maxWait)
	attempt := 0
	for time.Now().Before(deadline) {
		attempt++
		if describeOK(addr, host, port, path) {
			logger.Infof("流已就绪 (第 %d 次探测): %s", attempt, rtspURL)
			return true
		}
		time.Sleep(1 * time.Second)
	}
	logger.Warnf("流在 %s 内未就绪 (%d 次探测): %s", maxWait, attempt, rtspURL)
	return false
}

func describeOK(addr, host, port, path string) bool {
	conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
	if err != nil {
		return false
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))

	req := fmt.Sprintf("DESCRIBE rtsp://%s:%s%s RTSP/1.0\r\nCSeq: 1\r\n\r\n", host, port, path)
	if _, err := conn.Write([]byte(req)); err != nil {
		return false
	}
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		return false
	}
	return strings.Contains(string(buf[:n]), "RTSP/1.0 200")
}
