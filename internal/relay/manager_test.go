package relay

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeFFmpeg writes a stand-in binary that ignores its arguments and blocks,
// so relay lifecycle can be tested without a real ffmpeg.
func fakeFFmpeg(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	script := "#!/bin/sh\nexec sleep 60\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	m := NewManager(ctx, Options{
		MaxRetries:     1,
		HealthInterval: time.Hour, // 测试中不触发健康检查
		FeederInterval: 50 * time.Millisecond,
		FFmpegBin:      fakeFFmpeg(t),
	})
	t.Cleanup(m.Shutdown)
	return m
}

func TestStartRelayIdempotent(t *testing.T) {
	m := newTestManager(t)

	path1, err := m.StartExternalRTSPRelay("robot1", "rtsp://cam.local/live", "127.0.0.1:8554")
	require.NoError(t, err)
	require.Equal(t, "/robot1/external", path1)

	// 同 key 二次启动：返回同一路径，不新建进程
	status1 := m.GetStatus()
	path2, err := m.StartExternalRTSPRelay("robot1", "rtsp://cam.local/live", "127.0.0.1:8554")
	require.NoError(t, err)
	require.Equal(t, path1, path2)

	status2 := m.GetStatus()
	require.Len(t, status2, 1)
	require.True(t, status2["robot1/external"].Running)
	require.Equal(t, status1["robot1/external"].Type, status2["robot1/external"].Type)
}

func TestRobotCameraRelayFeedsFrames(t *testing.T) {
	m := newTestManager(t)

	fed := make(chan struct{}, 16)
	frameFunc := func(ctx context.Context) ([]byte, error) {
		select {
		case fed <- struct{}{}:
		default:
		}
		return []byte{0xff, 0xd8, 0xff}, nil
	}

	path, err := m.StartRobotCameraRelay("robot1", frameFunc, "127.0.0.1:8554")
	require.NoError(t, err)
	require.Equal(t, "/robot1/camera", path)

	select {
	case <-fed:
	case <-time.After(2 * time.Second):
		t.Fatal("feeder never requested a frame")
	}
}

func TestStopRelay(t *testing.T) {
	m := newTestManager(t)

	_, err := m.StartExternalRTSPRelay("robot1", "rtsp://cam.local/live", "127.0.0.1:8554")
	require.NoError(t, err)

	m.StopRelay("robot1/external")
	require.Empty(t, m.GetStatus())

	// 不存在的 key 为空操作
	m.StopRelay("robot1/external")
}

func TestStopAll(t *testing.T) {
	m := newTestManager(t)

	_, err := m.StartExternalRTSPRelay("robot1", "rtsp://a/live", "127.0.0.1:8554")
	require.NoError(t, err)
	_, err = m.StartExternalRTSPRelay("robot2", "rtsp://b/live", "127.0.0.1:8554")
	require.NoError(t, err)
	require.Len(t, m.GetStatus(), 2)

	m.StopAll()
	require.Empty(t, m.GetStatus())
}

// pidRecordingFFmpeg 每次启动把自身 pid 追加到 pidFile，之后执行 body
func pidRecordingFFmpeg(t *testing.T, pidFile, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	script := fmt.Sprintf("#!/bin/sh\necho $$ >> %q\n%s\n", pidFile, body)
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func readPids(t *testing.T, pidFile string) []int {
	t.Helper()
	data, err := os.ReadFile(pidFile)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		require.NoError(t, err)
		pids = append(pids, pid)
	}
	return pids
}

func pidAlive(pid int) bool {
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal(msg)
}

// 进程死亡后健康检查按退避重启，超过上限后放弃但状态仍可见
func TestMonitorRestartsAndGivesUp(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pids")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	m := NewManager(ctx, Options{
		MaxRetries:     1,
		HealthInterval: 50 * time.Millisecond,
		FeederInterval: 50 * time.Millisecond,
		// 启动即退出，触发重启路径
		FFmpegBin: pidRecordingFFmpeg(t, pidFile, "exit 1"),
	})
	t.Cleanup(m.Shutdown)

	_, err := m.StartExternalRTSPRelay("robot1", "rtsp://cam.local/live", "127.0.0.1:8554")
	require.NoError(t, err)

	// 首次退避 1s 后重启一次
	waitFor(t, 4*time.Second, func() bool {
		return m.GetStatus()["robot1/external"].RestartCount == 1
	}, "relay was never restarted")
	waitFor(t, 2*time.Second, func() bool {
		return len(readPids(t, pidFile)) == 2
	}, "expected exactly one respawn")

	// 超过 MaxRetries 后不再重启，entry 仍以 dead 状态可见
	time.Sleep(1500 * time.Millisecond)
	st, ok := m.GetStatus()["robot1/external"]
	require.True(t, ok, "abandoned relay must stay visible")
	require.False(t, st.Running)
	require.Equal(t, 1, st.RestartCount)
	require.Len(t, readPids(t, pidFile), 2)
}

// 退避窗口内 StopAll 后不得再拉起新进程
func TestStopAllDuringRestartBackoff(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pids")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	m := NewManager(ctx, Options{
		MaxRetries:     3,
		HealthInterval: 50 * time.Millisecond,
		FeederInterval: 50 * time.Millisecond,
		FFmpegBin:      pidRecordingFFmpeg(t, pidFile, "exec sleep 60"),
	})
	t.Cleanup(m.Shutdown)

	_, err := m.StartExternalRTSPRelay("robot1", "rtsp://cam.local/live", "127.0.0.1:8554")
	require.NoError(t, err)
	waitFor(t, 2*time.Second, func() bool {
		return len(readPids(t, pidFile)) == 1
	}, "relay process never started")

	// 杀掉进程让健康检查进入退避，再在退避期间停掉 relay
	require.NoError(t, syscall.Kill(readPids(t, pidFile)[0], syscall.SIGKILL))
	waitFor(t, 2*time.Second, func() bool {
		return !m.GetStatus()["robot1/external"].Running
	}, "monitor never observed the dead process")
	time.Sleep(200 * time.Millisecond) // 健康检查已进入 1s 退避
	m.StopAll()
	require.Empty(t, m.GetStatus())

	// 退避结束后不得重生进程
	time.Sleep(1500 * time.Millisecond)
	require.Empty(t, m.GetStatus())
	for _, pid := range readPids(t, pidFile) {
		require.False(t, pidAlive(pid), "relay process %d leaked after StopAll", pid)
	}
}

func TestWaitForStream(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 512)
				_, _ = c.Read(buf)
				_, _ = c.Write([]byte("RTSP/1.0 200 OK\r\nCSeq: 1\r\n\r\n"))
			}(conn)
		}
	}()

	url := fmt.Sprintf("rtsp://%s/robot1/camera", ln.Addr().String())
	require.True(t, WaitForStream(url, 5*time.Second))
}

func TestWaitForStreamTimeout(t *testing.T) {
	// 无人监听的端口
	require.False(t, WaitForStream("rtsp://127.0.0.1:1/robot1/camera", 1200*time.Millisecond))
}
