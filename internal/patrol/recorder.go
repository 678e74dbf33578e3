package patrol

import (
	"context"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/sigma-robotics/patrol/pkg/logger"
	"github.com/sigma-robotics/patrol/pkg/loop"
)

// FrameFunc 相机取帧函数
type FrameFunc func(ctx context.Context) ([]byte, error)

// VideoRecorder 巡逻录像：后台以约 5fps 抓帧，经 ffmpeg 编码写入 mp4。
type VideoRecorder struct {
	path      string
	frameFunc FrameFunc
	ffmpegBin string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	feeder *loop.Loop
}

// NewVideoRecorder 创建录像器
func NewVideoRecorder(path string, frameFunc FrameFunc, ffmpegBin string) *VideoRecorder {
	if ffmpegBin == "" {
		ffmpegBin = "ffmpeg"
	}
	return &VideoRecorder{
		path:      path,
		frameFunc: frameFunc,
		ffmpegBin: ffmpegBin,
		feeder:    loop.New("video-recorder"),
	}
}

// Start 启动 ffmpeg 与抓帧循环
func (v *VideoRecorder) Start(ctx context.Context) error {
	cmd := exec.Command(v.ffmpegBin,
		"-y",
		"-f", "image2pipe",
		"-framerate", "5",
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-pix_fmt", "yuv420p",
		v.path,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "recorder stdin pipe")
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "recorder start %s", v.ffmpegBin)
	}
	v.cmd = cmd
	v.stdin = stdin

	v.feeder.Start(ctx, 200*time.Millisecond, func(ctx context.Context, tickC <-chan time.Time) {
		for {
			select {
			case <-ctx.Done():
				return
			case <-tickC:
			}
			frame, err := v.frameFunc(ctx)
			if err != nil || len(frame) == 0 {
				continue
			}
			if _, err := stdin.Write(frame); err != nil {
				return
			}
		}
	})

	logger.Infof("录像已开始: %s", v.path)
	return nil
}

// Stop 停止抓帧，关闭 stdin 让 ffmpeg 正常收尾，限时等待退出
func (v *VideoRecorder) Stop() {
	v.feeder.StopAndJoin(3 * time.Second)
	if v.stdin != nil {
		_ = v.stdin.Close()
	}
	if v.cmd == nil || v.cmd.Process == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		_ = v.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Warn("录像进程退出超时，强制结束")
		_ = v.cmd.Process.Kill()
		<-done
	}
	logger.Infof("录像已结束: %s", v.path)
}
