// Package patrol implements the mission core: the orchestrator sequences
// movement, inspection and recovery across waypoints; the worker decouples
// AI analysis from movement in turbo mode; the scheduler triggers missions
// at configured times.
package patrol

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sigma-robotics/patrol/internal/config"
	"github.com/sigma-robotics/patrol/internal/monitor"
	"github.com/sigma-robotics/patrol/internal/notify"
	"github.com/sigma-robotics/patrol/internal/relay"
	"github.com/sigma-robotics/patrol/internal/robot"
	"github.com/sigma-robotics/patrol/internal/store"
	"github.com/sigma-robotics/patrol/internal/vlm"
	"github.com/sigma-robotics/patrol/pkg/logger"
)

// Status 状态查询的返回
type Status struct {
	IsPatrolling bool   `json:"is_patrolling"`
	Status       string `json:"status"`
	CurrentIndex int    `json:"current_index"`
}

// Orchestrator 巡逻任务编排器。同一时刻最多一条任务 goroutine 在跑。
type Orchestrator struct {
	cfg      *config.Config
	db       *store.Store
	driver   robot.Driver
	ai       vlm.Client
	relays   *relay.Manager    // 可为 nil
	monitor  *monitor.Monitor  // 可为 nil
	notifier *notify.Telegram  // 可为 nil
	worker   *Worker

	imagesRoot string
	ffmpegBin  string

	// patrolMu 保护任务启停；stateMu 保护状态查询字段。
	// 分开两把锁，状态轮询不会被长期持有的任务锁阻塞。
	patrolMu     sync.Mutex
	isPatrolling bool
	missionDone  chan struct{}

	stateMu      sync.Mutex
	status       string
	currentIndex int
	currentRunID int64
}

// New 创建编排器。relays / mon / notifier 允许为 nil（对应功能关闭）。
func New(cfg *config.Config, db *store.Store, driver robot.Driver, ai vlm.Client,
	relays *relay.Manager, mon *monitor.Monitor, notifier *notify.Telegram, worker *Worker) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		db:           db,
		driver:       driver,
		ai:           ai,
		relays:       relays,
		monitor:      mon,
		notifier:     notifier,
		worker:       worker,
		imagesRoot:   filepath.Join(cfg.DataDir, "images"),
		ffmpegBin:    "ffmpeg",
		status:       "Idle",
		currentIndex: -1,
	}
}

// StartPatrol 启动巡逻。已有任务在跑时返回 (false, "Already patrolling")，
// 否则立即返回 (true, "Started")，任务在后台 goroutine 执行。
func (o *Orchestrator) StartPatrol() (bool, string) {
	o.patrolMu.Lock()
	if o.isPatrolling {
		o.patrolMu.Unlock()
		return false, "Already patrolling"
	}
	prev := o.missionDone
	o.patrolMu.Unlock()

	// 等待残留的任务 goroutine 退出（锁外等待，避免死锁）
	if prev != nil {
		select {
		case <-prev:
		case <-time.After(5 * time.Second):
			logger.Warn("上一条巡逻 goroutine 未在限时内退出")
		}
	}

	o.patrolMu.Lock()
	if o.isPatrolling {
		o.patrolMu.Unlock()
		return false, "Already patrolling"
	}
	o.isPatrolling = true
	done := make(chan struct{})
	o.missionDone = done
	o.patrolMu.Unlock()

	o.stateMu.Lock()
	o.currentIndex = -1
	o.currentRunID = 0
	o.stateMu.Unlock()

	logger.Info("开始巡逻...")
	go func() {
		defer close(done)
		o.mission()
	}()
	return true, "Started"
}

// StopPatrol 请求停止巡逻。协作式取消：任务循环在每个点位前后检查标志，
// 进行中的移动/AI 调用会先完成。幂等。
func (o *Orchestrator) StopPatrol() bool {
	o.patrolMu.Lock()
	was := o.isPatrolling
	o.isPatrolling = false
	o.patrolMu.Unlock()
	o.setStatus("Stopping...")

	if was {
		logger.Info("收到停止巡逻请求")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.driver.CancelCommand(ctx); err != nil {
			logger.Warnf("取消移动指令失败: %v", err)
		}
		if err := o.driver.ReturnHome(ctx); err != nil {
			logger.Warnf("返回充电座失败: %v", err)
		}
	}
	return true
}

// GetStatus 返回当前巡逻状态
func (o *Orchestrator) GetStatus() Status {
	o.patrolMu.Lock()
	patrolling := o.isPatrolling
	o.patrolMu.Unlock()
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return Status{
		IsPatrolling: patrolling,
		Status:       o.status,
		CurrentIndex: o.currentIndex,
	}
}

// CurrentRunID 返回进行中任务的 run id，无任务时为 0
func (o *Orchestrator) CurrentRunID() int64 {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.currentRunID
}

// IsPatrolling 是否有任务在跑
func (o *Orchestrator) IsPatrolling() bool {
	o.patrolMu.Lock()
	defer o.patrolMu.Unlock()
	return o.isPatrolling
}

func (o *Orchestrator) setStatus(s string) {
	o.stateMu.Lock()
	o.status = s
	o.stateMu.Unlock()
}

func (o *Orchestrator) setIndex(i int) {
	o.stateMu.Lock()
	o.currentIndex = i
	o.stateMu.Unlock()
}

func (o *Orchestrator) setRunID(id int64) {
	o.stateMu.Lock()
	o.currentRunID = id
	o.stateMu.Unlock()
}

func (o *Orchestrator) stillPatrolling() bool {
	o.patrolMu.Lock()
	defer o.patrolMu.Unlock()
	return o.isPatrolling
}

func (o *Orchestrator) clearPatrolling() {
	o.patrolMu.Lock()
	o.isPatrolling = false
	o.patrolMu.Unlock()
}

func (o *Orchestrator) settle() time.Duration {
	return time.Duration(o.cfg.Settings.InspectSettleSec) * time.Second
}

// mission 一次巡逻任务的全流程。任何外部调用的错误都不会让本函数提前崩溃：
// 要么记成降级的检查结果，要么只记日志。
func (o *Orchestrator) mission() {
	ctx := context.Background()
	s := o.cfg.Settings
	o.setStatus("Starting...")

	// 配置错误在建任何 DB 行之前终止
	if !o.ai.IsConfigured() {
		o.setStatus("Error: AI Not Configured")
		logger.Error("巡逻启动失败：AI 未配置")
		o.clearPatrolling()
		return
	}

	points, err := config.LoadPoints(o.cfg.PointsFile)
	if err != nil {
		logger.Errorf("读取点位文件失败: %v", err)
	}
	enabled := config.EnabledPoints(points)
	if len(enabled) == 0 {
		o.setStatus("No enabled points")
		o.clearPatrolling()
		return
	}

	runID, err := o.db.InsertRun(ctx, o.driver.Serial(), o.cfg.RobotID, o.ai.ModelName())
	if err != nil {
		logger.Errorf("创建巡逻记录失败: %v", err)
		o.setStatus("Error: Database Error")
		o.clearPatrolling()
		return
	}
	o.setRunID(runID)
	logger.Infof("巡逻 %d 开始，共 %d 个点位", runID, len(enabled))

	runDir := filepath.Join(o.imagesRoot, fmt.Sprintf("%d_%s", runID, time.Now().Format("20060102_150405")))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		logger.Errorf("创建图片目录失败: %v", err)
	}

	// 录像
	var recorder *VideoRecorder
	var videoFile string
	if s.EnableVideoRecording {
		videoDir := filepath.Join(o.cfg.DataDir, "report", "video")
		_ = os.MkdirAll(videoDir, 0o755)
		videoFile = filepath.Join(videoDir, fmt.Sprintf("%d_%s.mp4", runID, time.Now().Format("20060102_150405")))
		o.setStatus("Starting Video Recording...")
		rec := NewVideoRecorder(videoFile, o.driver.CaptureFrontFrame, o.ffmpegBin)
		if err := rec.Start(ctx); err != nil {
			logger.Errorf("录像启动失败: %v", err)
			videoFile = ""
		} else {
			recorder = rec
		}
	}

	monitorActive := o.startLiveMonitor(ctx, runID)

	results := &resultList{}
	turbo := s.TurboMode

	// 主循环
	for i, point := range enabled {
		if !o.stillPatrolling() {
			break
		}
		o.setIndex(i)
		o.setStatus(fmt.Sprintf("Moving to %s...", point.Name))
		logger.Infof("移动到 %d/%d: %s", i+1, len(enabled), point.Name)

		moveStatus := o.moveToPoint(ctx, point)
		if moveStatus != "Success" {
			// 移动失败：记一条 NG 结果，不拍照不分析
			outcome := vlm.Outcome{
				ResultText:  "Move Failed",
				IsNG:        true,
				Description: moveStatus,
				UsageJSON:   "{}",
			}
			saveInspection(ctx, o.db, o.cfg.RobotID, o.imagesRoot, runID, point, "", &outcome, "", moveStatus)
			time.Sleep(o.settle())
			continue
		}

		if !o.stillPatrolling() {
			break
		}

		o.setStatus(fmt.Sprintf("Inspecting %s...", point.Name))
		time.Sleep(o.settle())
		o.inspectPoint(ctx, runID, point, runDir, turbo, results)
	}

	// 清理阶段无条件执行，任何失败只记日志且互不阻塞
	if monitorActive {
		o.monitor.Stop()
	}
	if o.relays != nil {
		o.relays.StopAll()
	}
	if recorder != nil {
		recorder.Stop()
	}

	wasPatrolling := o.stillPatrolling()
	finalStatus := "Completed"
	if !wasPatrolling {
		finalStatus = "Patrol Stopped"
	}

	var videoPath, videoAnalysis *string
	if wasPatrolling {
		// turbo 模式下先回家，图片在机器人返程时并行处理
		o.setStatus("Returning Home...")
		if err := o.driver.ReturnHome(ctx); err != nil {
			logger.Errorf("返回充电座失败: %v", err)
		}

		if turbo {
			o.setStatus("Processing Images...")
			o.worker.Join()
		}

		if recorder != nil && videoFile != "" {
			videoPath = &videoFile
			o.setStatus("Analyzing Video...")
			res, err := o.ai.AnalyzeVideo(ctx, videoFile, s.VideoPrompt)
			if err != nil {
				logger.Errorf("视频分析失败: %v", err)
				txt := fmt.Sprintf("Analysis Failed: %v", err)
				videoAnalysis = &txt
			} else {
				videoAnalysis = &res.Text
				if err := o.db.SaveVideoTokens(ctx, runID, store.TokenCounts{
					Input: res.Usage.InputTokens, Output: res.Usage.OutputTokens, Total: res.Usage.TotalTokens,
				}); err != nil {
					logger.Errorf("视频 token 落库失败: %v", err)
				}
			}
		}

		// 报告生成前先写 end_time 与状态，报告读到的是完整信息
		if err := o.db.FinishRun(ctx, runID, finalStatus, videoPath, videoAnalysis); err != nil {
			logger.Errorf("更新巡逻状态失败: %v", err)
		}

		o.setStatus("Generating Report...")
		var alerts []store.LiveAlert
		if monitorActive {
			alerts = o.monitor.GetAlerts()
		}
		o.generateReport(ctx, runID, results.snapshot(), videoAnalysis, alerts)
		o.setStatus("Finished")
	} else {
		// 提前停止：只写 end_time 与状态，不生成报告
		if err := o.db.FinishRun(ctx, runID, finalStatus, nil, nil); err != nil {
			logger.Errorf("更新停止状态失败: %v", err)
		}
	}

	if err := o.db.UpdateRunTokenTotals(ctx, runID); err != nil {
		logger.Errorf("更新 token 汇总失败: %v", err)
	}

	logger.Infof("巡逻 %d 结束: %s", runID, finalStatus)
	o.clearPatrolling()
	// 最后清 run id，状态轮询方看到任务结束时所有记账已完成
	o.setRunID(0)
}

// moveToPoint 移动到点位并归一化结果。驱动层异常不越过点位边界。
func (o *Orchestrator) moveToPoint(ctx context.Context, point config.PatrolPoint) string {
	result, err := o.driver.MoveTo(ctx, point.X, point.Y, point.Theta)
	return robot.MoveStatus(result, err)
}

// inspectPoint 拍照并检查。turbo 模式入队后立即返回；否则同步调 AI。
func (o *Orchestrator) inspectPoint(ctx context.Context, runID int64, point config.PatrolPoint,
	runDir string, turbo bool, results *resultList) {

	frame, err := o.driver.CaptureFrontFrame(ctx)
	if err != nil || len(frame) == 0 {
		logger.Errorf("拍照失败 (%s): %v", point.Name, err)
		o.setStatus(fmt.Sprintf("Error at %s", point.Name))
		return
	}

	imgUUID := uuid.NewString()
	imgPath := filepath.Join(runDir, fmt.Sprintf("%s_processing_%s.jpg", safePointName(point.Name), imgUUID))
	if err := os.WriteFile(imgPath, frame, 0o644); err != nil {
		logger.Errorf("保存图片失败 (%s): %v", point.Name, err)
		return
	}

	userPrompt := point.Prompt
	if userPrompt == "" {
		userPrompt = "Is everything normal?"
	}
	sysPrompt := o.cfg.Settings.SystemPrompt

	if turbo {
		logger.Infof("入队检查: %s", point.Name)
		o.worker.Enqueue(inspectionTask{
			runID:      runID,
			point:      point,
			imagePath:  imgPath,
			userPrompt: userPrompt,
			sysPrompt:  sysPrompt,
			imgUUID:    imgUUID,
			results:    results,
		})
		return
	}

	logger.Infof("分析: %s", point.Name)
	var outcome vlm.Outcome
	result, err := o.ai.GenerateInspection(ctx, frame, userPrompt, sysPrompt)
	if err != nil {
		logger.Errorf("AI 调用失败 (%s): %v", point.Name, err)
		outcome = vlm.Outcome{
			ResultText:  fmt.Sprintf("AI Error: %v", err),
			Description: err.Error(),
		}
	} else {
		outcome = *result
	}

	newPath := renameImage(imgPath, point.Name, outcome.IsNG, imgUUID)
	saveInspection(ctx, o.db, o.cfg.RobotID, o.imagesRoot, runID, point, userPrompt, &outcome, newPath, "Success")
	results.append(reportItem{Point: point.Name, Result: outcome.ResultText})
}

// startLiveMonitor 按配置启动 relay 与实时告警监控，返回监控是否激活
func (o *Orchestrator) startLiveMonitor(ctx context.Context, runID int64) bool {
	s := o.cfg.Settings
	if !s.EnableLiveMonitor || s.AlertServiceURL == "" || o.monitor == nil {
		return false
	}

	var streams []monitor.StreamConfig

	if s.EnableRobotCameraRelay && o.relays != nil {
		path, err := o.relays.StartRobotCameraRelay(o.cfg.RobotID, relay.FrameFunc(o.driver.CaptureFrontFrame), s.MediamtxInternal)
		if err != nil {
			logger.Errorf("机器人相机 relay 启动失败: %v", err)
		} else {
			streams = append(streams, monitor.StreamConfig{
				Name:      fmt.Sprintf("%s Camera", o.cfg.RobotName),
				URL:       "rtsp://" + s.MediamtxExternal + path,
				Type:      monitor.StreamRobotCamera,
				FrameFunc: monitor.FrameFunc(o.driver.CaptureFrontFrame),
			})
			relay.WaitForStream("rtsp://"+s.MediamtxInternal+path, time.Duration(s.StreamReadyTimeoutSec)*time.Second)
		}
	}

	if s.EnableExternalRTSP && s.ExternalRTSPURL != "" && o.relays != nil {
		path, err := o.relays.StartExternalRTSPRelay(o.cfg.RobotID, s.ExternalRTSPURL, s.MediamtxInternal)
		if err != nil {
			logger.Errorf("外部 RTSP relay 启动失败: %v", err)
		} else {
			streams = append(streams, monitor.StreamConfig{
				Name: "External Camera",
				URL:  "rtsp://" + s.MediamtxExternal + path,
				Type: monitor.StreamExternal,
			})
			relay.WaitForStream("rtsp://"+s.MediamtxInternal+path, time.Duration(s.StreamReadyTimeoutSec)*time.Second)
		}
	}

	if len(streams) == 0 || len(s.LiveMonitorRules) == 0 {
		return false
	}

	if err := o.monitor.Start(ctx, runID, monitor.SessionConfig{
		Streams: streams,
		Rules:   s.LiveMonitorRules,
	}); err != nil {
		logger.Errorf("实时告警监控启动失败: %v", err)
		return false
	}
	return true
}
