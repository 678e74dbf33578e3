package patrol

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sigma-robotics/patrol/internal/config"
	"github.com/sigma-robotics/patrol/internal/store"
	"github.com/sigma-robotics/patrol/internal/vlm"
	"github.com/sigma-robotics/patrol/pkg/logger"
	"github.com/sigma-robotics/patrol/pkg/loop"
)

// reportItem 报告生成用的单点结果
type reportItem struct {
	Point  string
	Result string
}

// resultList 任务线程与 worker 共享的结果列表。
// worker 追加，任务线程只在队列屏障之后读取。
type resultList struct {
	mu    sync.Mutex
	items []reportItem
}

func (r *resultList) append(item reportItem) {
	r.mu.Lock()
	r.items = append(r.items, item)
	r.mu.Unlock()
}

func (r *resultList) snapshot() []reportItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]reportItem, len(r.items))
	copy(out, r.items)
	return out
}

// inspectionTask turbo 模式下入队的一次检查任务
type inspectionTask struct {
	runID      int64
	point      config.PatrolPoint
	imagePath  string
	userPrompt string
	sysPrompt  string
	imgUUID    string
	results    *resultList
}

// Worker turbo 模式的后台检查消费者。单 goroutine 串行消费，
// Enqueue/Join 构成队列屏障：Join 返回时所有已入队任务均已处理完。
type Worker struct {
	ai         vlm.Client
	db         *store.Store
	robotID    string
	imagesRoot string

	tasks   chan inspectionTask
	pending sync.WaitGroup
	runner  *loop.Loop
}

// NewWorker 创建检查 worker
func NewWorker(ai vlm.Client, db *store.Store, robotID, imagesRoot string) *Worker {
	return &Worker{
		ai:         ai,
		db:         db,
		robotID:    robotID,
		imagesRoot: imagesRoot,
		tasks:      make(chan inspectionTask, 64),
		runner:     loop.New("inspection-worker"),
	}
}

// Start 启动消费循环
func (w *Worker) Start(ctx context.Context) {
	w.runner.Start(ctx, 0, func(ctx context.Context, _ <-chan time.Time) {
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-w.tasks:
				w.process(ctx, t)
			}
		}
	})
}

// Stop 停止消费循环
func (w *Worker) Stop() {
	w.runner.StopAndJoin(10 * time.Second)
}

// Enqueue 入队一次检查任务
func (w *Worker) Enqueue(t inspectionTask) {
	w.pending.Add(1)
	w.tasks <- t
}

// Join 阻塞直到所有已入队任务处理完成（queue.join 语义）
func (w *Worker) Join() {
	w.pending.Wait()
}

// process 处理单个任务。任何失败都必须走到 Done，否则 Join 会死锁。
func (w *Worker) process(ctx context.Context, t inspectionTask) {
	defer w.pending.Done()

	pointName := t.point.Name
	logger.Infof("worker: 处理 %s", pointName)

	image, err := os.ReadFile(t.imagePath)
	if err != nil {
		logger.Errorf("worker: 读取图片失败 (%s): %v", pointName, err)
		return
	}

	var outcome vlm.Outcome
	result, err := w.ai.GenerateInspection(ctx, image, t.userPrompt, t.sysPrompt)
	if err != nil {
		logger.Errorf("worker: AI 调用失败 (%s): %v", pointName, err)
		outcome = vlm.Outcome{
			ResultText:  fmt.Sprintf("AI Error: %v", err),
			Description: err.Error(),
		}
	} else {
		outcome = *result
	}

	newPath := renameImage(t.imagePath, pointName, outcome.IsNG, t.imgUUID)
	saveInspection(ctx, w.db, w.robotID, w.imagesRoot, t.runID, t.point, t.userPrompt, &outcome, newPath, "Success")

	t.results.append(reportItem{Point: pointName, Result: outcome.ResultText})
	logger.Infof("worker: 完成 %s", pointName)
}

// renameImage 把临时图片重命名为 {点位}_{OK|NG}_{uuid}.jpg，失败时保留原路径
func renameImage(imagePath, pointName string, isNG bool, imgUUID string) string {
	safe := safePointName(pointName)
	tag := "OK"
	if isNG {
		tag = "NG"
	}
	newPath := filepath.Join(filepath.Dir(imagePath), fmt.Sprintf("%s_%s_%s.jpg", safe, tag, imgUUID))
	if err := os.Rename(imagePath, newPath); err != nil {
		logger.Warnf("图片重命名失败: %v", err)
		return imagePath
	}
	return newPath
}

func safePointName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	return strings.ReplaceAll(name, "\\", "_")
}

// saveInspection 写入检查结果。DB 错误只记日志，任务继续。
func saveInspection(ctx context.Context, db *store.Store, robotID, imagesRoot string,
	runID int64, point config.PatrolPoint, prompt string, outcome *vlm.Outcome, imagePath, moveStatus string) {

	relPath := imagePath
	if imagesRoot != "" && imagePath != "" {
		if rel, err := filepath.Rel(imagesRoot, imagePath); err == nil && !strings.HasPrefix(rel, "..") {
			relPath = rel
		}
	}

	r := &store.InspectionResult{
		RunID:        runID,
		PointName:    point.Name,
		CoordinateX:  point.X,
		CoordinateY:  point.Y,
		Prompt:       prompt,
		AIResponse:   outcome.ResultText,
		IsNG:         outcome.IsNG,
		Description:  outcome.Description,
		TokenUsage:   outcome.UsageJSON,
		Tokens:       store.TokenCounts{Input: outcome.Usage.InputTokens, Output: outcome.Usage.OutputTokens, Total: outcome.Usage.TotalTokens},
		ImagePath:    relPath,
		MovingStatus: moveStatus,
		RobotID:      robotID,
	}
	if err := db.InsertInspection(ctx, r); err != nil {
		logger.Errorf("检查结果落库失败 (%s): %v", point.Name, err)
	}
}
