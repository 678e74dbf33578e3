package patrol

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sigma-robotics/patrol/internal/store"
	"github.com/sigma-robotics/patrol/pkg/logger"
	"github.com/sigma-robotics/patrol/pkg/loop"
)

// Scheduler 定时巡逻触发器。每个 tick 读一遍 schedule 表，
// 到点且当天未触发过的条目启动一次巡逻。
type Scheduler struct {
	db       *store.Store
	orch     *Orchestrator
	interval time.Duration
	loc      *time.Location
	runner   *loop.Loop

	lastTriggered map[string]bool // "{id}_{date}" -> 已触发
}

// NewScheduler 创建调度器。tzName 非法时退回 UTC。
func NewScheduler(db *store.Store, orch *Orchestrator, tzName string, interval time.Duration) *Scheduler {
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		logger.Warnf("时区 %q 加载失败，使用 UTC: %v", tzName, err)
		loc = time.UTC
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		db:            db,
		orch:          orch,
		interval:      interval,
		loc:           loc,
		runner:        loop.New("schedule-checker"),
		lastTriggered: make(map[string]bool),
	}
}

// Start 启动后台检查循环
func (s *Scheduler) Start(ctx context.Context) {
	s.runner.Start(ctx, s.interval, func(ctx context.Context, tickC <-chan time.Time) {
		for {
			select {
			case <-ctx.Done():
				return
			case <-tickC:
			}
			s.check(ctx, time.Now().In(s.loc))
		}
	})
}

// Stop 停止检查循环
func (s *Scheduler) Stop() {
	s.runner.StopAndJoin(5 * time.Second)
}

// check 单轮检查。weekday 以 0=周一 计。
func (s *Scheduler) check(ctx context.Context, now time.Time) {
	schedules, err := s.db.ListSchedules(ctx)
	if err != nil {
		logger.Errorf("读取定时巡逻失败: %v", err)
		return
	}

	timeStr := now.Format("15:04")
	day := (int(now.Weekday()) + 6) % 7
	date := now.Format("2006-01-02")

	for _, sc := range schedules {
		if !sc.Enabled {
			continue
		}
		if !containsDay(sc.Days, day) {
			continue
		}
		if sc.Time != timeStr {
			continue
		}

		key := fmt.Sprintf("%s_%s", sc.ID, date)
		if s.lastTriggered[key] {
			continue
		}

		if s.orch.IsPatrolling() {
			logger.Infof("定时巡逻 %s 跳过：已有任务在跑", sc.ID)
			continue
		}

		logger.Infof("定时巡逻触发: %s @ %s", sc.ID, sc.Time)
		s.lastTriggered[key] = true
		if ok, msg := s.orch.StartPatrol(); !ok {
			logger.Warnf("定时巡逻 %s 启动失败: %s", sc.ID, msg)
		}
	}

	// 只保留当天的触发记录
	for key := range s.lastTriggered {
		if !strings.HasSuffix(key, date) {
			delete(s.lastTriggered, key)
		}
	}
}

func containsDay(days []int, day int) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}
