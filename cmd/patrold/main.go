package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sigma-robotics/patrol/internal/alertsvc"
	"github.com/sigma-robotics/patrol/internal/config"
	"github.com/sigma-robotics/patrol/internal/monitor"
	"github.com/sigma-robotics/patrol/internal/notify"
	"github.com/sigma-robotics/patrol/internal/patrol"
	"github.com/sigma-robotics/patrol/internal/relay"
	"github.com/sigma-robotics/patrol/internal/robot"
	"github.com/sigma-robotics/patrol/internal/server"
	"github.com/sigma-robotics/patrol/internal/store"
	"github.com/sigma-robotics/patrol/internal/vlm"
	"github.com/sigma-robotics/patrol/pkg/logger"
	"github.com/sigma-robotics/patrol/pkg/shutdown"
)

func main() {
	// .env 尽力加载，缺失时直接用真实环境变量
	_ = godotenv.Load()

	var configPath = flag.String("config", os.Getenv("PATROL_CONFIG"), "YAML config file path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	}); err != nil {
		log.Fatalf("init logger failed: %v", err)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Errorf("打开数据库失败: %v", err)
		os.Exit(1)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	s := cfg.Settings

	// 外部协作方
	var driver robot.Driver = robot.NewClient(cfg.DriverURL)
	ai := vlm.NewGeminiClient(cfg.VLMURL, cfg.VLMAPIKey, cfg.VLMModel)

	var notifier *notify.Telegram
	if s.EnableTelegram {
		notifier = notify.NewTelegram(s.TelegramBotToken, s.TelegramUserID)
	}

	relays := relay.NewManager(rootCtx, relay.Options{
		MaxRetries:     s.RelayMaxRetries,
		HealthInterval: time.Duration(s.RelayHealthIntervalSec) * time.Second,
		FeederInterval: time.Duration(s.RelayFeederIntervalMs) * time.Millisecond,
	})

	var mon *monitor.Monitor
	var testMon *monitor.TestMonitor
	if s.EnableLiveMonitor && s.AlertServiceURL != "" {
		svc := alertsvc.NewClient(s.AlertServiceURL)
		monOpts := monitor.Options{
			EvidenceDir:          cfg.DataDir + "/alerts",
			RobotID:              cfg.RobotID,
			MaxRules:             s.MaxAlertRules,
			Cooldown:             time.Duration(s.CooldownSec) * time.Second,
			RegisterRetries:      s.RegisterRetries,
			ReconnectDelay:       time.Duration(s.ReconnectDelaySec) * time.Second,
			ReconnectMaxAttempts: s.ReconnectMaxAttempts,
		}
		mon = monitor.New(svc, db, notifier, monOpts)
		testMon = monitor.NewTestMonitor(svc, monOpts)
	}

	worker := patrol.NewWorker(ai, db, cfg.RobotID, cfg.DataDir+"/images")
	worker.Start(rootCtx)

	orch := patrol.New(cfg, db, driver, ai, relays, mon, notifier, worker)

	scheduler := patrol.NewScheduler(db, orch, s.Timezone, time.Duration(s.ScheduleCheckIntervalSec)*time.Second)
	scheduler.Start(rootCtx)

	// 驱动连接失败不致命，巡逻启动时会再报错
	if err := driver.Connect(rootCtx); err != nil {
		logger.Warnf("机器人驱动连接失败: %v", err)
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.New(cfg, db, orch, relays, driver, testMon).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Infof("patrold 监听 %s (robot=%s)", cfg.ListenAddr, cfg.RobotID)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("HTTP 服务错误: %v", err)
		}
	}()

	mgr := shutdown.NewManager()
	mgr.OnShutdown(func(ctx context.Context) {
		_ = httpSrv.Shutdown(ctx)
	})
	mgr.OnShutdown(func(ctx context.Context) {
		orch.StopPatrol()
	})
	mgr.OnShutdown(func(ctx context.Context) {
		scheduler.Stop()
	})
	mgr.OnShutdown(func(ctx context.Context) {
		if mon != nil {
			mon.Stop()
		}
		if testMon != nil {
			testMon.Stop()
		}
	})
	mgr.OnShutdown(func(ctx context.Context) {
		relays.Shutdown()
	})

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	<-stopCh

	logger.Info("收到退出信号，开始清理")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	mgr.Shutdown(ctx)

	rootCancel()
	worker.Stop()
	if err := db.Close(); err != nil {
		logger.Errorf("关闭数据库失败: %v", err)
	}
	logger.Info("patrold 已退出")
}
