package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"r2r-test-station/internal/config"
	"r2r-test-station/internal/event"
	"r2r-test-station/internal/handlers"
	"r2r-test-station/internal/persistence"
	"r2r-test-station/internal/report"
	"r2r-test-station/internal/station"
	"r2r-test-station/internal/store"
	"r2r-test-station/internal/telemetry"
	"r2r-test-station/internal/types"
	"r2r-test-station/internal/util"
	"r2r-test-station/internal/web"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "执行一次运行，直到满足停机条件、出现故障或收到停机信号",
	RunE:  runStation,
}

func runStation(cmd *cobra.Command, _ []string) error {
	// 1. 初始化日志和配置
	logger := telemetry.SetupLogger()
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("加载配置失败", "error", err)
		return err
	}
	runID := util.NewRunID()
	logger = telemetry.WithRunID(logger, runID).With("station", cfg.Station.Name)

	// 2. 运行日志与起点
	journal, err := persistence.OpenJournal(cfg.Report.JournalPath)
	if err != nil {
		return err
	}
	defer journal.Close()

	start := station.Start{Counter: cfg.Printer.StartCounter}
	if cfg.Resume {
		rp, err := journal.ResumePoint()
		if err != nil {
			return fmt.Errorf("读取恢复点失败: %w", err)
		}
		if rp.Found {
			start = station.Start{Counter: rp.NextExternalCounter, ReelLocation: rp.ReelLocation}
			logger.Info("从运行日志恢复", "previous_run", rp.RunID, "complete", rp.Complete,
				"next_external_counter", rp.NextExternalCounter, "reel_location", rp.ReelLocation)
		}
	}
	if err := journal.RunStarted(runID, start.Counter, start.ReelLocation); err != nil {
		return err
	}

	// 3. 报告去向
	sinks := handlers.Sinks{Journal: journal}
	if cfg.Report.SQLitePath != "" {
		db, err := store.New(cfg.Report.SQLitePath)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.StartRun(cmd.Context(), runID, start.Counter, start.ReelLocation, time.Now()); err != nil {
			return err
		}
		sinks.Store = db
	}
	if cfg.Report.AMQPURL != "" {
		if pub, closeFn, err := openPublisher(cfg, logger); err != nil {
			// 消息代理不可用不影响生产，报告仍落在本地日志和数据库
			logger.Warn("消息代理不可用，跳过消息发布", "error", err)
		} else {
			defer closeFn()
			sinks.Publisher = pub
		}
	}

	hub := web.NewHub(logger)
	tracker := web.NewStateTracker(cfg.Station.Name, hub)
	sinks.Tracker = tracker

	events := event.NewBus()
	handlers.RegisterEventHandlers(events, sinks, logger)

	// 4. 装配工作者和控制器
	asm, err := station.Assemble(cfg, runID, start, events, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              cfg.Report.HTTPAddr,
		Handler:           newMux(hub, tracker),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 5. 控制器与 HTTP 服务一起运行，任一出错则整体退出
	g, gctx := errgroup.WithContext(ctx)
	hubCtx, stopHub := context.WithCancel(gctx)
	defer stopHub()
	runDone := make(chan struct{})
	var summary types.RunSummary

	g.Go(func() error {
		defer close(runDone)
		var err error
		summary, err = asm.Controller.Run(gctx)
		return err
	})
	g.Go(func() error {
		hub.Run(hubCtx)
		return nil
	})
	g.Go(func() error {
		logger.Info("HTTP 服务启动", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-runDone:
		case <-gctx.Done():
		}
		stopHub()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	<-runDone
	printSummary(summary)
	return err
}

func openPublisher(cfg *config.Config, logger *slog.Logger) (*report.Publisher, func(), error) {
	conn, err := report.Dial(cfg.Report.AMQPURL, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := report.SetupTopology(conn, cfg.Report.AMQPExchange); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return report.NewPublisher(conn, cfg.Report.AMQPExchange, cfg.Station.Name, logger), func() { conn.Close() }, nil
}

// newMux 注册指标、看板推送和状态快照接口
func newMux(hub *web.Hub, tracker *web.StateTracker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", hub.ServeWs)
	mux.HandleFunc("/api/state", tracker.ServeState)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func printSummary(s types.RunSummary) {
	if s.RunID == "" {
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(s)
}
