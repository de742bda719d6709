package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"r2r-test-station/internal/printer"
	"r2r-test-station/internal/telemetry"
	"r2r-test-station/internal/tester"
)

var (
	engineAddr  string
	printerAddr string
	detect      bool
	profile     tester.RandomProfile
)

// rootCmd 启动夹具模拟器：HTTP 测试引擎和 TCP 打印机，供无硬件联调
var rootCmd = &cobra.Command{
	Use:          "fixture-sim",
	Short:        "射频测试引擎与标签打印机模拟器",
	SilenceUsage: true,
	RunE:         runSim,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&engineAddr, "engine-addr", ":9090", "测试引擎 HTTP 监听地址")
	f.StringVar(&printerAddr, "printer-addr", ":9100", "打印机 TCP 监听地址，为空则不启动")
	f.BoolVar(&detect, "product-detect", false, "模拟产品检测触发打印（工站关闭 line_selection 时使用）")
	f.Int64Var(&profile.Seed, "seed", time.Now().UnixNano(), "随机种子")
	f.Float64Var(&profile.PassRate, "pass-rate", 0.9, "有响应单元的通过概率")
	f.Float64Var(&profile.MissingRate, "missing-rate", 0.02, "无单元响应的概率")
	f.Float64Var(&profile.DuplicateRate, "duplicate-rate", 0.01, "重复单元的概率")
}

func runSim(cmd *cobra.Command, _ []string) error {
	logger := telemetry.SetupLogger().With("service", "fixture-sim")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if printerAddr != "" {
		sim, err := printer.NewSimulator(printerAddr, logger)
		if err != nil {
			return fmt.Errorf("启动打印机模拟器: %w", err)
		}
		defer sim.Close()
		sim.SetProductDetect(detect)
		logger.Info("打印机模拟器启动", "addr", sim.Addr(), "product_detect", detect)
	}

	engine := tester.NewRandomEngine(profile)
	srv := &http.Server{
		Addr:              engineAddr,
		Handler:           tester.Handler(engine, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("测试引擎模拟器启动", "addr", engineAddr, "pass_rate", profile.PassRate,
			"missing_rate", profile.MissingRate, "duplicate_rate", profile.DuplicateRate)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("接收到停机信号，正在关闭...", "tests_served", engine.Calls())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
