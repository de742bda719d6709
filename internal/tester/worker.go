package tester

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"r2r-test-station/internal/event"
	"r2r-test-station/internal/metrics"
	"r2r-test-station/internal/signal"
	"r2r-test-station/internal/transport"
	"r2r-test-station/internal/types"
	"r2r-test-station/internal/util"
	"r2r-test-station/internal/worker"
)

// Config 是测试工作者参数
type Config struct {
	ReadyTimeout            time.Duration
	TriggerTimeout          time.Duration
	ValidationTimeout       time.Duration
	QueueTimeout            time.Duration
	MissingLabelMode        bool // 关闭时单个缺标即计划停机
	MaxMissingLabels        int
	MaxBlacklistAppearances int
	Printing                bool
	Scanning                bool
	Prefix                  string // 外部 ID 前缀
	Digits                  int    // 外部 ID 计数位数
	StartCounter            int64
}

// Worker 是测试工作者，计数器只在这里写入
type Worker struct {
	worker.Base
	cfg      Config
	engine   Engine
	events   *event.Bus
	runID    string
	counters Counters
	seen     map[string]int // 单元 ID -> 出现次数
	next     atomic.Int64   // 下一个外部 ID 计数
}

// New 创建测试工作者；events 可为 nil
func New(bus *signal.Bus, engine Engine, events *event.Bus, runID string, cfg Config, logger *slog.Logger) *Worker {
	if cfg.MaxMissingLabels < 1 {
		cfg.MaxMissingLabels = 1
	}
	w := &Worker{
		Base:   worker.NewBase(types.WorkerTester, bus, logger),
		cfg:    cfg,
		engine: engine,
		events: events,
		runID:  runID,
		seen:   make(map[string]int),
	}
	w.next.Store(cfg.StartCounter)
	return w
}

// Snapshot 返回计数快照，可在任意 goroutine 调用
func (w *Worker) Snapshot() types.CountersSnapshot { return w.counters.Snapshot() }

// NextExternalCounter 返回下一个将要分配的外部 ID 计数
func (w *Worker) NextExternalCounter() int64 { return w.next.Load() }

// ExternalID 按前缀和位数格式化外部 ID
func ExternalID(prefix string, digits int, counter int64) string {
	return fmt.Sprintf("%s%0*d", prefix, digits, counter)
}

// Run 主循环：等待到位、测试、分类、推送期望、等待校验、请求前进
func (w *Worker) Run(ctx context.Context) error {
	if w.runID != "" {
		ctx = util.ContextWithRunID(ctx, w.runID)
	}
	bus := w.Bus()
	defer w.MarkExited()
	w.MarkUp()

	for {
		f, ready := bus.WaitAny(w.cfg.ReadyTimeout, signal.DoneTester, signal.TransportReady)
		if ctx.Err() != nil || f == signal.DoneTester {
			return nil
		}
		start := time.Now()

		unit, presented, err := w.testOne(ctx, ready)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return w.Fault(types.FaultTestEngineIO, err, "test at location %d", unit.Location)
		}
		w.publish(unit)

		if unit.Outcome == types.OutcomeMissingLabel {
			streak := w.counters.missingLabelStreak.Load()
			if !w.cfg.MissingLabelMode || streak >= int64(w.cfg.MaxMissingLabels) {
				// 计划内停机：不再请求前进
				w.Report(types.NewFault(types.WorkerTester, types.FaultMissingLabelStreak, nil,
					"%d missing labels in a row at location %d", streak, unit.Location))
				return nil
			}
		}

		if presented {
			if stop, err := w.pushExpectation(unit); stop || err != nil {
				return err
			}
			if stop, err := w.awaitValidation(); stop || err != nil {
				return err
			}
		}

		metrics.TestCycleDuration.Observe(time.Since(start).Seconds())
		if bus.IsSet(signal.DoneTester) {
			return nil
		}
		transport.RequestAdvance(bus, unit.Outcome)
	}
}

// testOne 执行一个周期的测试并分类；presented 表示本周期有卷带到位
func (w *Worker) testOne(ctx context.Context, ready bool) (types.Unit, bool, error) {
	unit := types.Unit{
		Location: int(w.counters.location.Add(1)),
		TestedAt: time.Now(),
	}
	if !ready {
		// 卷带未到位
		unit.Outcome = types.OutcomeMissingLabel
		w.counters.record(unit.Outcome)
		return unit, false, nil
	}
	w.Bus().Clear(signal.TransportReady)

	res, found, err := w.engine.RunTest(ctx, w.cfg.TriggerTimeout)
	if err != nil {
		return unit, true, err
	}
	if !found {
		unit.Outcome = types.OutcomeMissingLabel
		w.counters.record(unit.Outcome)
		return unit, true, nil
	}

	unit.UnitID = res.UnitID
	unit.Metrics = res.Metrics
	w.seen[res.UnitID]++
	if n := w.seen[res.UnitID]; n > 1 {
		unit.Outcome = types.OutcomeDuplicate
		if n == w.cfg.MaxBlacklistAppearances {
			w.Logger().Warn("黑名单单元出现次数达到上限", "unit_id", res.UnitID, "appearances", n)
		}
	} else {
		unit.Outcome = res.Outcome
	}
	w.counters.record(unit.Outcome)

	if unit.Outcome == types.OutcomePass && w.cfg.Printing {
		counter := w.next.Add(1) - 1
		unit.ExternalID = ExternalID(w.cfg.Prefix, w.cfg.Digits, counter)
	}
	return unit, true, nil
}

// pushExpectation 把期望推入打印通道（不打印时直接推入扫描通道）
func (w *Worker) pushExpectation(u types.Unit) (bool, error) {
	var name signal.QueueName
	switch {
	case w.cfg.Printing:
		name = signal.PrintQueue
	case w.cfg.Scanning:
		name = signal.ScanQueue
	default:
		return false, nil
	}

	exp := types.Expectation{Location: u.Location, ExternalID: u.ExternalID, Outcome: u.Outcome.Printed()}
	ch := w.Bus().Channel(name)
	if ch == nil || !ch.Push(exp, w.cfg.QueueTimeout) {
		if w.Bus().IsSet(signal.DoneTester) {
			return true, nil
		}
		return true, w.Fault(types.FaultValidationTimeout, nil, "%s queue full, dropped %s", name, exp)
	}
	return false, nil
}

// awaitValidation 等待本步的打印/扫码确认后才允许卷带继续前进
func (w *Worker) awaitValidation() (bool, error) {
	bus := w.Bus()
	timeout := w.cfg.ValidationTimeout

	if w.cfg.Printing {
		f, ok := bus.WaitAny(timeout, signal.DoneTester, signal.PrinterError, signal.PrinterValidated)
		switch {
		case !ok:
			return true, w.Fault(types.FaultValidationTimeout, nil, "no printer validation within %s", timeout)
		case f == signal.DoneTester, f == signal.PrinterError:
			return true, nil
		}
		bus.Clear(signal.PrinterValidated)
	}

	if w.cfg.Scanning {
		f, ok := bus.WaitAny(timeout, signal.DoneTester, signal.ValidatorError, signal.ScanValidated, signal.ScanMismatch)
		switch {
		case !ok:
			return true, w.Fault(types.FaultValidationTimeout, nil, "no scan validation within %s", timeout)
		case f == signal.DoneTester, f == signal.ValidatorError:
			return true, nil
		case f == signal.ScanMismatch:
			w.Logger().Warn("扫码校验未通过，继续运行")
		}
		bus.Clear(f)
	}
	return false, nil
}

func (w *Worker) publish(u types.Unit) {
	w.Logger().Debug("单元分类", "location", u.Location, "unit_id", u.UnitID, "outcome", u.Outcome, "external_id", u.ExternalID)
	if w.events == nil {
		return
	}
	w.events.Publish(event.Event{Type: event.UnitTested, RunID: w.runID, Unit: &u})
}
