// Package station 实现站控制器：启动工作者、每个 tick 汇总故障和计数、执行停机流程。
package station

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"r2r-test-station/internal/event"
	"r2r-test-station/internal/fsm"
	"r2r-test-station/internal/metrics"
	"r2r-test-station/internal/signal"
	"r2r-test-station/internal/transport"
	"r2r-test-station/internal/types"
	"r2r-test-station/internal/util"
)

// ErrAlreadyUsed 控制器只能运行一次
var ErrAlreadyUsed = errors.New("station controller already used")

// 控制器状态
const (
	StateStarting fsm.State = "STARTING"
	StateRunning  fsm.State = "RUNNING"
	StateDraining fsm.State = "DRAINING"
	StateStopped  fsm.State = "STOPPED"
)

// 控制器事件
const (
	EventStarted fsm.Event = "STARTED"
	EventDrain   fsm.Event = "DRAIN"
	EventStopped fsm.Event = "STOPPED"
)

// Transitions 是控制器状态转移表，Stopped 为终态
var Transitions = []fsm.Transition{
	{From: StateStarting, Event: EventStarted, To: StateRunning},
	{From: StateStarting, Event: EventDrain, To: StateDraining},
	{From: StateRunning, Event: EventDrain, To: StateDraining},
	{From: StateDraining, Event: EventStopped, To: StateStopped},
}

// Worker 是控制器管理的工作者
type Worker interface {
	ID() types.WorkerID
	Run(ctx context.Context) error
	Faults() <-chan types.FaultRecord
}

// CounterSource 提供只读的运行计数
type CounterSource interface {
	Snapshot() types.CountersSnapshot
	NextExternalCounter() int64
}

// Options 是控制器参数
type Options struct {
	RunID        string
	Offsets      types.PipelineOffset
	Printing     bool
	Scanning     bool
	Tick         time.Duration
	StartTimeout time.Duration
	DrainTimeout time.Duration
	ReelLocation int64 // 本次运行开始时的卷带位置
}

// Controller 是站控制器，工作者之间的所有协调都经过信号总线
type Controller struct {
	opts     Options
	bus      *signal.Bus
	events   *event.Bus
	policy   *StopPolicy
	counters CounterSource
	workers  []Worker
	machine  *fsm.FSM
	logger   *slog.Logger

	used     atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	finish   sync.Once
}

// New 创建控制器；workers 按启动顺序给出（卷带、打印、校验、测试）
func New(bus *signal.Bus, events *event.Bus, policy *StopPolicy, counters CounterSource, opts Options, logger *slog.Logger, workers ...Worker) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Tick <= 0 {
		opts.Tick = 100 * time.Millisecond
	}
	if events == nil {
		events = event.NewBus()
	}
	c := &Controller{
		opts:     opts,
		bus:      bus,
		events:   events,
		policy:   policy,
		counters: counters,
		workers:  workers,
		logger:   logger.With("component", string(types.WorkerController), "run_id", opts.RunID),
		stop:     make(chan struct{}),
	}
	c.machine = fsm.New(opts.RunID, StateStarting, Transitions, c.logger)
	for _, s := range []fsm.State{StateStarting, StateRunning, StateDraining, StateStopped} {
		// 回调在状态机锁内执行，不能再调用 Current
		c.machine.RegisterCallback(s, func(runID string, from fsm.State, _ fsm.Event) {
			c.onState(runID, from, s)
		})
	}
	setStateGauge(StateStarting)
	return c
}

func (c *Controller) onState(runID string, from, to fsm.State) {
	c.logger.Info("控制器状态变更", "from", from, "to", to)
	setStateGauge(to)
	c.events.Publish(event.Event{Type: event.StateChanged, RunID: runID, State: string(to)})
}

func setStateGauge(current fsm.State) {
	for _, s := range []fsm.State{StateStarting, StateRunning, StateDraining, StateStopped} {
		v := 0.0
		if s == current {
			v = 1
		}
		metrics.StationState.WithLabelValues(string(s)).Set(v)
	}
}

// State 返回控制器当前状态
func (c *Controller) State() fsm.State { return c.machine.Current() }

// Stop 请求操作员停机，可在任意 goroutine 调用
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Run 执行一次完整运行并返回最终汇总。故障停机时同时返回包装了故障的错误。
func (c *Controller) Run(ctx context.Context) (types.RunSummary, error) {
	if !c.used.CompareAndSwap(false, true) {
		return types.RunSummary{}, ErrAlreadyUsed
	}
	started := time.Now()
	c.seedQueues()

	// 工作者只通过完成标志退出，drain 超时后才取消
	wctx, cancel := context.WithCancel(util.ContextWithRunID(context.WithoutCancel(ctx), c.opts.RunID))
	defer cancel()

	var wg sync.WaitGroup
	var result outcome
	for _, w := range c.workers {
		wg.Add(1)
		go func(w Worker) {
			defer wg.Done()
			if err := w.Run(wctx); err != nil {
				c.logger.Warn("工作者异常退出", "worker", w.ID(), "error", err)
			}
		}(w)
		if r, ok := c.awaitUp(ctx, w); !ok {
			result = r
			break
		}
	}

	if !result.Stop {
		_ = c.machine.Fire(EventStarted)
		c.bus.Set(signal.TransportStart)
		result = c.loop(ctx)
	}
	_ = c.machine.Fire(EventDrain)

	summary := c.drain(&wg, cancel, result, started)
	_ = c.machine.Fire(EventStopped)

	if summary.Fault != nil && !summary.Planned {
		return summary, fmt.Errorf("run %s stopped by fault: %w", c.opts.RunID, *summary.Fault)
	}
	return summary, nil
}

// outcome 是运行结束原因，携带触发它的故障
type outcome struct {
	Decision
	Planned bool
	Fault   *types.FaultRecord
}

func (c *Controller) seedQueues() {
	if c.opts.Printing {
		c.bus.AddChannel(signal.PrintQueue, c.opts.Offsets.Print+1).Seed(c.opts.Offsets.Print)
	}
	if c.opts.Scanning {
		c.bus.AddChannel(signal.ScanQueue, c.opts.Offsets.Scan+2).Seed(c.opts.Offsets.Scan)
	}
}

// awaitUp 等待工作者初始化完成；工作者先退出、上报故障或超时则启动失败
func (c *Controller) awaitUp(ctx context.Context, w Worker) (outcome, bool) {
	deadline := time.Now().Add(c.opts.StartTimeout)
	for {
		f, ok := c.bus.WaitAny(100*time.Millisecond, signal.Up(w.ID()), signal.Exited(w.ID()))
		if ok && f == signal.Up(w.ID()) {
			return outcome{}, true
		}
		if ctx.Err() != nil {
			return outcome{Decision: stopWith(types.CauseOperator, "cancelled during start-up"), Planned: true}, false
		}
		if ok || time.Now().After(deadline) {
			break
		}
	}

	var fault types.FaultRecord
	select {
	case fault = <-w.Faults():
	default:
		fault = types.NewFault(w.ID(), types.FaultWorkerStartup, nil, "worker not up within %s", c.opts.StartTimeout)
	}
	if fault.Severity != types.SeverityFatal {
		fault.Severity = types.SeverityFatal
	}
	c.record(fault)
	return outcome{Decision: stopWith(types.CauseFault, "start-up of %s failed", w.ID()), Fault: &fault}, false
}

func (c *Controller) loop(ctx context.Context) outcome {
	ticker := time.NewTicker(c.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return outcome{Decision: stopWith(types.CauseOperator, "context cancelled"), Planned: true}
		case <-c.stop:
			return outcome{Decision: stopWith(types.CauseOperator, "operator stop"), Planned: true}
		case <-ticker.C:
			if r := c.tick(); r.Stop {
				return r
			}
		}
	}
}

// tick 先取空所有故障通道，再评估停机策略
func (c *Controller) tick() outcome {
	var result outcome
	var exited []types.WorkerID
	for _, w := range c.workers {
		// 工作者先上报故障再置退出标志，所以先看标志再取故障
		if c.bus.IsSet(signal.Exited(w.ID())) {
			exited = append(exited, w.ID())
		}
		for drained := false; !drained; {
			select {
			case f := <-w.Faults():
				c.record(f)
				if r := classify(f); r.Stop && !result.Stop {
					result = r
				}
			default:
				drained = true
			}
		}
	}
	if !result.Stop && len(exited) > 0 {
		f := types.NewFault(exited[0], types.FaultWorkerStartup, nil, "worker exited while running")
		f.Severity = types.SeverityFatal
		c.record(f)
		result = outcome{Decision: stopWith(types.CauseFault, "%s exited", exited[0]), Fault: &f}
	}

	snap := c.counters.Snapshot()
	c.events.Publish(event.Event{Type: event.CountersUpdated, RunID: c.opts.RunID, Counters: &snap})
	for name, st := range c.bus.Stats().Channels {
		metrics.QueueDepth.WithLabelValues(string(name)).Set(float64(st.Depth))
	}
	if result.Stop || c.policy == nil {
		return result
	}

	d, err := c.policy.Evaluate(snap)
	if err != nil {
		c.logger.Error("停机规则执行失败", "error", err)
		return result
	}
	if y, ok := c.policy.WindowYield(); ok {
		metrics.Yield.WithLabelValues("window").Set(y)
	}
	if d.Stop {
		c.logger.Info("满足停机条件", "cause", d.Cause, "detail", d.Detail)
		return outcome{Decision: d, Planned: true}
	}
	return result
}

// classify 把故障映射为停机原因：可重试故障只记录，计划内故障按正常完成停机
func classify(f types.FaultRecord) outcome {
	switch f.Severity {
	case types.SeverityRetryable:
		return outcome{}
	case types.SeverityPlanned:
		cause := types.CauseFault
		if f.Kind == types.FaultMissingLabelStreak {
			cause = types.CauseMissingLabelStreak
		}
		return outcome{Decision: stopWith(cause, "%s", f.Message), Planned: true, Fault: &f}
	default:
		return outcome{Decision: stopWith(types.CauseFault, "%s", f.Message), Fault: &f}
	}
}

func (c *Controller) record(f types.FaultRecord) {
	metrics.FaultsTotal.WithLabelValues(string(f.Worker), string(f.Kind), string(f.Severity)).Inc()
	c.logger.Warn("收到故障", "worker", f.Worker, "kind", f.Kind, "severity", f.Severity, "message", f.Message)
	c.events.Publish(event.Event{Type: event.FaultRaised, RunID: c.opts.RunID, Fault: &f})
}

// drain 停止卷带、通知各工作者退出、丢弃在途期望，并只刷新一次最终汇总
func (c *Controller) drain(wg *sync.WaitGroup, cancel context.CancelFunc, result outcome, started time.Time) types.RunSummary {
	c.logger.Info("开始停机", "cause", result.Cause, "detail", result.Detail)
	transport.RequestStop(c.bus)
	for _, f := range []signal.Flag{signal.DoneTester, signal.DonePrinter, signal.DoneValidator} {
		c.bus.Set(f)
	}
	discarded := c.drainQueues()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.opts.DrainTimeout):
		var pending []types.WorkerID
		for _, w := range c.workers {
			if !c.bus.IsSet(signal.Exited(w.ID())) {
				pending = append(pending, w.ID())
			}
		}
		c.logger.Error("工作者未在期限内退出，强制取消", "pending", pending, "timeout", c.opts.DrainTimeout)
		cancel()
		<-done
	}
	discarded += c.drainQueues()

	// 停机过程中的故障只记录，不改变停机原因
	for _, w := range c.workers {
		for drained := false; !drained; {
			select {
			case f := <-w.Faults():
				c.record(f)
			default:
				drained = true
			}
		}
	}

	snap := c.counters.Snapshot()
	summary := types.RunSummary{
		RunID:               c.opts.RunID,
		Cause:               result.Cause,
		Planned:             result.Planned,
		Detail:              result.Detail,
		Fault:               result.Fault,
		Counters:            snap,
		Discarded:           discarded,
		NextExternalCounter: c.counters.NextExternalCounter(),
		ReelLocation:        c.opts.ReelLocation + snap.Location,
		StartedAt:           started,
		FinishedAt:          time.Now(),
	}
	c.finish.Do(func() {
		c.logger.Info("运行结束", "cause", summary.Cause, "planned", summary.Planned,
			"tested", snap.Tested, "passed", snap.Passed, "discarded", discarded)
		c.events.PublishSync(event.Event{Type: event.RunFinished, RunID: c.opts.RunID, Counters: &snap, Summary: &summary})
	})
	return summary
}

func (c *Controller) drainQueues() int {
	n := 0
	for _, name := range []signal.QueueName{signal.PrintQueue, signal.ScanQueue} {
		if ch := c.bus.Channel(name); ch != nil {
			n += ch.Drain()
		}
	}
	return n
}
