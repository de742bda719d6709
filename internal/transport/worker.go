// Package transport 驱动卷对卷设备：每次前进输出一个脉冲并通知下游工作者单元已到位。
package transport

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"r2r-test-station/internal/fsm"
	"r2r-test-station/internal/metrics"
	"r2r-test-station/internal/signal"
	"r2r-test-station/internal/types"
	"r2r-test-station/internal/worker"
)

const (
	StateIdle      fsm.State = "IDLE"
	StateAdvancing fsm.State = "ADVANCING"
	StateStopped   fsm.State = "STOPPED"

	EventAdvance fsm.Event = "ADVANCE"
	EventSettled fsm.Event = "SETTLED"
	EventStop    fsm.Event = "STOP"
)

// Transitions 是卷带状态机的转移表
var Transitions = []fsm.Transition{
	{From: StateIdle, Event: EventAdvance, To: StateAdvancing},
	{From: StateAdvancing, Event: EventSettled, To: StateIdle},
	{From: StateIdle, Event: EventStop, To: StateStopped},
	{From: StateAdvancing, Event: EventStop, To: StateStopped},
}

// requestFlags 按优先级排列：停止优先于一切前进请求
var requestFlags = []signal.Flag{
	signal.TransportStop,
	signal.MissingLabelOn,
	signal.MissingLabelOff,
	signal.TransportStart,
	signal.AdvanceMissing,
	signal.AdvanceFail,
	signal.AdvancePass,
}

// pollInterval 等待请求的单次超时，用于检查 ctx
const pollInterval = 200 * time.Millisecond

// Config 是卷带工作者参数
type Config struct {
	PulseWidth       time.Duration
	PrintOffset      int  // 脉冲队列预置的 Fail 数
	MissingLabelMode bool // 启动时是否打开缺标模式
}

// Worker 是卷带工作者，脉冲队列只在自己的 goroutine 内访问
type Worker struct {
	worker.Base
	cfg      Config
	act      Actuator
	machine  *fsm.FSM
	pulses   []types.PulseLine
	running  bool // 运行线是否已使能
	advances atomic.Int64
}

// New 创建卷带工作者
func New(bus *signal.Bus, act Actuator, cfg Config, logger *slog.Logger) *Worker {
	w := &Worker{
		Base: worker.NewBase(types.WorkerTransport, bus, logger),
		cfg:  cfg,
		act:  act,
	}
	w.machine = fsm.New(string(types.WorkerTransport), StateIdle, Transitions, w.Logger())
	for i := 0; i < cfg.PrintOffset; i++ {
		w.pulses = append(w.pulses, types.PulseFail)
	}
	return w
}

// State 返回当前状态
func (w *Worker) State() fsm.State { return w.machine.Current() }

// Advances 返回已完成的前进次数
func (w *Worker) Advances() int64 { return w.advances.Load() }

// Run 主循环：等待前进/停止请求，直到 TransportStop、ctx 取消或执行器出错
func (w *Worker) Run(ctx context.Context) error {
	bus := w.Bus()
	logger := w.Logger()
	defer w.MarkExited()
	defer w.shutdown()

	if w.cfg.MissingLabelMode {
		if err := w.act.SetAux(ctx, types.AuxMissingLabel, true); err != nil {
			return w.Fault(types.FaultActuatorIO, err, "enable missing-label aux line")
		}
	}
	w.MarkUp()

	for {
		if ctx.Err() != nil {
			return nil
		}
		f, ok := bus.WaitAny(pollInterval, requestFlags...)
		if !ok {
			continue
		}
		bus.Clear(f)

		var err error
		switch f {
		case signal.TransportStop:
			logger.Info("收到停止请求", "advances", w.advances.Load())
			return nil
		case signal.MissingLabelOn, signal.MissingLabelOff:
			on := f == signal.MissingLabelOn
			w.cfg.MissingLabelMode = on
			if err = w.act.SetAux(ctx, types.AuxMissingLabel, on); err != nil {
				return w.Fault(types.FaultActuatorIO, err, "set missing-label aux line")
			}
			continue
		case signal.TransportStart:
			// 第一个位置还没有测试结论，按 Fail 处理
			err = w.advance(ctx, types.OutcomeFail, false)
		case signal.AdvanceMissing:
			err = w.advance(ctx, types.OutcomeMissingLabel, true)
		case signal.AdvanceFail:
			err = w.advance(ctx, types.OutcomeFail, false)
		case signal.AdvancePass:
			err = w.advance(ctx, types.OutcomePass, false)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return w.Fault(types.FaultActuatorIO, err, "advance after %d steps", w.advances.Load())
		}
	}
}

// advance 推进一步：入队本次结论的脉冲，输出队首脉冲，然后通知下游
func (w *Worker) advance(ctx context.Context, outcome types.Outcome, missing bool) error {
	start := time.Now()
	if err := w.machine.Fire(EventAdvance); err != nil {
		return err
	}

	if missing && w.cfg.MissingLabelMode && w.running {
		// 缺标模式下重新使能运行线
		if err := w.act.RunLine(ctx, false); err != nil {
			return err
		}
		w.running = false
	}
	if !w.running {
		if err := w.act.RunLine(ctx, true); err != nil {
			return err
		}
		w.running = true
	}

	w.pulses = append(w.pulses, outcome.Pulse())
	head := w.pulses[0]
	w.pulses = w.pulses[1:]
	if err := w.act.Pulse(ctx, head, w.cfg.PulseWidth); err != nil {
		return err
	}
	metrics.PulsesTotal.WithLabelValues(string(head)).Inc()

	if err := w.machine.Fire(EventSettled); err != nil {
		return err
	}
	n := w.advances.Add(1)
	metrics.AdvanceDuration.Observe(time.Since(start).Seconds())
	w.Logger().Debug("卷带前进", "outcome", outcome, "pulse", head, "advances", n)

	bus := w.Bus()
	bus.Set(signal.TransportReady)
	bus.Set(signal.PrintTick)
	bus.Set(signal.ScanTick)
	return nil
}

// shutdown 关闭运行线并进入终态，之后不会再输出脉冲
func (w *Worker) shutdown() {
	// ctx 可能已取消，关闭输出线使用独立的 ctx
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if w.running {
		if err := w.act.RunLine(ctx, false); err != nil {
			w.Logger().Error("关闭运行线失败", "error", err)
		}
		w.running = false
	}
	if w.cfg.MissingLabelMode {
		if err := w.act.SetAux(ctx, types.AuxMissingLabel, false); err != nil {
			w.Logger().Error("关闭缺标辅助线失败", "error", err)
		}
	}
	if w.machine.Can(EventStop) {
		_ = w.machine.Fire(EventStop)
	}
}

// RequestAdvance 请求卷带以给定结论前进一步
func RequestAdvance(bus *signal.Bus, outcome types.Outcome) {
	switch outcome {
	case types.OutcomePass:
		bus.Set(signal.AdvancePass)
	case types.OutcomeMissingLabel:
		bus.Set(signal.AdvanceMissing)
	default:
		bus.Set(signal.AdvanceFail)
	}
}

// EnableMissingLabelMode 打开缺标模式
func EnableMissingLabelMode(bus *signal.Bus) { bus.Set(signal.MissingLabelOn) }

// DisableMissingLabelMode 关闭缺标模式
func DisableMissingLabelMode(bus *signal.Bus) { bus.Set(signal.MissingLabelOff) }

// RequestStop 请求卷带停止
func RequestStop(bus *signal.Bus) { bus.Set(signal.TransportStop) }
