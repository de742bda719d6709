package printer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"r2r-test-station/internal/signal"
	"r2r-test-station/internal/types"
	"r2r-test-station/internal/worker"
)

// Config 是打印工作者参数
type Config struct {
	Address         string
	Timeout         time.Duration
	CommandAttempts int
	PassJob         string
	FailJob         string
	PassLine        int
	FailLine        int
	JobFormat       JobFormat
	Prefix          string
	Digits          int
	StartCounter    int64
	LineSelection   bool // 每个单元发送 LSL
	CompareLine     bool // 校验当前任务与期望一致
	Scanning        bool // 把出队的期望转发给扫码通道
	QueueTimeout    time.Duration
}

// Worker 是打印工作者，独占打印机会话
type Worker struct {
	worker.Base
	cfg     Config
	session *Session

	expected    int64 // 打印机总计数的期望值
	nextCounter int64 // 重连时下发给打印机的起始编号
}

// New 创建打印工作者，会话在 Run 中建立
func New(bus *signal.Bus, cfg Config, logger *slog.Logger) *Worker {
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = time.Second
	}
	return &Worker{
		Base:        worker.NewBase(types.WorkerPrinter, bus, logger),
		cfg:         cfg,
		nextCounter: cfg.StartCounter,
	}
}

// Run 初始化打印机后，每个打印节拍处理一个期望
func (w *Worker) Run(ctx context.Context) error {
	bus := w.Bus()
	defer w.MarkExited()

	if err := w.open(ctx, w.cfg.StartCounter); err != nil {
		if w.session != nil {
			_ = w.session.Abort()
		}
		bus.Set(signal.PrinterError)
		return w.Fault(types.FaultPrinterNeedsReset, err, "printer start-up")
	}
	defer func() { _ = w.session.Close() }()
	w.MarkUp()

	queue := bus.Channel(signal.PrintQueue)
	for {
		f, ok := bus.WaitAny(200*time.Millisecond, signal.DonePrinter, signal.PrintTick)
		if ctx.Err() != nil || f == signal.DonePrinter {
			return nil
		}
		if !ok {
			continue
		}
		bus.Clear(signal.PrintTick)

		exp, ok := w.pop(ctx, queue)
		if !ok {
			return nil
		}
		if err := w.handle(ctx, exp); err != nil {
			return err
		}
	}
}

// pop 一直等到测试工作者推入本节拍的期望，或收到完成标志
func (w *Worker) pop(ctx context.Context, queue *signal.Channel) (types.Expectation, bool) {
	for {
		if exp, ok := queue.Pop(w.cfg.QueueTimeout); ok {
			return exp, true
		}
		if ctx.Err() != nil || w.Bus().IsSet(signal.DonePrinter) {
			return types.Expectation{}, false
		}
	}
}

func (w *Worker) handle(ctx context.Context, exp types.Expectation) error {
	bus := w.Bus()
	if !exp.Synthetic {
		err := w.print(ctx, exp)
		if errors.Is(err, ErrConnectionReset) {
			w.Report(types.NewFault(types.WorkerPrinter, types.FaultPrinterTransientFault, err, "connection lost at %s", exp))
			if rerr := w.reconnect(ctx, exp); rerr != nil {
				bus.Set(signal.PrinterError)
				return w.Fault(types.FaultPrinterNeedsReset, rerr, "reconnect after %s", exp)
			}
			err = w.print(ctx, exp)
		}
		if err != nil {
			bus.Set(signal.PrinterError)
			return w.Fault(types.FaultPrinterNeedsReset, err, "printing %s", exp)
		}
	}

	if w.cfg.Scanning {
		if !bus.Channel(signal.ScanQueue).Push(exp, w.cfg.QueueTimeout) && !bus.IsSet(signal.DonePrinter) {
			bus.Set(signal.PrinterError)
			return w.Fault(types.FaultValidationTimeout, nil, "scan queue full, dropped %s", exp)
		}
	}
	bus.Set(signal.PrinterValidated)
	return nil
}

// print 选择行并核对打印机计数
func (w *Worker) print(ctx context.Context, exp types.Expectation) error {
	line, job := w.cfg.FailLine, w.cfg.FailJob
	if exp.Outcome == types.OutcomePass {
		line, job = w.cfg.PassLine, w.cfg.PassJob
	}

	if w.cfg.LineSelection {
		if err := w.session.Expect(ctx, SelectLine(line)); err != nil {
			return err
		}
	}
	st, err := w.session.Status(ctx)
	if err != nil {
		return err
	}
	if err := checkState(st); err != nil {
		return err
	}

	// 先自增再比较；不做行选择时打印由产品检测触发，计数同样要对上
	want := w.expected + 1
	if st.Total != want {
		return fmt.Errorf("running count %d, expected %d: %w", st.Total, want, ErrNeedsReset)
	}
	if w.cfg.CompareLine && st.CurrentJob != job {
		return fmt.Errorf("current job %q, expected %q: %w", st.CurrentJob, job, ErrNeedsReset)
	}
	w.expected = st.Total

	if c, ok := w.counterOf(exp); ok {
		w.nextCounter = c + 1
	}
	w.Logger().Debug("打印校验通过", "location", exp.Location, "line", line, "total", st.Total, "external_id", exp.ExternalID)
	return nil
}

func checkState(st StatusReply) error {
	if st.Overall != StateRunning {
		return fmt.Errorf("overall state is %s: %w", st.Overall, ErrNeedsReset)
	}
	switch st.Error {
	case ErrorNone:
		return nil
	case ErrorWarnings:
		return fmt.Errorf("warnings present: %w", ErrNeedsReset)
	default:
		return fmt.Errorf("faults present: %w", ErrNeedsReset)
	}
}

// counterOf 从外部 ID 中解析编号
func (w *Worker) counterOf(exp types.Expectation) (int64, bool) {
	if exp.Outcome != types.OutcomePass || exp.ExternalID == "" {
		return 0, false
	}
	digits, ok := strings.CutPrefix(exp.ExternalID, w.cfg.Prefix)
	if !ok {
		return 0, false
	}
	c, err := strconv.ParseInt(digits, 10, 64)
	return c, err == nil
}

// reconnect 重连一次并以当前编号重新初始化
func (w *Worker) reconnect(ctx context.Context, exp types.Expectation) error {
	_ = w.session.Abort()
	counter := w.nextCounter
	if c, ok := w.counterOf(exp); ok {
		counter = c
	}
	w.Logger().Warn("打印机重连", "counter", counter)
	return w.open(ctx, counter)
}

// open 建立会话并完成初始化：进入运行态，清故障和队列，配置两条行，读取总计数
func (w *Worker) open(ctx context.Context, counter int64) error {
	s, err := Dial(ctx, w.cfg.Address, Options{
		Timeout:  w.cfg.Timeout,
		Attempts: w.cfg.CommandAttempts,
		Logger:   w.Logger(),
	})
	if err != nil {
		return err
	}
	w.session = s

	if err := w.setRunning(ctx); err != nil {
		return err
	}
	if err := s.Expect(ctx, ClearFaults()); err != nil {
		return err
	}
	// 队列为空时 CQI 返回 ERR
	if _, err := s.Query(ctx, ClearQueue()); err != nil {
		return err
	}
	if err := s.Expect(ctx, ClearLine(w.cfg.FailLine)); err != nil {
		return err
	}
	if err := s.Expect(ctx, ClearLine(w.cfg.PassLine)); err != nil {
		return err
	}

	fields, err := JobFields(w.cfg.JobFormat, w.cfg.Prefix, counter)
	if err != nil {
		return err
	}
	if err := s.Expect(ctx, AssignJob(w.cfg.PassJob, w.cfg.PassLine, fields...)); err != nil {
		return err
	}
	failFields := []Field(nil)
	if w.cfg.FailJob == w.cfg.PassJob {
		failFields = fields
	}
	if err := s.Expect(ctx, AssignJob(w.cfg.FailJob, w.cfg.FailLine, failFields...)); err != nil {
		return err
	}
	if w.cfg.LineSelection {
		if err := s.Expect(ctx, SelectLine(w.cfg.FailLine)); err != nil {
			return err
		}
	}

	st, err := s.Status(ctx)
	if err != nil {
		return err
	}
	if err := checkState(st); err != nil {
		return err
	}
	w.expected = st.Total
	w.nextCounter = counter
	w.Logger().Info("打印机初始化完成", "total", st.Total, "counter", counter, "pass_job", w.cfg.PassJob, "fail_job", w.cfg.FailJob)
	return nil
}

func (w *Worker) setRunning(ctx context.Context) error {
	st, err := w.session.Status(ctx)
	if err != nil {
		return err
	}
	switch st.Overall {
	case StateRunning:
		return nil
	case StateShutdown:
		if err := w.session.Expect(ctx, SetState(StateStartingUp)); err != nil {
			return err
		}
	}
	return w.session.Expect(ctx, SetState(StateRunning))
}
