package validator

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"r2r-test-station/internal/metrics"
	"r2r-test-station/internal/signal"
	"r2r-test-station/internal/types"
	"r2r-test-station/internal/worker"
)

// Config 是校验工作者参数
type Config struct {
	MaxReadAttempts  int
	MatchSuffix      int // >0 时只比较末尾字符
	MaxBadReads      int
	MaxBadReadStreak int
	ReadTimeout      time.Duration
	QueueTimeout     time.Duration
	ReadOnly         bool // 不打印时只读码不比对，标签是预印的
}

// Stats 是校验计数
type Stats struct {
	Validated     int64 `json:"validated"`
	BadReads      int64 `json:"bad_reads"`
	BadReadStreak int64 `json:"bad_read_streak"`
}

// Worker 是校验工作者，独占扫码器
type Worker struct {
	worker.Base
	cfg     Config
	scanner Scanner

	validated atomic.Int64
	badReads  atomic.Int64
	streak    atomic.Int64
}

// New 创建校验工作者，扫码器由调用方提供
func New(bus *signal.Bus, scanner Scanner, cfg Config, logger *slog.Logger) *Worker {
	if cfg.MaxReadAttempts < 1 {
		cfg.MaxReadAttempts = 1
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = time.Second
	}
	return &Worker{
		Base:    worker.NewBase(types.WorkerValidator, bus, logger),
		cfg:     cfg,
		scanner: scanner,
	}
}

// Stats 返回当前校验计数快照
func (w *Worker) Stats() Stats {
	return Stats{
		Validated:     w.validated.Load(),
		BadReads:      w.badReads.Load(),
		BadReadStreak: w.streak.Load(),
	}
}

// Run 每个扫码节拍校验一个期望
func (w *Worker) Run(ctx context.Context) error {
	bus := w.Bus()
	defer w.MarkExited()
	if c, ok := w.scanner.(io.Closer); ok {
		defer c.Close()
	}
	w.MarkUp()

	queue := bus.Channel(signal.ScanQueue)
	for {
		f, ok := bus.WaitAny(200*time.Millisecond, signal.DoneValidator, signal.ScanTick)
		if ctx.Err() != nil || f == signal.DoneValidator {
			return nil
		}
		if !ok {
			continue
		}
		bus.Clear(signal.ScanTick)

		exp, ok := w.pop(ctx, queue)
		if !ok {
			return nil
		}
		if exp.Synthetic || w.validate(ctx, exp) {
			w.streak.Store(0)
			w.validated.Add(1)
			bus.Set(signal.ScanValidated)
			continue
		}

		bad, streak := w.badReads.Add(1), w.streak.Add(1)
		w.Logger().Warn("扫码校验失败", "expectation", exp.String(), "bad_reads", bad, "streak", streak)
		switch {
		case bad >= int64(w.cfg.MaxBadReads):
			bus.Set(signal.ValidatorError)
			return w.Fault(types.FaultBadReadLimit, nil, "%d bad reads, last %s", bad, exp)
		case streak >= int64(w.cfg.MaxBadReadStreak):
			bus.Set(signal.ValidatorError)
			return w.Fault(types.FaultBadReadStreak, nil, "%d bad reads in a row, last %s", streak, exp)
		}
		bus.Set(signal.ScanMismatch)
	}
}

func (w *Worker) pop(ctx context.Context, queue *signal.Channel) (types.Expectation, bool) {
	for {
		if exp, ok := queue.Pop(w.cfg.QueueTimeout); ok {
			return exp, true
		}
		if ctx.Err() != nil || w.Bus().IsSet(signal.DoneValidator) {
			return types.Expectation{}, false
		}
	}
}

// validate 最多读 MaxReadAttempts 次，任一次匹配即成功
func (w *Worker) validate(ctx context.Context, exp types.Expectation) bool {
	if w.cfg.ReadOnly {
		w.readOnly(ctx, exp)
		return true
	}
	for attempt := 1; attempt <= w.cfg.MaxReadAttempts; attempt++ {
		code, found, err := w.scanner.ScanOnce(ctx, w.cfg.ReadTimeout)
		switch {
		case err != nil:
			metrics.ScanAttemptsTotal.WithLabelValues("error").Inc()
			w.Logger().Warn("读码出错", "attempt", attempt, "error", err)
		case Match(exp, code, found, w.cfg.MatchSuffix):
			metrics.ScanAttemptsTotal.WithLabelValues("match").Inc()
			return true
		default:
			metrics.ScanAttemptsTotal.WithLabelValues("mismatch").Inc()
			w.Logger().Debug("读码不匹配", "attempt", attempt, "code", code, "expectation", exp.String())
		}
		if ctx.Err() != nil {
			return false
		}
	}
	return false
}

// readOnly 读到码或读满次数为止，只记录结果
func (w *Worker) readOnly(ctx context.Context, exp types.Expectation) {
	for attempt := 1; attempt <= w.cfg.MaxReadAttempts && ctx.Err() == nil; attempt++ {
		code, found, err := w.scanner.ScanOnce(ctx, w.cfg.ReadTimeout)
		switch {
		case err != nil:
			metrics.ScanAttemptsTotal.WithLabelValues("error").Inc()
			w.Logger().Warn("读码出错", "attempt", attempt, "error", err)
		case found:
			metrics.ScanAttemptsTotal.WithLabelValues("read").Inc()
			w.Logger().Debug("读码", "code", code, "expectation", exp.String())
			return
		default:
			metrics.ScanAttemptsTotal.WithLabelValues("empty").Inc()
		}
	}
	w.Logger().Debug("未读到码", "expectation", exp.String())
}

// Match 判断读码结果是否符合期望：Pass 要读到外部 ID，Fail 要读不到码
func Match(exp types.Expectation, code string, found bool, suffix int) bool {
	if exp.Outcome != types.OutcomePass {
		return !found
	}
	if !found || exp.ExternalID == "" {
		return false
	}
	if suffix > 0 {
		return tail(code, suffix) == tail(exp.ExternalID, suffix)
	}
	return code == exp.ExternalID
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
