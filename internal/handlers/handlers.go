package handlers

import (
	"context"
	"log/slog"
	"time"

	"r2r-test-station/internal/event"
	"r2r-test-station/internal/metrics"
	"r2r-test-station/internal/persistence"
	"r2r-test-station/internal/report"
	"r2r-test-station/internal/store"
	"r2r-test-station/internal/types"
	"r2r-test-station/internal/web"
)

// publishTimeout 单条报告写入外部系统的超时
const publishTimeout = 5 * time.Second

// Sinks 是报告事件的去向，为 nil 的项不注册
type Sinks struct {
	Tracker   *web.StateTracker
	Journal   *persistence.Journal
	Store     *store.Store
	Publisher *report.Publisher
}

// RegisterEventHandlers 将所有事件处理器注册到事件总线
// 指标、看板、日志文件、数据库、消息队列各自独立订阅，互不影响
func RegisterEventHandlers(bus *event.Bus, sinks Sinks, logger *slog.Logger) {
	registerMetrics(bus)
	if sinks.Tracker != nil {
		registerTracker(bus, sinks.Tracker)
	}
	if sinks.Journal != nil {
		registerJournal(bus, sinks.Journal, logger)
	}
	if sinks.Store != nil {
		registerStore(bus, sinks.Store, logger)
	}
	if sinks.Publisher != nil {
		registerPublisher(bus, sinks.Publisher, logger)
	}
	registerLogging(bus, logger)
}

// --- 指标处理器 ---
func registerMetrics(bus *event.Bus) {
	bus.Subscribe(event.UnitTested, func(e event.Event) {
		metrics.UnitsTotal.WithLabelValues(string(e.Unit.Outcome)).Inc()
	})
	bus.Subscribe(event.CountersUpdated, func(e event.Event) {
		setCounters(*e.Counters)
	})
	bus.Subscribe(event.RunFinished, func(e event.Event) {
		setCounters(e.Summary.Counters)
	})
}

func setCounters(c types.CountersSnapshot) {
	for name, v := range map[string]int64{
		"tested":               c.Tested,
		"passed":               c.Passed,
		"responded":            c.Responded,
		"missing_labels":       c.MissingLabels,
		"black_list_size":      c.BlackListSize,
		"missing_label_streak": c.MissingLabelStreak,
		"fail_streak":          c.FailStreak,
		"location":             c.Location,
	} {
		metrics.RunCounters.WithLabelValues(name).Set(float64(v))
	}
	if y := c.Yield(); y >= 0 {
		metrics.Yield.WithLabelValues("cumulative").Set(y)
	}
}

// --- 看板处理器 ---
func registerTracker(bus *event.Bus, st *web.StateTracker) {
	bus.Subscribe(event.StateChanged, func(e event.Event) {
		st.SetState(e.RunID, e.State)
	})
	bus.Subscribe(event.CountersUpdated, func(e event.Event) {
		st.UpdateCounters(*e.Counters)
	})
	bus.Subscribe(event.UnitTested, func(e event.Event) {
		st.RecordUnit(*e.Unit)
	})
	bus.Subscribe(event.FaultRaised, func(e event.Event) {
		st.RecordFault(*e.Fault)
	})
	bus.Subscribe(event.RunFinished, func(e event.Event) {
		st.Finish(*e.Summary)
	})
}

// --- 运行日志处理器 ---
// 写失败只记录，不影响运行
func registerJournal(bus *event.Bus, j *persistence.Journal, logger *slog.Logger) {
	bus.Subscribe(event.UnitTested, func(e event.Event) {
		if err := j.AppendUnit(e.RunID, *e.Unit); err != nil {
			logger.Error("写入运行日志失败", "error", err, "location", e.Unit.Location)
		}
	})
	bus.Subscribe(event.FaultRaised, func(e event.Event) {
		if err := j.AppendFault(e.RunID, *e.Fault); err != nil {
			logger.Error("写入运行日志失败", "error", err, "kind", e.Fault.Kind)
		}
	})
	bus.Subscribe(event.RunFinished, func(e event.Event) {
		if err := j.AppendSummary(*e.Summary); err != nil {
			logger.Error("写入最终汇总失败", "error", err)
		}
	})
}

// --- 数据库处理器 ---
func registerStore(bus *event.Bus, s *store.Store, logger *slog.Logger) {
	bus.Subscribe(event.UnitTested, func(e event.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := s.InsertUnit(ctx, e.RunID, *e.Unit); err != nil {
			logger.Error("写入单元失败", "error", err)
		}
	})
	bus.Subscribe(event.FaultRaised, func(e event.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := s.InsertFault(ctx, e.RunID, *e.Fault); err != nil {
			logger.Error("写入故障失败", "error", err)
		}
	})
	bus.Subscribe(event.RunFinished, func(e event.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := s.FinishRun(ctx, *e.Summary); err != nil {
			logger.Error("写入运行汇总失败", "error", err)
		}
	})
}

// --- 消息队列处理器 ---
func registerPublisher(bus *event.Bus, p *report.Publisher, logger *slog.Logger) {
	bus.Subscribe(event.UnitTested, func(e event.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := p.PublishUnit(ctx, e.RunID, *e.Unit); err != nil {
			logger.Warn("发布单元消息失败", "error", err)
		}
	})
	bus.Subscribe(event.FaultRaised, func(e event.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := p.PublishFault(ctx, e.RunID, *e.Fault); err != nil {
			logger.Warn("发布故障消息失败", "error", err)
		}
	})
	bus.Subscribe(event.RunFinished, func(e event.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := p.PublishSummary(ctx, *e.Summary); err != nil {
			logger.Error("发布运行汇总失败", "error", err)
		}
	})
}

// --- 日志处理器 ---
// 状态、故障和汇总由控制器记录，这里只记单元明细
func registerLogging(bus *event.Bus, logger *slog.Logger) {
	bus.Subscribe(event.UnitTested, func(e event.Event) {
		u := e.Unit
		logger.Debug("单元完成分类", "run_id", e.RunID, "location", u.Location, "outcome", u.Outcome, "unit_id", u.UnitID, "external_id", u.ExternalID)
	})
}
