package station

import (
	"fmt"
	"log/slog"

	"r2r-test-station/internal/config"
	"r2r-test-station/internal/event"
	"r2r-test-station/internal/printer"
	"r2r-test-station/internal/signal"
	"r2r-test-station/internal/tester"
	"r2r-test-station/internal/transport"
	"r2r-test-station/internal/validator"
)

// Start 是一次运行的起点
type Start struct {
	Counter      int64 // 第一个外部 ID 的编号
	ReelLocation int64
}

// Assembly 是按配置装配好的一次运行
type Assembly struct {
	Controller *Controller
	Transport  *transport.Worker
	Tester     *tester.Worker
	Printer    *printer.Worker   // 未启用打印时为 nil
	Validator  *validator.Worker // 未启用扫码时为 nil
}

// Assemble 按配置创建信号总线、四个工作者和控制器。
// 工作者按卷带、打印、校验、测试的顺序启动，测试最后启动以保证下游已就绪。
func Assemble(cfg *config.Config, runID string, start Start, events *event.Bus, logger *slog.Logger) (*Assembly, error) {
	bus := signal.NewBus()
	a := &Assembly{}
	st := cfg.Station

	var act transport.Actuator
	if cfg.Transport.Simulate {
		act = transport.NewLogActuator(logger, true)
	} else {
		t := cfg.Transport
		sysfs, err := transport.NewSysfsActuator(transport.Lines{
			Run: t.RunLine, Aux: t.AuxLine, Pass: t.PassLine, Fail: t.FailLine, GPIORoot: t.GPIORoot,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化 GPIO: %w", err)
		}
		act = sysfs
	}
	a.Transport = transport.New(bus, act, transport.Config{
		PulseWidth:       cfg.Transport.PulseWidth,
		PrintOffset:      st.PrintOffset,
		MissingLabelMode: st.MissingLabelMode,
	}, logger)
	workers := []Worker{a.Transport}

	printing, scanning := cfg.Printer.Enabled, cfg.Scanner.Enabled
	if printing {
		p := cfg.Printer
		a.Printer = printer.New(bus, printer.Config{
			Address:         p.Address,
			Timeout:         p.Timeout,
			CommandAttempts: p.CommandAttempts,
			PassJob:         p.PassJob,
			FailJob:         p.FailJob,
			PassLine:        p.PassLine,
			FailLine:        p.FailLine,
			JobFormat:       printer.JobFormat(p.JobFormat),
			Prefix:          p.Prefix,
			Digits:          p.Digits,
			StartCounter:    start.Counter,
			LineSelection:   p.LineSelection,
			CompareLine:     p.CompareLine,
			Scanning:        scanning,
			QueueTimeout:    st.QueueTimeout,
		}, logger)
		workers = append(workers, a.Printer)
	}

	if scanning {
		sc := cfg.Scanner
		scanner := validator.NewNetScanner(sc.Address, sc.Trigger, logger)
		a.Validator = validator.New(bus, scanner, validator.Config{
			MaxReadAttempts:  sc.MaxReadAttempts,
			MatchSuffix:      sc.MatchSuffix,
			MaxBadReads:      sc.MaxBadReads,
			MaxBadReadStreak: sc.MaxBadReadStreak,
			ReadTimeout:      sc.Timeout,
			QueueTimeout:     st.QueueTimeout,
			ReadOnly:         !printing,
		}, logger)
		workers = append(workers, a.Validator)
	}

	var engine tester.Engine
	if cfg.Engine.Simulate {
		e := cfg.Engine
		engine = tester.NewRandomEngine(tester.RandomProfile{
			Seed: e.Seed, PassRate: e.PassRate, MissingRate: e.MissingRate, DuplicateRate: e.DuplicateRate,
		})
	} else {
		engine = tester.NewRemoteEngine(cfg.Engine.Endpoint, logger)
	}
	a.Tester = tester.New(bus, engine, events, runID, tester.Config{
		ReadyTimeout:            st.ReadyTimeout,
		TriggerTimeout:          st.TriggerTimeout,
		ValidationTimeout:       st.ValidationTimeout,
		QueueTimeout:            st.QueueTimeout,
		MissingLabelMode:        st.MissingLabelMode,
		MaxMissingLabels:        st.MaxMissingLabels,
		MaxBlacklistAppearances: st.MaxBlacklistAppearances,
		Printing:                printing,
		Scanning:                scanning,
		Prefix:                  cfg.Printer.Prefix,
		Digits:                  cfg.Printer.Digits,
		StartCounter:            start.Counter,
	}, logger)
	workers = append(workers, a.Tester)

	policy, err := NewStopPolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}
	a.Controller = New(bus, events, policy, a.Tester, Options{
		RunID:        runID,
		Offsets:      cfg.Offsets(),
		Printing:     printing,
		Scanning:     scanning,
		Tick:         st.Tick,
		StartTimeout: st.StartTimeout,
		DrainTimeout: st.DrainTimeout,
		ReelLocation: start.ReelLocation,
	}, logger, workers...)
	return a, nil
}
