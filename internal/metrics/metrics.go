package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 定义 Prometheus 监控指标
var (
	// RunCounters 仪表盘：当前运行的计数器（tested/passed/responded/...）
	RunCounters = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "r2r_run_counter",
		Help: "Current value of run counters",
	}, []string{"counter"})

	// Yield 仪表盘：累计良率与滚动窗口良率
	Yield = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "r2r_yield_percent",
		Help: "Cumulative and window yield in percent",
	}, []string{"kind"})

	// UnitsTotal 计数器：按结论统计的单元数
	UnitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "r2r_units_total",
		Help: "Units classified by outcome",
	}, []string{"outcome"})

	// FaultsTotal 计数器：按工作者、种类、级别统计的故障数
	FaultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "r2r_faults_total",
		Help: "Faults reported by workers",
	}, []string{"worker", "kind", "severity"})

	// PulsesTotal 计数器：按线路统计的卷带脉冲
	PulsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "r2r_transport_pulses_total",
		Help: "Pulses emitted on the transport lines",
	}, []string{"line"})

	// AdvanceDuration 直方图：一次卷带前进的耗时
	AdvanceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "r2r_transport_advance_duration_seconds",
		Help:    "Time spent per transport advance",
		Buckets: prometheus.DefBuckets,
	})

	// TestCycleDuration 直方图：测试工作者单个周期耗时
	TestCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "r2r_test_cycle_duration_seconds",
		Help:    "Time spent per test cycle, from ready to advance request",
		Buckets: prometheus.DefBuckets,
	})

	// PrinterCommandsTotal 计数器：打印机命令及应答类型
	PrinterCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "r2r_printer_commands_total",
		Help: "Printer protocol commands by command and reply kind",
	}, []string{"command", "reply"})

	// ScanAttemptsTotal 计数器：扫码尝试结果
	ScanAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "r2r_scan_attempts_total",
		Help: "Scanner read attempts by result",
	}, []string{"result"})

	// QueueDepth 仪表盘：流水线通道深度
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "r2r_queue_depth",
		Help: "Entries currently waiting in pipeline channels",
	}, []string{"queue"})

	// StationState 仪表盘：控制器当前状态（当前状态为 1）
	StationState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "r2r_station_state",
		Help: "Controller state, 1 for the current state",
	}, []string{"state"})
)
