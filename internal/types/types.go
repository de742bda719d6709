package types

import (
	"fmt"
	"time"
)

// Outcome 定义单个工位（标签）的测试结论
type Outcome string

const (
	OutcomePass         Outcome = "PASS"          // 测试通过
	OutcomeFail         Outcome = "FAIL"          // 测试失败
	OutcomeMissingLabel Outcome = "MISSING_LABEL" // 缺标：等待触发超时或测试引擎无结果
	OutcomeDuplicate    Outcome = "DUPLICATE"     // 重复：本次运行已经出现过的标签 ID
)

// Pulse 将测试结论映射到物理脉冲线路
// 只有 Pass 走 Pass 线路，其余一律按 Fail 处理
func (o Outcome) Pulse() PulseLine {
	if o == OutcomePass {
		return PulsePass
	}
	return PulseFail
}

// Printed 将结论归约为打印/扫描期望使用的 Pass/Fail 两种取值
func (o Outcome) Printed() Outcome {
	if o == OutcomePass {
		return OutcomePass
	}
	return OutcomeFail
}

// PulseLine 定义卷对卷设备上的脉冲输出线路
type PulseLine string

const (
	PulsePass PulseLine = "PASS"
	PulseFail PulseLine = "FAIL"
)

// AuxLine 定义辅助输出线路
type AuxLine string

const (
	AuxMissingLabel AuxLine = "MISSING_LABEL_ENABLE"
)

// WorkerID 定义工站内部的工作者角色
type WorkerID string

const (
	WorkerTransport  WorkerID = "transport"
	WorkerTester     WorkerID = "tester"
	WorkerPrinter    WorkerID = "printer"
	WorkerValidator  WorkerID = "validator"
	WorkerController WorkerID = "controller"
)

// Unit 表示卷带上的一个物理单元（RF 标签）
// 由测试工作者创建，控制器只持有由它派生出的计数器
type Unit struct {
	Location   int                `json:"location"`              // 运行内单调递增的位置序号
	UnitID     string             `json:"unit_id,omitempty"`     // 测试引擎返回的稳定标识
	ExternalID string             `json:"external_id,omitempty"` // 打印的外部 ID，仅在打印时分配
	Outcome    Outcome            `json:"outcome"`
	Metrics    map[string]float64 `json:"metrics,omitempty"` // 测试引擎附带的辅助指标
	TestedAt   time.Time          `json:"tested_at"`
}

// Expectation 是沿流水线传递给打印机和扫描器的单元期望
type Expectation struct {
	Location   int     `json:"location"`
	ExternalID string  `json:"external_id,omitempty"`
	Outcome    Outcome `json:"outcome"`             // 只取 Pass 或 Fail
	Synthetic  bool    `json:"synthetic,omitempty"` // 启动时预置的占位 Fail 条目
}

func (e Expectation) String() string {
	if e.Synthetic {
		return "synthetic:FAIL"
	}
	return fmt.Sprintf("#%d:%s:%s", e.Location, e.Outcome, e.ExternalID)
}

// PipelineOffset 定义测试位与打印位、扫描位之间相隔的步数，整个运行期间固定
type PipelineOffset struct {
	Print int `json:"print"`
	Scan  int `json:"scan"`
}

// CountersSnapshot 是运行计数器在某一时刻的值拷贝
type CountersSnapshot struct {
	Tested             int64 `json:"tested"`
	Passed             int64 `json:"passed"`
	Responded          int64 `json:"responded"`
	MissingLabels      int64 `json:"missing_labels"`
	BlackListSize      int64 `json:"black_list_size"`
	MissingLabelStreak int64 `json:"missing_label_streak"`
	FailStreak         int64 `json:"fail_streak"`
	Location           int64 `json:"location"`
}

// Yield 返回良率百分比，尚未测试时返回 -1
func (c CountersSnapshot) Yield() float64 {
	if c.Tested == 0 {
		return -1
	}
	return float64(c.Passed) * 100 / float64(c.Tested)
}

// ResponseYield 返回有响应单元占比
func (c CountersSnapshot) ResponseYield() float64 {
	if c.Tested == 0 {
		return -1
	}
	return float64(c.Responded) * 100 / float64(c.Tested)
}

// FaultKind 定义故障种类
type FaultKind string

const (
	FaultActuatorIO            FaultKind = "ACTUATOR_IO"
	FaultTestEngineIO          FaultKind = "TEST_ENGINE_IO"
	FaultMissingLabelStreak    FaultKind = "MISSING_LABEL_STREAK"
	FaultPrinterNeedsReset     FaultKind = "PRINTER_NEEDS_RESET"
	FaultPrinterTransientFault FaultKind = "PRINTER_TRANSIENT_FAULT"
	FaultBadReadLimit          FaultKind = "BAD_READ_LIMIT"
	FaultBadReadStreak         FaultKind = "BAD_READ_STREAK"
	FaultValidationTimeout     FaultKind = "VALIDATION_TIMEOUT"
	FaultWorkerStartup         FaultKind = "WORKER_STARTUP"
)

// Severity 定义故障的处理级别
type Severity string

const (
	SeverityRetryable Severity = "RETRYABLE" // 工作者已在本地处理，仅上报
	SeverityFatal     Severity = "FATAL"     // 必须停止整站
	SeverityPlanned   Severity = "PLANNED"   // 计划内停止，按正常完成上报
)

// DefaultSeverity 返回故障种类对应的默认级别
func (k FaultKind) DefaultSeverity() Severity {
	switch k {
	case FaultPrinterTransientFault:
		return SeverityRetryable
	case FaultMissingLabelStreak:
		return SeverityPlanned
	default:
		return SeverityFatal
	}
}

// FaultRecord 是工作者推送给控制器的结构化故障报告
type FaultRecord struct {
	Worker   WorkerID  `json:"worker"`
	Kind     FaultKind `json:"kind"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	Err      error     `json:"-"`
	At       time.Time `json:"at"`
}

// NewFault 以默认级别构造故障记录
func NewFault(worker WorkerID, kind FaultKind, err error, format string, args ...any) FaultRecord {
	return FaultRecord{
		Worker:   worker,
		Kind:     kind,
		Severity: kind.DefaultSeverity(),
		Message:  fmt.Sprintf(format, args...),
		Err:      err,
		At:       time.Now(),
	}
}

func (f FaultRecord) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s/%s: %s: %v", f.Worker, f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("%s/%s: %s", f.Worker, f.Kind, f.Message)
}

func (f FaultRecord) Unwrap() error { return f.Err }

// StopCause 定义运行结束的原因
type StopCause string

const (
	CauseNone               StopCause = ""
	CauseDesiredTested      StopCause = "DESIRED_TESTED"
	CauseDesiredPassed      StopCause = "DESIRED_PASSED"
	CauseFailStreak         StopCause = "FAIL_STREAK"
	CauseYieldFloor         StopCause = "YIELD_FLOOR"
	CauseYieldCollapse      StopCause = "YIELD_COLLAPSE"
	CausePassResponseDiff   StopCause = "PASS_RESPONSE_DIFF"
	CauseCustomRule         StopCause = "CUSTOM_RULE"
	CauseMissingLabelStreak StopCause = "MISSING_LABEL_STREAK"
	CauseFault              StopCause = "FAULT"
	CauseOperator           StopCause = "OPERATOR"
)

// RunSummary 是运行结束时只刷新一次的最终汇总
type RunSummary struct {
	RunID               string           `json:"run_id"`
	Cause               StopCause        `json:"cause"`
	Planned             bool             `json:"planned"` // 计划内停止（非故障）
	Detail              string           `json:"detail,omitempty"`
	Fault               *FaultRecord     `json:"fault,omitempty"`
	Counters            CountersSnapshot `json:"counters"`
	Discarded           int              `json:"discarded"` // 停机时丢弃的在途期望条目数
	NextExternalCounter int64            `json:"next_external_counter"`
	ReelLocation        int64            `json:"reel_location"`
	StartedAt           time.Time        `json:"started_at"`
	FinishedAt          time.Time        `json:"finished_at"`
}
