// Package worker 提供各工作者共用的骨架：身份、故障上报、启动/退出标志。
package worker

import (
	"fmt"
	"log/slog"

	"r2r-test-station/internal/signal"
	"r2r-test-station/internal/types"
)

// faultBuffer 故障通道缓冲，控制器每个 tick 都会取空
const faultBuffer = 32

// Base 是工作者的公共部分，具体工作者以值嵌入
type Base struct {
	id     types.WorkerID
	bus    *signal.Bus
	faults chan types.FaultRecord
	logger *slog.Logger
}

// NewBase 创建工作者骨架
func NewBase(id types.WorkerID, bus *signal.Bus, logger *slog.Logger) Base {
	if logger == nil {
		logger = slog.Default()
	}
	return Base{
		id:     id,
		bus:    bus,
		faults: make(chan types.FaultRecord, faultBuffer),
		logger: logger.With("component", string(id)),
	}
}

// ID 返回工作者标识
func (b *Base) ID() types.WorkerID { return b.id }

// Faults 返回只读故障通道
func (b *Base) Faults() <-chan types.FaultRecord { return b.faults }

// Bus 返回共享的信号总线
func (b *Base) Bus() *signal.Bus { return b.bus }

// Logger 返回带 component 字段的日志器
func (b *Base) Logger() *slog.Logger { return b.logger }

// Report 上报故障，通道满时丢弃并记录日志，从不阻塞工作者
func (b *Base) Report(f types.FaultRecord) {
	b.logger.Warn("上报故障", "kind", f.Kind, "severity", f.Severity, "message", f.Message, "error", f.Err)
	select {
	case b.faults <- f:
	default:
		b.logger.Error("故障通道已满，丢弃故障", "kind", f.Kind)
	}
}

// Fault 以默认级别构造并上报故障，返回的错误可直接作为 Run 的返回值
func (b *Base) Fault(kind types.FaultKind, err error, format string, args ...any) error {
	f := types.NewFault(b.id, kind, err, format, args...)
	b.Report(f)
	return fmt.Errorf("%s: %w", b.id, f)
}

// MarkUp 置位初始化完成标志
func (b *Base) MarkUp() {
	b.logger.Info("工作者就绪")
	b.bus.Set(signal.Up(b.id))
}

// MarkExited 置位退出标志
func (b *Base) MarkExited() {
	b.logger.Info("工作者退出")
	b.bus.Set(signal.Exited(b.id))
}
