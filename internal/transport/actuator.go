package transport

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"r2r-test-station/internal/types"
)

// Actuator 是卷对卷设备的物理输出
type Actuator interface {
	// RunLine 使能/关闭运行线
	RunLine(ctx context.Context, on bool) error
	// Pulse 在指定线路上输出一个固定宽度的脉冲
	Pulse(ctx context.Context, line types.PulseLine, width time.Duration) error
	// SetAux 设置辅助线路（缺标模式）
	SetAux(ctx context.Context, aux types.AuxLine, on bool) error
}

// Lines 是 GPIO 线路编号
type Lines struct {
	Run      int
	Aux      int
	Pass     int
	Fail     int
	GPIORoot string // 通常为 /sys/class/gpio
}

// SysfsActuator 通过 Linux sysfs GPIO 文件驱动输出线
type SysfsActuator struct {
	lines Lines
	mu    sync.Mutex
}

// NewSysfsActuator 导出并配置所有线路为输出
func NewSysfsActuator(lines Lines) (*SysfsActuator, error) {
	a := &SysfsActuator{lines: lines}
	for _, n := range []int{lines.Run, lines.Aux, lines.Pass, lines.Fail} {
		if err := a.export(n); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *SysfsActuator) export(n int) error {
	dir := filepath.Join(a.lines.GPIORoot, "gpio"+strconv.Itoa(n))
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.WriteFile(filepath.Join(a.lines.GPIORoot, "export"), []byte(strconv.Itoa(n)), 0o200); err != nil {
			return fmt.Errorf("export gpio %d: %w", n, err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "direction"), []byte("out"), 0o644); err != nil {
		return fmt.Errorf("set gpio %d direction: %w", n, err)
	}
	return a.write(n, false)
}

func (a *SysfsActuator) write(n int, on bool) error {
	v := []byte("0")
	if on {
		v = []byte("1")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := os.WriteFile(filepath.Join(a.lines.GPIORoot, "gpio"+strconv.Itoa(n), "value"), v, 0o644); err != nil {
		return fmt.Errorf("write gpio %d: %w", n, err)
	}
	return nil
}

func (a *SysfsActuator) RunLine(ctx context.Context, on bool) error {
	return a.write(a.lines.Run, on)
}

func (a *SysfsActuator) Pulse(ctx context.Context, line types.PulseLine, width time.Duration) error {
	n := a.lines.Fail
	if line == types.PulsePass {
		n = a.lines.Pass
	}
	if err := a.write(n, true); err != nil {
		return err
	}
	// 即使 ctx 取消也要把线路拉低
	err := sleepCtx(ctx, width)
	if werr := a.write(n, false); werr != nil {
		return werr
	}
	return err
}

func (a *SysfsActuator) SetAux(ctx context.Context, aux types.AuxLine, on bool) error {
	return a.write(a.lines.Aux, on)
}

// Op 是 LogActuator 记录的一次输出操作
type Op struct {
	Kind string // run / pulse / aux
	Line string
	On   bool
	At   time.Time
}

// LogActuator 只记录操作，用于空跑和测试
type LogActuator struct {
	mu      sync.Mutex
	ops     []Op
	logger  *slog.Logger
	failOn  string // 非空时对应 Kind 的操作返回 failErr
	failErr error
	sleep   bool
}

// NewLogActuator 创建记录型执行器；sleep 为真时脉冲会真实等待宽度
func NewLogActuator(logger *slog.Logger, sleep bool) *LogActuator {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogActuator{logger: logger.With("component", "actuator"), sleep: sleep}
}

// FailOn 让后续指定类型的操作返回 err
func (a *LogActuator) FailOn(kind string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failOn, a.failErr = kind, err
}

func (a *LogActuator) record(op Op) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failOn == op.Kind && a.failErr != nil {
		return a.failErr
	}
	op.At = time.Now()
	a.ops = append(a.ops, op)
	a.logger.Debug("执行器输出", "kind", op.Kind, "line", op.Line, "on", op.On)
	return nil
}

func (a *LogActuator) RunLine(ctx context.Context, on bool) error {
	return a.record(Op{Kind: "run", Line: "RUN", On: on})
}

func (a *LogActuator) Pulse(ctx context.Context, line types.PulseLine, width time.Duration) error {
	if err := a.record(Op{Kind: "pulse", Line: string(line), On: true}); err != nil {
		return err
	}
	if a.sleep {
		return sleepCtx(ctx, width)
	}
	return nil
}

func (a *LogActuator) SetAux(ctx context.Context, aux types.AuxLine, on bool) error {
	return a.record(Op{Kind: "aux", Line: string(aux), On: on})
}

// Ops 返回已记录操作的拷贝
func (a *LogActuator) Ops() []Op {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Op(nil), a.ops...)
}

// Pulses 只返回脉冲线路序列
func (a *LogActuator) Pulses() []types.PulseLine {
	var out []types.PulseLine
	for _, op := range a.Ops() {
		if op.Kind == "pulse" {
			out = append(out, types.PulseLine(op.Line))
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
