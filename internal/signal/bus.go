// Package signal 实现工站内部唯一的协调媒介：电平触发的命名标志位和有界 FIFO 通道。
//
// 工作者之间从不直接调用对方的方法，只通过 Bus 上的标志和通道交换信息。
// 等待和出队都带超时，超时以 (零值, false) 返回而不是错误：
// 在这个领域里超时是正常的本地决策点（例如“没有标签到位”）。
package signal

import (
	"sync"
	"time"

	"r2r-test-station/internal/types"
)

// Flag 是命名的布尔条件，只有置位/清除两种状态
type Flag string

const (
	TransportReady   Flag = "transport_ready"    // 卷带到位，测试工作者消费
	PrintTick        Flag = "print_tick"         // 卷带到位，打印工作者消费
	ScanTick         Flag = "scan_tick"          // 卷带到位，校验工作者消费
	TransportStart   Flag = "transport_start"    // 控制器启动卷带（首次使能运行线）
	TransportStop    Flag = "transport_stop"     // 停止卷带
	AdvancePass      Flag = "advance_pass"       // 请求以 Pass 前进一步
	AdvanceFail      Flag = "advance_fail"       // 请求以 Fail 前进一步
	AdvanceMissing   Flag = "advance_missing"    // 请求以缺标（Fail）前进一步
	MissingLabelOn   Flag = "missing_label_on"   // 使能缺标模式
	MissingLabelOff  Flag = "missing_label_off"  // 关闭缺标模式
	DoneTester       Flag = "done_tester"        // 通知测试工作者退出
	DonePrinter      Flag = "done_printer"       // 通知打印工作者退出
	DoneValidator    Flag = "done_validator"     // 通知校验工作者退出
	PrinterValidated Flag = "printer_validated"  // 本步打印校验成功
	PrinterError     Flag = "printer_error"      // 打印校验失败，等待控制器处理
	ScanValidated    Flag = "scan_validated"     // 本步扫码校验成功
	ScanMismatch     Flag = "scan_mismatch"      // 本步扫码校验未通过（阈值以内）
	ValidatorError   Flag = "validator_error"    // 扫码失败超过阈值
)

// Up 返回工作者初始化完成的标志
func Up(w types.WorkerID) Flag { return Flag("up:" + string(w)) }

// Exited 返回工作者主循环退出的标志
func Exited(w types.WorkerID) Flag { return Flag("exited:" + string(w)) }

// QueueName 是有界通道的名称
type QueueName string

const (
	PrintQueue QueueName = "print" // 打印期望
	ScanQueue  QueueName = "scan"  // 扫描期望
)

// Bus 持有全部标志位和命名通道
type Bus struct {
	mu       sync.Mutex
	flags    map[Flag]bool
	setCount map[Flag]uint64
	wake     chan struct{} // 每次置位时关闭并替换，用于唤醒所有等待者
	queues   map[QueueName]*Channel
}

// NewBus 创建一个空的信号总线
func NewBus() *Bus {
	return &Bus{
		flags:    make(map[Flag]bool),
		setCount: make(map[Flag]uint64),
		wake:     make(chan struct{}),
		queues:   make(map[QueueName]*Channel),
	}
}

// Set 置位标志并唤醒所有等待者
func (b *Bus) Set(f Flag) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flags[f] = true
	b.setCount[f]++
	close(b.wake)
	b.wake = make(chan struct{})
}

// Clear 清除标志
func (b *Bus) Clear(f Flag) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.flags, f)
}

// IsSet 返回标志当前是否置位
func (b *Bus) IsSet(f Flag) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flags[f]
}

// WaitAny 阻塞直到任一标志置位或超时。
// 返回按参数顺序第一个已置位的标志；不会清除该标志。
// 超时返回 ("", false)；timeout <= 0 时只检查一次。
func (b *Bus) WaitAny(timeout time.Duration, flags ...Flag) (Flag, bool) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		b.mu.Lock()
		for _, f := range flags {
			if b.flags[f] {
				b.mu.Unlock()
				return f, true
			}
		}
		wake := b.wake
		b.mu.Unlock()

		if expired == nil {
			return "", false
		}
		select {
		case <-wake:
		case <-expired:
			return "", false
		}
	}
}

// AddChannel 注册一个有界通道，同名通道会被替换
func (b *Bus) AddChannel(name QueueName, capacity int) *Channel {
	ch := NewChannel(capacity)
	b.mu.Lock()
	b.queues[name] = ch
	b.mu.Unlock()
	return ch
}

// Channel 按名称查找通道，不存在时返回 nil
func (b *Bus) Channel(name QueueName) *Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queues[name]
}

// Stats 是总线的统计快照
type Stats struct {
	FlagSets map[Flag]uint64
	Channels map[QueueName]ChannelStats
}

// Stats 返回当前统计快照
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		FlagSets: make(map[Flag]uint64, len(b.setCount)),
		Channels: make(map[QueueName]ChannelStats, len(b.queues)),
	}
	for f, n := range b.setCount {
		s.FlagSets[f] = n
	}
	for name, ch := range b.queues {
		s.Channels[name] = ch.Stats()
	}
	return s
}
