package event

import (
	"sync"
	"time"

	"r2r-test-station/internal/types"
)

// EventType 定义事件的类型
type EventType string

// 定义所有报告事件类型
const (
	UnitTested      EventType = "UnitTested"      // 一个单元完成测试分类
	FaultRaised     EventType = "FaultRaised"     // 工作者上报故障
	CountersUpdated EventType = "CountersUpdated" // 控制器周期性发布计数快照
	StateChanged    EventType = "StateChanged"    // 控制器状态迁移
	RunFinished     EventType = "RunFinished"     // 最终汇总，只发布一次
)

// Event 结构体定义了事件的数据负载
type Event struct {
	Type     EventType               // 事件类型
	RunID    string                  // 关联的运行 ID
	Unit     *types.Unit             // 仅 UnitTested
	Fault    *types.FaultRecord      // 仅 FaultRaised
	Counters *types.CountersSnapshot // CountersUpdated / RunFinished
	State    string                  // 仅 StateChanged
	Summary  *types.RunSummary       // 仅 RunFinished
	At       time.Time
}

// Handler 是事件处理函数的签名
type Handler func(e Event)

// Bus 是一个简单的内存事件总线
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler // 存储事件类型到多个处理函数的映射

	pendingMu sync.Mutex
	pendingCv *sync.Cond
	pending   int // 尚未执行完的异步处理器数量
}

// NewBus 创建一个新的事件总线实例
func NewBus() *Bus {
	b := &Bus{
		handlers: make(map[EventType][]Handler),
	}
	b.pendingCv = sync.NewCond(&b.pendingMu)
	return b
}

// Subscribe 订阅一个特定类型的事件
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish 发布一个事件，所有订阅了该事件类型的处理器都将被异步调用
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, handler := range b.handlers[e.Type] {
		b.addPending(1)
		go func(h Handler) {
			defer b.addPending(-1)
			h(e)
		}(handler)
	}
}

// PublishSync 等待此前发布的异步处理器全部完成，再同步调用本事件的处理器。
// 用于最终汇总：返回时所有报告都已落地。
func (b *Bus) PublishSync(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.Wait()

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[e.Type]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// Wait 等待所有异步处理器执行完毕
func (b *Bus) Wait() {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	for b.pending > 0 {
		b.pendingCv.Wait()
	}
}

func (b *Bus) addPending(delta int) {
	b.pendingMu.Lock()
	b.pending += delta
	if b.pending == 0 {
		b.pendingCv.Broadcast()
	}
	b.pendingMu.Unlock()
}
