package signal

import (
	"sync/atomic"
	"time"

	"r2r-test-station/internal/types"
)

// Channel 是承载单元期望的有界 FIFO，只有一个生产者角色和一个消费者角色。
// 满时 Push 阻塞，空时 Pop 阻塞，两者都在超时后返回 false。
type Channel struct {
	items  chan types.Expectation
	pushed atomic.Uint64
	popped atomic.Uint64
}

// ChannelStats 是通道计数快照
type ChannelStats struct {
	Pushed   uint64
	Popped   uint64
	Depth    int
	Capacity int
}

// NewChannel 创建容量为 capacity 的通道（最小为 1）
func NewChannel(capacity int) *Channel {
	if capacity < 1 {
		capacity = 1
	}
	return &Channel{items: make(chan types.Expectation, capacity)}
}

// Push 入队，满时最多阻塞 timeout
func (c *Channel) Push(item types.Expectation, timeout time.Duration) bool {
	select {
	case c.items <- item:
		c.pushed.Add(1)
		return true
	default:
	}
	if timeout <= 0 {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c.items <- item:
		c.pushed.Add(1)
		return true
	case <-timer.C:
		return false
	}
}

// Pop 出队，空时最多阻塞 timeout
func (c *Channel) Pop(timeout time.Duration) (types.Expectation, bool) {
	select {
	case item := <-c.items:
		c.popped.Add(1)
		return item, true
	default:
	}
	if timeout <= 0 {
		return types.Expectation{}, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case item := <-c.items:
		c.popped.Add(1)
		return item, true
	case <-timer.C:
		return types.Expectation{}, false
	}
}

// Seed 预置 n 个占位 Fail 条目，返回实际写入数量
func (c *Channel) Seed(n int) int {
	seeded := 0
	for i := 0; i < n; i++ {
		if !c.Push(types.Expectation{Outcome: types.OutcomeFail, Synthetic: true}, 0) {
			break
		}
		seeded++
	}
	return seeded
}

// Drain 丢弃所有在途条目，返回丢弃的真实（非占位）条目数
func (c *Channel) Drain() int {
	discarded := 0
	for {
		select {
		case item := <-c.items:
			c.popped.Add(1)
			if !item.Synthetic {
				discarded++
			}
		default:
			return discarded
		}
	}
}

// Len 返回当前深度
func (c *Channel) Len() int { return len(c.items) }

// Cap 返回容量
func (c *Channel) Cap() int { return cap(c.items) }

// Stats 返回计数快照
func (c *Channel) Stats() ChannelStats {
	return ChannelStats{
		Pushed:   c.pushed.Load(),
		Popped:   c.popped.Load(),
		Depth:    len(c.items),
		Capacity: cap(c.items),
	}
}
