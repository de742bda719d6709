package tester

import (
	"sync/atomic"

	"r2r-test-station/internal/types"
)

// Counters 是运行计数器，只由测试工作者写入，其余组件通过 Snapshot 读取
type Counters struct {
	tested             atomic.Int64
	passed             atomic.Int64
	responded          atomic.Int64
	missingLabels      atomic.Int64
	blackListSize      atomic.Int64
	missingLabelStreak atomic.Int64
	failStreak         atomic.Int64
	location           atomic.Int64
}

// Snapshot 返回计数器的值拷贝
func (c *Counters) Snapshot() types.CountersSnapshot {
	return types.CountersSnapshot{
		Tested:             c.tested.Load(),
		Passed:             c.passed.Load(),
		Responded:          c.responded.Load(),
		MissingLabels:      c.missingLabels.Load(),
		BlackListSize:      c.blackListSize.Load(),
		MissingLabelStreak: c.missingLabelStreak.Load(),
		FailStreak:         c.failStreak.Load(),
		Location:           c.location.Load(),
	}
}

// record 按结论更新计数器
func (c *Counters) record(o types.Outcome) {
	c.tested.Add(1)

	switch o {
	case types.OutcomeMissingLabel:
		c.missingLabels.Add(1)
		c.missingLabelStreak.Add(1)
	case types.OutcomeDuplicate:
		c.blackListSize.Add(1)
	default:
		c.responded.Add(1)
		c.missingLabelStreak.Store(0)
		if o == types.OutcomePass {
			c.passed.Add(1)
		}
	}

	if o == types.OutcomePass {
		c.failStreak.Store(0)
	} else {
		c.failStreak.Add(1)
	}
}
