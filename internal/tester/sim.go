package tester

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"r2r-test-station/internal/types"
)

// SimStep 是脚本化引擎的一步
type SimStep struct {
	UnitID  string
	Outcome types.Outcome // 为空表示无单元响应
	Err     error
	Delay   time.Duration
}

// Pass / Fail / Empty 构造脚本步骤
func Pass(id string) SimStep { return SimStep{UnitID: id, Outcome: types.OutcomePass} }
func Fail(id string) SimStep { return SimStep{UnitID: id, Outcome: types.OutcomeFail} }
func Empty() SimStep         { return SimStep{} }

// RandomProfile 是随机模式的概率参数
type RandomProfile struct {
	Seed          int64
	PassRate      float64
	MissingRate   float64
	DuplicateRate float64
}

// SimEngine 先按脚本返回结果，脚本耗尽后按随机参数生成（未配置时一律无响应）
type SimEngine struct {
	mu      sync.Mutex
	script  []SimStep
	calls   int
	random  *RandomProfile
	rng     *rand.Rand
	seen    []string
	counter int
}

// NewSimEngine 创建脚本化引擎
func NewSimEngine(script ...SimStep) *SimEngine {
	return &SimEngine{script: script}
}

// NewRandomEngine 创建随机引擎
func NewRandomEngine(p RandomProfile) *SimEngine {
	return &SimEngine{random: &p, rng: rand.New(rand.NewSource(p.Seed))}
}

// Calls 返回已执行的测试次数
func (e *SimEngine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *SimEngine) RunTest(ctx context.Context, timeout time.Duration) (Result, bool, error) {
	e.mu.Lock()
	step := e.next()
	e.calls++
	e.mu.Unlock()

	if step.Delay > 0 {
		d := step.Delay
		if d > timeout {
			d = timeout
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return Result{}, false, ctx.Err()
		}
	}
	if step.Err != nil {
		return Result{}, false, step.Err
	}
	if step.Outcome == "" {
		return Result{}, false, nil
	}
	return Result{UnitID: step.UnitID, Outcome: step.Outcome}, true, nil
}

func (e *SimEngine) next() SimStep {
	if e.calls < len(e.script) {
		return e.script[e.calls]
	}
	if e.random == nil {
		return Empty()
	}

	r := e.rng.Float64()
	switch {
	case r < e.random.MissingRate:
		return Empty()
	case r < e.random.MissingRate+e.random.DuplicateRate && len(e.seen) > 0:
		return Pass(e.seen[e.rng.Intn(len(e.seen))])
	}

	e.counter++
	id := fmt.Sprintf("SIM%08d", e.counter)
	e.seen = append(e.seen, id)
	if e.rng.Float64() < e.random.PassRate {
		return Pass(id)
	}
	return Fail(id)
}
