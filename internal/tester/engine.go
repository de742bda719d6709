// Package tester 实现测试工作者：在每个到位事件上触发一次射频测试并对单元分类。
package tester

import (
	"context"
	"time"

	"r2r-test-station/internal/types"
)

// Result 是测试引擎对一个单元的结论
type Result struct {
	UnitID  string             `json:"unit_id"`
	Outcome types.Outcome      `json:"outcome"` // 只取 Pass 或 Fail
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// Engine 是射频测试夹具
// RunTest 在 timeout 内没有单元响应时返回 (Result{}, false, nil)
type Engine interface {
	RunTest(ctx context.Context, timeout time.Duration) (Result, bool, error)
}
