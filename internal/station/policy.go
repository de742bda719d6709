package station

import (
	"fmt"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"

	"r2r-test-station/internal/config"
	"r2r-test-station/internal/types"
)

// Decision 是停机策略在某个 tick 的判定
type Decision struct {
	Stop   bool
	Cause  types.StopCause
	Detail string
}

func stopWith(cause types.StopCause, format string, args ...any) Decision {
	return Decision{Stop: true, Cause: cause, Detail: fmt.Sprintf(format, args...)}
}

type rule struct {
	src     string
	program *vm.Program
}

// StopPolicy 根据计数快照判断是否计划停机。
// 只由控制器 goroutine 调用；滚动窗口由相邻两次快照的差值构造。
type StopPolicy struct {
	cfg   config.PolicyConfig
	rules []rule

	window []bool // 环形缓冲，true 为通过
	head   int
	filled int
	passes int
	last   types.CountersSnapshot
}

// NewStopPolicy 编译自定义规则并创建策略
func NewStopPolicy(cfg config.PolicyConfig) (*StopPolicy, error) {
	p := &StopPolicy{cfg: cfg}
	if cfg.YieldWindow > 0 {
		p.window = make([]bool, cfg.YieldWindow)
	}
	for _, src := range cfg.Rules {
		program, err := expr.Compile(src, expr.Env(ruleEnv(types.CountersSnapshot{})), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("编译停机规则 %q: %w", src, err)
		}
		p.rules = append(p.rules, rule{src: src, program: program})
	}
	return p, nil
}

// ruleEnv 是自定义规则可见的变量
func ruleEnv(s types.CountersSnapshot) map[string]interface{} {
	return map[string]interface{}{
		"tested":               s.Tested,
		"passed":               s.Passed,
		"responded":            s.Responded,
		"missing_labels":       s.MissingLabels,
		"black_list_size":      s.BlackListSize,
		"missing_label_streak": s.MissingLabelStreak,
		"fail_streak":          s.FailStreak,
		"location":             s.Location,
		"yield":                s.Yield(),
	}
}

// WindowYield 返回滚动窗口良率，窗口未满时 ok=false
func (p *StopPolicy) WindowYield() (float64, bool) {
	if len(p.window) == 0 || p.filled < len(p.window) {
		return 0, false
	}
	return float64(p.passes) * 100 / float64(len(p.window)), true
}

// observe 把两次快照之间新增的单元写入窗口，同一 tick 内先记失败再记通过
func (p *StopPolicy) observe(s types.CountersSnapshot) {
	tested := s.Tested - p.last.Tested
	passed := s.Passed - p.last.Passed
	p.last = s
	if len(p.window) == 0 || tested <= 0 {
		return
	}
	for i := int64(0); i < tested; i++ {
		p.push(i >= tested-passed)
	}
}

func (p *StopPolicy) push(pass bool) {
	if p.filled == len(p.window) {
		if p.window[p.head] {
			p.passes--
		}
	} else {
		p.filled++
	}
	p.window[p.head] = pass
	if pass {
		p.passes++
	}
	p.head = (p.head + 1) % len(p.window)
}

// Evaluate 更新窗口并按顺序检查各停机条件
func (p *StopPolicy) Evaluate(s types.CountersSnapshot) (Decision, error) {
	p.observe(s)
	c := p.cfg

	switch {
	case c.DesiredTested > 0 && s.Tested >= c.DesiredTested:
		return stopWith(types.CauseDesiredTested, "tested %d reached target %d", s.Tested, c.DesiredTested), nil
	case c.DesiredPassed > 0 && s.Passed >= c.DesiredPassed:
		return stopWith(types.CauseDesiredPassed, "passed %d reached target %d", s.Passed, c.DesiredPassed), nil
	case c.MaxFailStreak > 0 && s.FailStreak >= c.MaxFailStreak:
		return stopWith(types.CauseFailStreak, "%d fails in a row", s.FailStreak), nil
	}

	if y, ok := p.WindowYield(); ok {
		if p.passes == 0 {
			return stopWith(types.CauseYieldCollapse, "no pass in the last %d units", len(p.window)), nil
		}
		if c.MinYield > 0 && s.Tested > c.YieldWarmup && y < c.MinYield {
			return stopWith(types.CauseYieldFloor, "window yield %.1f%% below %.1f%%", y, c.MinYield), nil
		}
	}

	if c.PassResponseDiff > 0 && s.Responded > c.PassResponseOffset {
		ratio := float64(s.Passed) * 100 / float64(s.Responded)
		if ratio < 100-c.PassResponseDiff {
			return stopWith(types.CausePassResponseDiff, "passed/responded %.1f%% below %.1f%%", ratio, 100-c.PassResponseDiff), nil
		}
	}

	if len(p.rules) > 0 {
		env := ruleEnv(s)
		for _, r := range p.rules {
			out, err := expr.Run(r.program, env)
			if err != nil {
				return Decision{}, fmt.Errorf("执行停机规则 %q: %w", r.src, err)
			}
			if hit, _ := out.(bool); hit {
				return stopWith(types.CauseCustomRule, "rule %q", r.src), nil
			}
		}
	}
	return Decision{}, nil
}
