package station

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"r2r-test-station/internal/config"
	"r2r-test-station/internal/types"
)

func snap(tested, passed int64) types.CountersSnapshot {
	return types.CountersSnapshot{Tested: tested, Passed: passed, Responded: tested}
}

func newPolicy(t *testing.T, cfg config.PolicyConfig) *StopPolicy {
	t.Helper()
	p, err := NewStopPolicy(cfg)
	require.NoError(t, err)
	return p
}

func TestTargetsAndFailStreak(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.PolicyConfig
		s    types.CountersSnapshot
		want types.StopCause
	}{
		{"nothing configured", config.PolicyConfig{}, snap(1000, 10), types.CauseNone},
		{"desired tested", config.PolicyConfig{DesiredTested: 100}, snap(100, 90), types.CauseDesiredTested},
		{"below desired tested", config.PolicyConfig{DesiredTested: 100}, snap(99, 90), types.CauseNone},
		{"desired passed", config.PolicyConfig{DesiredPassed: 50}, snap(80, 50), types.CauseDesiredPassed},
		{"fail streak", config.PolicyConfig{MaxFailStreak: 5}, types.CountersSnapshot{Tested: 9, FailStreak: 5}, types.CauseFailStreak},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := newPolicy(t, tt.cfg).Evaluate(tt.s)
			require.NoError(t, err)
			assert.Equal(t, tt.want != types.CauseNone, d.Stop)
			assert.Equal(t, tt.want, d.Cause)
		})
	}
}

func TestYieldFloorAfterStrictWarmup(t *testing.T) {
	p := newPolicy(t, config.PolicyConfig{YieldWindow: 10, MinYield: 50, YieldWarmup: 20})

	d, _ := p.Evaluate(snap(10, 3))
	assert.False(t, d.Stop, "still warming up")
	y, ok := p.WindowYield()
	require.True(t, ok)
	assert.InDelta(t, 30.0, y, 0.001)

	d, _ = p.Evaluate(snap(20, 6))
	assert.False(t, d.Stop, "tested equal to warm-up does not trigger")

	d, _ = p.Evaluate(snap(21, 6))
	assert.True(t, d.Stop)
	assert.Equal(t, types.CauseYieldFloor, d.Cause)
}

func TestYieldAtFloorDoesNotStop(t *testing.T) {
	p := newPolicy(t, config.PolicyConfig{YieldWindow: 4, MinYield: 50})
	d, _ := p.Evaluate(snap(4, 2))
	assert.False(t, d.Stop)
}

func TestWindowNotFull(t *testing.T) {
	p := newPolicy(t, config.PolicyConfig{YieldWindow: 10, MinYield: 50})
	d, _ := p.Evaluate(snap(9, 0))
	assert.False(t, d.Stop)
	_, ok := p.WindowYield()
	assert.False(t, ok)
}

func TestYieldCollapse(t *testing.T) {
	p := newPolicy(t, config.PolicyConfig{YieldWindow: 5, YieldWarmup: 1000})
	d, _ := p.Evaluate(snap(3, 3))
	assert.False(t, d.Stop)
	d, _ = p.Evaluate(snap(8, 3))
	assert.True(t, d.Stop)
	assert.Equal(t, types.CauseYieldCollapse, d.Cause)
}

func TestPassResponseDiff(t *testing.T) {
	p := newPolicy(t, config.PolicyConfig{PassResponseDiff: 10, PassResponseOffset: 100})

	d, _ := p.Evaluate(types.CountersSnapshot{Tested: 100, Responded: 100, Passed: 10})
	assert.False(t, d.Stop, "offset not reached")

	d, _ = p.Evaluate(types.CountersSnapshot{Tested: 150, Responded: 120, Passed: 108})
	assert.False(t, d.Stop, "90% is not below the threshold")

	d, _ = p.Evaluate(types.CountersSnapshot{Tested: 150, Responded: 120, Passed: 107})
	assert.True(t, d.Stop)
	assert.Equal(t, types.CausePassResponseDiff, d.Cause)
}

func TestCustomRules(t *testing.T) {
	p := newPolicy(t, config.PolicyConfig{Rules: []string{
		"black_list_size > 2",
		"tested > 500 && passed * 100 / tested < 60",
	}})

	d, err := p.Evaluate(snap(400, 100))
	require.NoError(t, err)
	assert.False(t, d.Stop)

	d, err = p.Evaluate(snap(501, 300))
	require.NoError(t, err)
	assert.True(t, d.Stop)
	assert.Equal(t, types.CauseCustomRule, d.Cause)
	assert.Contains(t, d.Detail, "passed * 100")

	d, err = p.Evaluate(types.CountersSnapshot{Tested: 10, BlackListSize: 3})
	require.NoError(t, err)
	assert.Equal(t, types.CauseCustomRule, d.Cause)
}

func TestInvalidRule(t *testing.T) {
	_, err := NewStopPolicy(config.PolicyConfig{Rules: []string{"tested >"}})
	assert.Error(t, err)

	_, err = NewStopPolicy(config.PolicyConfig{Rules: []string{"tested + 1"}})
	assert.Error(t, err, "rules must be boolean")
}
