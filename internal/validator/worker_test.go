package validator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"r2r-test-station/internal/signal"
	"r2r-test-station/internal/telemetry"
	"r2r-test-station/internal/types"
)

func testConfig() Config {
	return Config{
		MaxReadAttempts:  5,
		MaxBadReads:      10,
		MaxBadReadStreak: 3,
		ReadTimeout:      10 * time.Millisecond,
		QueueTimeout:     20 * time.Millisecond,
	}
}

type harness struct {
	t    *testing.T
	bus  *signal.Bus
	w    *Worker
	done chan error
}

func start(t *testing.T, scanner Scanner, cfg Config, seed int) *harness {
	t.Helper()
	bus := signal.NewBus()
	bus.AddChannel(signal.ScanQueue, seed+2).Seed(seed)
	h := &harness{t: t, bus: bus, w: New(bus, scanner, cfg, telemetry.Discard()), done: make(chan error, 1)}
	go func() { h.done <- h.w.Run(context.Background()) }()
	_, ok := bus.WaitAny(time.Second, signal.Up(types.WorkerValidator))
	require.True(t, ok)
	return h
}

func (h *harness) step(exp *types.Expectation) signal.Flag {
	h.t.Helper()
	if exp != nil {
		require.True(h.t, h.bus.Channel(signal.ScanQueue).Push(*exp, time.Second))
	}
	h.bus.Set(signal.ScanTick)
	f, ok := h.bus.WaitAny(2*time.Second, signal.ValidatorError, signal.ScanValidated, signal.ScanMismatch)
	require.True(h.t, ok, "no scan result")
	h.bus.Clear(f)
	return f
}

func (h *harness) stop() error {
	h.bus.Set(signal.DoneValidator)
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		h.t.Fatal("validator did not exit")
		return nil
	}
}

func TestExhaustedAttemptsThenRecovery(t *testing.T) {
	sc := NewSimScanner(
		Code("R9999"), Code("R9999"), NoCode(), SimRead{Err: errors.New("glare")}, Code("X"),
		Code("R0002"),
	)
	h := start(t, sc, testConfig(), 0)

	assert.Equal(t, signal.ScanMismatch, h.step(&types.Expectation{Location: 1, ExternalID: "R0001", Outcome: types.OutcomePass}))
	assert.Equal(t, 5, sc.Calls())
	assert.Equal(t, Stats{BadReads: 1, BadReadStreak: 1}, h.w.Stats())

	assert.Equal(t, signal.ScanValidated, h.step(&types.Expectation{Location: 2, ExternalID: "R0002", Outcome: types.OutcomePass}))
	assert.Equal(t, Stats{Validated: 1, BadReads: 1, BadReadStreak: 0}, h.w.Stats())

	require.NoError(t, h.stop())
	assert.Empty(t, h.w.Faults())
}

func TestFailExpectsNoCode(t *testing.T) {
	sc := NewSimScanner(Code("R0001"), NoCode())
	h := start(t, sc, testConfig(), 0)

	assert.Equal(t, signal.ScanValidated, h.step(&types.Expectation{Location: 1, Outcome: types.OutcomeFail}))
	assert.Equal(t, 2, sc.Calls())
	require.NoError(t, h.stop())
}

func TestSyntheticEntriesSkipReads(t *testing.T) {
	sc := NewSimScanner()
	h := start(t, sc, testConfig(), 2)

	assert.Equal(t, signal.ScanValidated, h.step(nil))
	assert.Equal(t, signal.ScanValidated, h.step(nil))
	assert.Equal(t, 0, sc.Calls())
	require.NoError(t, h.stop())
}

func TestBadReadStreakIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReadAttempts = 1
	cfg.MaxBadReadStreak = 2
	h := start(t, NewSimScanner(), cfg, 0)

	exp := &types.Expectation{Location: 1, ExternalID: "R0001", Outcome: types.OutcomePass}
	assert.Equal(t, signal.ScanMismatch, h.step(exp))
	assert.Equal(t, signal.ValidatorError, h.step(exp))

	require.Error(t, <-h.done)
	f := <-h.w.Faults()
	assert.Equal(t, types.FaultBadReadStreak, f.Kind)
	assert.Equal(t, types.SeverityFatal, f.Severity)
}

func TestBadReadLimitIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReadAttempts = 1
	cfg.MaxBadReads = 2
	cfg.MaxBadReadStreak = 5
	sc := NewSimScanner(NoCode(), Code("R0002"), NoCode())
	h := start(t, sc, cfg, 0)

	assert.Equal(t, signal.ScanMismatch, h.step(&types.Expectation{Location: 1, ExternalID: "R0001", Outcome: types.OutcomePass}))
	assert.Equal(t, signal.ScanValidated, h.step(&types.Expectation{Location: 2, ExternalID: "R0002", Outcome: types.OutcomePass}))
	assert.Equal(t, signal.ValidatorError, h.step(&types.Expectation{Location: 3, ExternalID: "R0003", Outcome: types.OutcomePass}))

	require.Error(t, <-h.done)
	f := <-h.w.Faults()
	assert.Equal(t, types.FaultBadReadLimit, f.Kind)
}

func TestReadOnlyAcceptsAnyCode(t *testing.T) {
	cfg := testConfig()
	cfg.ReadOnly = true
	cfg.MaxBadReadStreak = 1
	sc := NewSimScanner(Code("PRELABELED-0001"), NoCode(), NoCode(), Code("PRELABELED-0002"), Code("PRELABELED-0003"))
	h := start(t, sc, cfg, 0)

	// 不打印时 Pass 期望没有外部 ID，读到什么码都算通过
	assert.Equal(t, signal.ScanValidated, h.step(&types.Expectation{Location: 1, Outcome: types.OutcomePass}))
	assert.Equal(t, 1, sc.Calls())
	assert.Equal(t, signal.ScanValidated, h.step(&types.Expectation{Location: 2, Outcome: types.OutcomePass}))
	assert.Equal(t, 4, sc.Calls(), "reads until a code is found")
	assert.Equal(t, signal.ScanValidated, h.step(&types.Expectation{Location: 3, Outcome: types.OutcomeFail}))

	assert.Equal(t, Stats{Validated: 3}, h.w.Stats())
	require.NoError(t, h.stop())
	assert.Empty(t, h.w.Faults())
}

func TestMatch(t *testing.T) {
	pass := types.Expectation{ExternalID: "REEL0042", Outcome: types.OutcomePass}
	fail := types.Expectation{Outcome: types.OutcomeFail}

	assert.True(t, Match(pass, "REEL0042", true, 0))
	assert.False(t, Match(pass, "0042", true, 0))
	assert.True(t, Match(pass, "0042", true, 4))
	assert.True(t, Match(pass, "XXXX0042", true, 4))
	assert.False(t, Match(pass, "", false, 4))
	assert.True(t, Match(fail, "", false, 0))
	assert.False(t, Match(fail, "REEL0042", true, 0))
	assert.False(t, Match(types.Expectation{Outcome: types.OutcomePass}, "x", true, 0))
}
