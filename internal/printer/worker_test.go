package printer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"r2r-test-station/internal/signal"
	"r2r-test-station/internal/telemetry"
	"r2r-test-station/internal/types"
)

func testConfig(addr string) Config {
	return Config{
		Address:         addr,
		Timeout:         time.Second,
		CommandAttempts: 3,
		PassJob:         "PASS",
		FailJob:         "FAIL",
		PassLine:        1,
		FailLine:        2,
		JobFormat:       FormatBarcode,
		Prefix:          "R",
		Digits:          4,
		StartCounter:    1,
		LineSelection:   true,
		CompareLine:     true,
		QueueTimeout:    50 * time.Millisecond,
	}
}

type harness struct {
	t    *testing.T
	bus  *signal.Bus
	sim  *Simulator
	w    *Worker
	done chan error
}

func start(t *testing.T, sim *Simulator, cfg Config, printOffset int) *harness {
	t.Helper()
	bus := signal.NewBus()
	bus.AddChannel(signal.PrintQueue, printOffset+1).Seed(printOffset)
	if cfg.Scanning {
		bus.AddChannel(signal.ScanQueue, printOffset+2)
	}
	h := &harness{t: t, bus: bus, sim: sim, w: New(bus, cfg, telemetry.Discard()), done: make(chan error, 1)}
	go func() { h.done <- h.w.Run(context.Background()) }()

	f, ok := bus.WaitAny(2*time.Second, signal.Up(types.WorkerPrinter), signal.Exited(types.WorkerPrinter))
	require.True(t, ok, "printer did not start")
	if f == signal.Up(types.WorkerPrinter) {
		sim.ResetLog()
	}
	return h
}

// step 模拟一次到位：可选推入期望，置位打印节拍并等待确认
func (h *harness) step(exp *types.Expectation) signal.Flag {
	h.t.Helper()
	if exp != nil {
		require.True(h.t, h.bus.Channel(signal.PrintQueue).Push(*exp, time.Second))
	}
	h.bus.Set(signal.PrintTick)
	f, ok := h.bus.WaitAny(2*time.Second, signal.PrinterError, signal.PrinterValidated)
	require.True(h.t, ok, "no printer validation")
	h.bus.Clear(signal.PrinterValidated)
	return f
}

func (h *harness) stop() error {
	h.t.Helper()
	h.bus.Set(signal.DonePrinter)
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		h.t.Fatal("printer did not exit")
		return nil
	}
}

func pass(loc int, id string) *types.Expectation {
	return &types.Expectation{Location: loc, ExternalID: id, Outcome: types.OutcomePass}
}

func fail(loc int) *types.Expectation {
	return &types.Expectation{Location: loc, Outcome: types.OutcomeFail}
}

func TestStartupNegotiatesRunning(t *testing.T) {
	sim := newSim(t)
	h := start(t, sim, testConfig(sim.Addr()), 0)

	st := sim.Status()
	assert.Equal(t, StateRunning, st.Overall)
	assert.Equal(t, "PASS", sim.Job(1))
	assert.Equal(t, "FAIL", sim.Job(2))
	assert.Empty(t, h.w.Faults())

	require.NoError(t, h.stop())
	assert.Equal(t, StateShutdown, sim.Status().Overall)
}

func TestStartupCommandOrder(t *testing.T) {
	sim := newSim(t)
	var got []string
	bus := signal.NewBus()
	bus.AddChannel(signal.PrintQueue, 1)
	w := New(bus, testConfig(sim.Addr()), telemetry.Discard())
	require.NoError(t, w.open(context.Background(), 42))
	defer w.session.Abort()

	for _, c := range sim.Commands() {
		got = append(got, c.String())
	}
	assert.Equal(t, []string{
		"GST",
		"SST|1|",
		"SST|3|",
		"CAF",
		"CQI",
		"CLN|2|",
		"CLN|1|",
		"LAS|PASS|1|reel_num=RT|tag_number=42|",
		"LAS|FAIL|2|",
		"LSL|2|",
		"GST",
	}, got)
}

func TestSameJobNameSharesFields(t *testing.T) {
	sim := newSim(t)
	cfg := testConfig(sim.Addr())
	cfg.FailJob = cfg.PassJob
	bus := signal.NewBus()
	w := New(bus, cfg, telemetry.Discard())
	require.NoError(t, w.open(context.Background(), 3))
	defer w.session.Abort()

	var las []string
	for _, c := range sim.Commands() {
		if c.Cmd == CmdAssignJob {
			las = append(las, c.String())
		}
	}
	assert.Equal(t, []string{
		"LAS|PASS|1|reel_num=RT|tag_number=3|",
		"LAS|PASS|2|reel_num=RT|tag_number=3|",
	}, las)
}

func TestLineSelectionsFollowOutcomes(t *testing.T) {
	sim := newSim(t)
	h := start(t, sim, testConfig(sim.Addr()), 0)
	before := sim.Status().Total

	for _, exp := range []*types.Expectation{pass(1, "R0001"), fail(2), pass(3, "R0002")} {
		assert.Equal(t, signal.PrinterValidated, h.step(exp))
	}

	assert.Equal(t, []int{1, 2, 1}, sim.Selections())
	assert.Equal(t, before+3, sim.Status().Total)
	assert.Empty(t, h.w.Faults())
	require.NoError(t, h.stop())
}

func TestPrintOffsetDelaysSelections(t *testing.T) {
	sim := newSim(t)
	h := start(t, sim, testConfig(sim.Addr()), 2)

	h.step(pass(1, "R0001"))
	h.step(fail(2))
	assert.Empty(t, sim.Selections(), "seeded entries must not select a line")

	h.step(pass(3, "R0002"))
	assert.Equal(t, []int{1}, sim.Selections(), "third ready event prints unit #1")

	require.NoError(t, h.stop())
}

func TestStartupToleratesTwoErrors(t *testing.T) {
	sim := newSim(t)
	sim.FailNext(CmdClearLine, 2)
	h := start(t, sim, testConfig(sim.Addr()), 0)

	assert.True(t, h.bus.IsSet(signal.Up(types.WorkerPrinter)))
	assert.Empty(t, h.w.Faults())
	require.NoError(t, h.stop())
}

func TestStartupThirdErrorNeedsReset(t *testing.T) {
	sim := newSim(t)
	sim.FailNext(CmdClearLine, 3)
	h := start(t, sim, testConfig(sim.Addr()), 0)

	err := <-h.done
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNeedsReset)
	assert.False(t, h.bus.IsSet(signal.Up(types.WorkerPrinter)))
	assert.True(t, h.bus.IsSet(signal.PrinterError))

	f := <-h.w.Faults()
	assert.Equal(t, types.FaultPrinterNeedsReset, f.Kind)
	assert.Equal(t, types.SeverityFatal, f.Severity)
}

func TestCountMismatchNeedsReset(t *testing.T) {
	sim := newSim(t)
	h := start(t, sim, testConfig(sim.Addr()), 0)

	sim.SetTotal(100)
	assert.Equal(t, signal.PrinterError, h.step(pass(1, "R0001")))

	err := <-h.done
	assert.ErrorIs(t, err, ErrNeedsReset)
	f := <-h.w.Faults()
	assert.Equal(t, types.FaultPrinterNeedsReset, f.Kind)
	assert.Contains(t, f.Message, "R0001")
}

func noLineSelection(addr string) Config {
	cfg := testConfig(addr)
	cfg.LineSelection = false
	cfg.CompareLine = false
	return cfg
}

func TestCountCheckedWithoutLineSelection(t *testing.T) {
	sim := newSim(t)
	h := start(t, sim, noLineSelection(sim.Addr()), 0)

	// 产品检测触发的打印
	sim.Print()
	assert.Equal(t, signal.PrinterValidated, h.step(pass(1, "R0001")))
	sim.Print()
	assert.Equal(t, signal.PrinterValidated, h.step(fail(2)))
	assert.Empty(t, sim.Selections())

	sim.SetTotal(999)
	assert.Equal(t, signal.PrinterError, h.step(pass(3, "R0002")))
	assert.ErrorIs(t, <-h.done, ErrNeedsReset)
	f := <-h.w.Faults()
	assert.Equal(t, types.FaultPrinterNeedsReset, f.Kind)
	assert.Contains(t, f.Error(), "running count 999")
}

func TestMissedPrintWithoutLineSelection(t *testing.T) {
	sim := newSim(t)
	h := start(t, sim, noLineSelection(sim.Addr()), 0)

	// 打印机没有出标签，总计数不变
	assert.Equal(t, signal.PrinterError, h.step(pass(1, "R0001")))
	assert.ErrorIs(t, <-h.done, ErrNeedsReset)
}

func TestProductDetectCountsStatusPolls(t *testing.T) {
	sim := newSim(t)
	sim.SetProductDetect(true)
	h := start(t, sim, noLineSelection(sim.Addr()), 0)
	before := sim.Status().Total

	for _, exp := range []*types.Expectation{pass(1, "R0001"), fail(2), pass(3, "R0002")} {
		assert.Equal(t, signal.PrinterValidated, h.step(exp))
	}
	assert.Equal(t, before+3, sim.Status().Total)
	assert.Empty(t, h.w.Faults())
	require.NoError(t, h.stop())
}

func TestPrinterFaultStateNeedsReset(t *testing.T) {
	sim := newSim(t)
	h := start(t, sim, testConfig(sim.Addr()), 0)

	sim.SetStatus(StateRunning, ErrorWarnings)
	assert.Equal(t, signal.PrinterError, h.step(fail(1)))
	assert.ErrorIs(t, <-h.done, ErrNeedsReset)
}

func TestReconnectReplaysCurrentUnit(t *testing.T) {
	sim := newSim(t)
	h := start(t, sim, testConfig(sim.Addr()), 0)

	assert.Equal(t, signal.PrinterValidated, h.step(pass(1, "R0001")))
	sim.DropNext(CmdSelectLine)
	assert.Equal(t, signal.PrinterValidated, h.step(pass(2, "R0002")))

	f := <-h.w.Faults()
	assert.Equal(t, types.FaultPrinterTransientFault, f.Kind)
	assert.Equal(t, types.SeverityRetryable, f.Severity)

	// 重新初始化时以当前单元的编号下发
	var seeded bool
	for _, c := range sim.Commands() {
		if c.Cmd == CmdAssignJob && strings.Contains(c.String(), "tag_number=2|") {
			seeded = true
		}
	}
	assert.True(t, seeded)
	assert.Equal(t, []int{1, 2, 1}, sim.Selections(), "pass, reconnect init selection, replayed pass")

	assert.Equal(t, signal.PrinterValidated, h.step(fail(3)))
	require.NoError(t, h.stop())
}

func TestForwardsEveryEntryToScanQueue(t *testing.T) {
	sim := newSim(t)
	cfg := testConfig(sim.Addr())
	cfg.Scanning = true
	h := start(t, sim, cfg, 1)

	h.step(pass(1, "R0001"))
	h.step(fail(2))

	scan := h.bus.Channel(signal.ScanQueue)
	first, ok := scan.Pop(0)
	require.True(t, ok)
	assert.True(t, first.Synthetic)
	second, ok := scan.Pop(0)
	require.True(t, ok)
	assert.Equal(t, *pass(1, "R0001"), second)
	require.NoError(t, h.stop())
}

func TestDoneWhileWaitingForExpectation(t *testing.T) {
	sim := newSim(t)
	h := start(t, sim, testConfig(sim.Addr()), 0)

	h.bus.Set(signal.PrintTick)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.stop())
	assert.Empty(t, sim.Selections())
}
