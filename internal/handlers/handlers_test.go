package handlers

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"r2r-test-station/internal/event"
	"r2r-test-station/internal/persistence"
	"r2r-test-station/internal/report"
	"r2r-test-station/internal/store"
	"r2r-test-station/internal/telemetry"
	"r2r-test-station/internal/types"
	"r2r-test-station/internal/web"
)

type recordingSender struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordingSender) Send(_ context.Context, _, key string, _ amqp.Publishing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	return nil
}

func TestEventsReachEverySink(t *testing.T) {
	dir := t.TempDir()
	journal, err := persistence.OpenJournal(filepath.Join(dir, "journal.log"))
	require.NoError(t, err)
	defer journal.Close()
	db, err := store.New(filepath.Join(dir, "station.db"))
	require.NoError(t, err)
	defer db.Close()
	sender := &recordingSender{}
	tracker := web.NewStateTracker("line-1", nil)

	bus := event.NewBus()
	RegisterEventHandlers(bus, Sinks{
		Tracker:   tracker,
		Journal:   journal,
		Store:     db,
		Publisher: report.NewPublisher(sender, "r2r.events", "line-1", telemetry.Discard()),
	}, telemetry.Discard())

	ctx := context.Background()
	require.NoError(t, journal.RunStarted("run-1", 10, 100))
	require.NoError(t, db.StartRun(ctx, "run-1", 10, 100, time.Now()))

	bus.Publish(event.Event{Type: event.StateChanged, RunID: "run-1", State: "RUNNING"})
	bus.Wait()
	bus.Publish(event.Event{Type: event.UnitTested, RunID: "run-1", Unit: &types.Unit{Location: 1, ExternalID: "R0010", Outcome: types.OutcomePass, TestedAt: time.Now()}})
	bus.Publish(event.Event{Type: event.UnitTested, RunID: "run-1", Unit: &types.Unit{Location: 2, Outcome: types.OutcomeFail, TestedAt: time.Now()}})
	f := types.NewFault(types.WorkerTester, types.FaultMissingLabelStreak, nil, "6 missing labels")
	bus.Publish(event.Event{Type: event.FaultRaised, RunID: "run-1", Fault: &f})
	bus.Publish(event.Event{Type: event.CountersUpdated, RunID: "run-1", Counters: &types.CountersSnapshot{Tested: 2, Passed: 1, Location: 2}})

	sum := types.RunSummary{
		RunID:               "run-1",
		Cause:               types.CauseMissingLabelStreak,
		Planned:             true,
		Counters:            types.CountersSnapshot{Tested: 2, Passed: 1, Location: 2},
		NextExternalCounter: 11,
		ReelLocation:        102,
		StartedAt:           time.Now(),
		FinishedAt:          time.Now(),
	}
	bus.PublishSync(event.Event{Type: event.RunFinished, RunID: "run-1", Summary: &sum})

	// 看板
	st := tracker.GetStateSnapshot()
	assert.Equal(t, "run-1", st.RunID)
	assert.Len(t, st.Recent, 2)
	require.NotNil(t, st.LastFault)
	require.NotNil(t, st.Summary)

	// 运行日志
	rp, err := journal.ResumePoint()
	require.NoError(t, err)
	assert.True(t, rp.Complete)
	assert.Equal(t, int64(11), rp.NextExternalCounter)
	assert.Equal(t, int64(102), rp.ReelLocation)

	// 数据库
	units, err := db.ListUnits(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, units, 2)
	faults, err := db.ListFaults(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, faults, 1)
	run, err := db.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.CauseMissingLabelStreak, run.Cause)

	// 消息队列：汇总总是最后一条
	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.ElementsMatch(t, []string{"unit", "unit", "fault", "summary"}, sender.keys)
	assert.Equal(t, "summary", sender.keys[len(sender.keys)-1])
}

func TestNilSinksAreSkipped(t *testing.T) {
	bus := event.NewBus()
	RegisterEventHandlers(bus, Sinks{}, telemetry.Discard())

	bus.Publish(event.Event{Type: event.UnitTested, RunID: "r", Unit: &types.Unit{Location: 1, Outcome: types.OutcomeFail}})
	bus.PublishSync(event.Event{Type: event.RunFinished, RunID: "r", Summary: &types.RunSummary{RunID: "r"}})
}
