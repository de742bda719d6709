package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"r2r-test-station/internal/telemetry"
	"r2r-test-station/internal/types"
)

func TestStateTrackerResetsOnNewRun(t *testing.T) {
	st := NewStateTracker("line-1", nil)
	st.SetState("run-1", "RUNNING")
	st.UpdateCounters(types.CountersSnapshot{Tested: 4, Passed: 3})
	st.RecordFault(types.NewFault(types.WorkerPrinter, types.FaultPrinterTransientFault, nil, "lost"))

	s := st.GetStateSnapshot()
	assert.Equal(t, "run-1", s.RunID)
	assert.InDelta(t, 75.0, s.Yield, 0.001)
	require.NotNil(t, s.LastFault)

	st.SetState("run-2", "STARTING")
	s = st.GetStateSnapshot()
	assert.Equal(t, "line-1", s.Station)
	assert.Equal(t, "STARTING", s.State)
	assert.Zero(t, s.Counters.Tested)
	assert.Nil(t, s.LastFault)
	assert.Equal(t, -1.0, s.Yield)
}

func TestRecentUnitsBounded(t *testing.T) {
	st := NewStateTracker("line-1", nil)
	for i := 1; i <= recentUnits+5; i++ {
		st.RecordUnit(types.Unit{Location: i, Outcome: types.OutcomePass})
	}
	s := st.GetStateSnapshot()
	require.Len(t, s.Recent, recentUnits)
	assert.Equal(t, recentUnits+5, s.Recent[0].Location, "newest first")

	// 快照与内部状态不共享底层数组
	s.Recent[0].Location = -1
	assert.Equal(t, recentUnits+5, st.GetStateSnapshot().Recent[0].Location)
}

func TestServeState(t *testing.T) {
	st := NewStateTracker("line-1", nil)
	st.SetState("run-1", "RUNNING")
	st.Finish(types.RunSummary{RunID: "run-1", Cause: types.CauseDesiredTested, Counters: types.CountersSnapshot{Tested: 10, Passed: 9}})

	rec := httptest.NewRecorder()
	st.ServeState(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))

	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var got StationState
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, int64(10), got.Counters.Tested)
	require.NotNil(t, got.Summary)
	assert.Equal(t, types.CauseDesiredTested, got.Summary.Cause)
}

func TestHubBroadcastsState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(telemetry.Discard())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWs))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	st := NewStateTracker("line-1", hub)
	st.UpdateCounters(types.CountersSnapshot{Tested: 2, Passed: 1})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var got StationState
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, int64(2), got.Counters.Tested)
	assert.InDelta(t, 50.0, got.Yield, 0.001)
}

func TestHubDropsClientOnDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(telemetry.Discard())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWs))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, 5*time.Millisecond)
}
