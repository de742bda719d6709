package web

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"r2r-test-station/internal/types"
)

// recentUnits 是快照中保留的最近单元条数
const recentUnits = 20

// StationState 是看板使用的工站实时快照
type StationState struct {
	Station   string                 `json:"station"`
	RunID     string                 `json:"run_id,omitempty"`
	State     string                 `json:"state"`
	Counters  types.CountersSnapshot `json:"counters"`
	Yield     float64                `json:"yield"`
	Recent    []types.Unit           `json:"recent"` // 最新的在前
	LastFault *types.FaultRecord     `json:"last_fault,omitempty"`
	Summary   *types.RunSummary      `json:"summary,omitempty"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// StateTracker 汇总报告事件，并在每次变化后推送给 Hub
type StateTracker struct {
	mu    sync.RWMutex
	state StationState
	hub   *Hub
}

// NewStateTracker 创建一个新的 StateTracker 实例，hub 可以为 nil
func NewStateTracker(station string, hub *Hub) *StateTracker {
	return &StateTracker{
		state: StationState{Station: station, State: "IDLE", Yield: -1},
		hub:   hub,
	}
}

func (st *StateTracker) update(fn func(s *StationState)) {
	st.mu.Lock()
	fn(&st.state)
	st.state.UpdatedAt = time.Now()
	snap := st.copyLocked()
	st.mu.Unlock()

	if st.hub != nil {
		st.hub.BroadcastState(snap)
	}
}

// SetState 记录控制器状态迁移
func (st *StateTracker) SetState(runID, state string) {
	st.update(func(s *StationState) {
		if s.RunID != runID {
			// 新的运行，清空上一次的数据
			*s = StationState{Station: s.Station, RunID: runID, Yield: -1}
		}
		s.State = state
	})
}

func (st *StateTracker) UpdateCounters(c types.CountersSnapshot) {
	st.update(func(s *StationState) {
		s.Counters = c
		s.Yield = c.Yield()
	})
}

// RecordUnit 把单元放到最近列表的最前面
func (st *StateTracker) RecordUnit(u types.Unit) {
	st.update(func(s *StationState) {
		s.Recent = append([]types.Unit{u}, s.Recent...)
		if len(s.Recent) > recentUnits {
			s.Recent = s.Recent[:recentUnits]
		}
	})
}

func (st *StateTracker) RecordFault(f types.FaultRecord) {
	st.update(func(s *StationState) {
		s.LastFault = &f
	})
}

func (st *StateTracker) Finish(sum types.RunSummary) {
	st.update(func(s *StationState) {
		s.Summary = &sum
		s.Counters = sum.Counters
		s.Yield = sum.Counters.Yield()
	})
}

// GetStateSnapshot 返回当前状态的深拷贝
func (st *StateTracker) GetStateSnapshot() StationState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.copyLocked()
}

func (st *StateTracker) copyLocked() StationState {
	snap := st.state
	snap.Recent = append([]types.Unit(nil), st.state.Recent...)
	return snap
}

// ServeState 以 JSON 返回当前快照
func (st *StateTracker) ServeState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st.GetStateSnapshot())
}
