package fsm

import (
	"fmt"
	"log/slog"
	"sync"
)

// State 定义状态类型
type State string

// Event 定义事件类型
type Event string

// Transition 描述一条合法的状态转移
type Transition struct {
	From  State
	Event Event
	To    State
}

// Callback 在进入某个状态后同步调用，回调中不要再调用 Fire
type Callback func(targetID string, from State, event Event)

// FSM 有限状态机
type FSM struct {
	mu      sync.Mutex
	current State
	// transitions 定义状态转移表: CurrentState -> Event -> NextState
	transitions map[State]map[Event]State
	// callbacks 定义状态变更后的回调: State -> func()
	callbacks map[State]Callback
	targetID  string // 关联的目标对象ID（如工作者、运行ID）
	logger    *slog.Logger
}

// New 以初始状态和转移表创建状态机
func New(targetID string, initial State, transitions []Transition, logger *slog.Logger) *FSM {
	if logger == nil {
		logger = slog.Default()
	}
	f := &FSM{
		current:     initial,
		targetID:    targetID,
		transitions: make(map[State]map[Event]State),
		callbacks:   make(map[State]Callback),
		logger:      logger.With("fsm", targetID),
	}
	for _, t := range transitions {
		f.addTransition(t.From, t.Event, t.To)
	}
	return f
}

func (f *FSM) addTransition(from State, event Event, to State) {
	if _, ok := f.transitions[from]; !ok {
		f.transitions[from] = make(map[Event]State)
	}
	f.transitions[from][event] = to
}

// RegisterCallback 注册状态进入时的回调
func (f *FSM) RegisterCallback(state State, callback Callback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks[state] = callback
}

// Current 返回当前状态
func (f *FSM) Current() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Can 判断当前状态下事件是否合法
func (f *FSM) Can(event Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.transitions[f.current][event]
	return ok
}

// Fire 触发事件
func (f *FSM) Fire(event Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	// 查找合法的转移
	nextState, ok := f.transitions[f.current][event]
	if !ok {
		return fmt.Errorf("invalid transition: cannot fire event %s from state %s", event, f.current)
	}

	prevState := f.current
	f.current = nextState

	f.logger.Debug("状态转移", "from", prevState, "to", nextState, "event", event)

	if cb, exists := f.callbacks[nextState]; exists {
		cb(f.targetID, prevState, event)
	}

	return nil
}
