package printer

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
)

// Simulator 是进程内的 TCP 打印机，实现同一套协议。
// 每条被接受的 LSL 视为打印一张标签：总计数加一，当前任务为所选行的任务。
// 不做行选择时用 Print 或 SetProductDetect 模拟产品检测触发的打印。
type Simulator struct {
	ln     net.Listener
	logger *slog.Logger

	mu         sync.Mutex
	status     StatusReply
	lines      map[int]string // 行号 -> 任务名
	failNext   map[Command]int
	dropNext   map[Command]bool
	commands   []Request
	selections []int
	conns      map[net.Conn]struct{}
	closed     bool

	productDetect bool
	selected      bool // 上次 STS 之后收到过 LSL

	wg sync.WaitGroup
}

// NewSimulator 在 addr 上监听（"127.0.0.1:0" 取随机端口），打印机初始为 Shutdown
func NewSimulator(addr string, logger *slog.Logger) (*Simulator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Simulator{
		ln:       ln,
		logger:   logger.With("component", "printer-sim"),
		status:   StatusReply{Overall: StateShutdown},
		lines:    make(map[int]string),
		failNext: make(map[Command]int),
		dropNext: make(map[Command]bool),
		conns:    make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr 返回实际监听地址
func (s *Simulator) Addr() string { return s.ln.Addr().String() }

// FailNext 让接下来 n 条 cmd 请求返回 ERR
func (s *Simulator) FailNext(cmd Command, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[cmd] = n
}

// DropNext 在收到下一条 cmd 时不执行并断开连接
func (s *Simulator) DropNext(cmd Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropNext[cmd] = true
}

// SetStatus 直接设置总体状态和错误状态
func (s *Simulator) SetStatus(overall State, errState ErrorState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Overall = overall
	s.status.Error = errState
}

// SetTotal 设置总计数，用于制造计数不同步
func (s *Simulator) SetTotal(total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Total = total
}

// Print 模拟一次产品检测触发：按当前任务打印一张标签
func (s *Simulator) Print() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.printLocked()
}

// SetProductDetect 打开后，运行态下没有前置 LSL 的 STS 先计一次打印
func (s *Simulator) SetProductDetect(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.productDetect = on
}

func (s *Simulator) printLocked() {
	s.status.Batch++
	s.status.Total++
}

// Status 返回当前状态
func (s *Simulator) Status() StatusReply {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Job 返回行上分配的任务
func (s *Simulator) Job(line int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lines[line]
}

// Commands 返回收到的全部请求（包括返回 ERR 的）
func (s *Simulator) Commands() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.commands...)
}

// Selections 返回被接受的行选择序列
func (s *Simulator) Selections() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.selections...)
}

// ResetLog 清空请求和行选择记录
func (s *Simulator) ResetLog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = nil
	s.selections = nil
}

// Close 停止监听并断开所有连接
func (s *Simulator) Close() error {
	s.mu.Lock()
	s.closed = true
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	err := s.ln.Close()
	s.wg.Wait()
	return err
}

func (s *Simulator) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("accept 失败", "error", err)
			}
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Simulator) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		req, err := ParseRequest(line)
		if err != nil {
			_, _ = conn.Write(Reply{Kind: ReplyErr}.Encode())
			continue
		}
		reply, drop := s.handle(req)
		if drop {
			s.logger.Info("模拟断线", "request", req.String())
			return
		}
		if _, err := conn.Write(reply.Encode()); err != nil {
			return
		}
	}
}

func (s *Simulator) handle(req Request) (Reply, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, req)

	if s.dropNext[req.Cmd] {
		delete(s.dropNext, req.Cmd)
		return Reply{}, true
	}
	if n := s.failNext[req.Cmd]; n > 0 {
		s.failNext[req.Cmd] = n - 1
		return Reply{Kind: ReplyErr}, false
	}

	ack, nak := Reply{Kind: ReplyAck}, Reply{Kind: ReplyErr}
	switch req.Cmd {
	case CmdStatus:
		if s.productDetect && !s.selected && s.status.Overall == StateRunning {
			s.printLocked()
		}
		s.selected = false
		return Reply{Kind: ReplyStatus, Status: s.status}, false
	case CmdSetState:
		n, ok := intArg(req, 0)
		if !ok {
			return nak, false
		}
		switch State(n) {
		case StateStartingUp:
			s.status.Overall = StateOffline
		case StateRunning:
			if s.status.Overall == StateShutdown {
				return nak, false
			}
			s.status.Overall = StateRunning
		case StateShuttingDown, StateShutdown:
			s.status.Overall = StateShutdown
		default:
			return nak, false
		}
		return ack, false
	case CmdSelectLine:
		n, ok := intArg(req, 0)
		job, assigned := s.lines[n]
		if !ok || !assigned || s.status.Overall != StateRunning {
			return nak, false
		}
		s.selections = append(s.selections, n)
		s.status.CurrentJob = job
		s.selected = true
		s.printLocked()
		return ack, false
	case CmdClearLine:
		n, ok := intArg(req, 0)
		if !ok {
			return nak, false
		}
		delete(s.lines, n)
		return ack, false
	case CmdAssignJob:
		n, ok := intArg(req, 1)
		if !ok {
			return nak, false
		}
		s.lines[n] = req.Args[0]
		return ack, false
	case CmdClearFaults:
		s.status.Error = ErrorNone
		return ack, false
	case CmdClearQueue:
		// 队列总是空的
		return nak, false
	default:
		return nak, false
	}
}

func intArg(req Request, i int) (int, bool) {
	if len(req.Args) <= i {
		return 0, false
	}
	n, err := strconv.Atoi(req.Args[i])
	return n, err == nil
}
