package printer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"r2r-test-station/internal/metrics"
)

var (
	// ErrConnectionReset 连接断开、EOF 或应答超时，可重连后重放
	ErrConnectionReset = errors.New("printer connection reset")
	// ErrNeedsReset 打印机需要人工复位
	ErrNeedsReset = errors.New("printer needs reset")
)

// Options 是会话参数
type Options struct {
	Timeout  time.Duration // 单个请求的读写期限
	Attempts int           // QueryRetry 的最大尝试次数
	Logger   *slog.Logger
}

// Session 是与打印机的持久 TCP 会话，由打印工作者独占
type Session struct {
	addr   string
	opts   Options
	mu     sync.Mutex
	conn   net.Conn
	r      *bufio.Reader
	logger *slog.Logger
}

// Dial 建立会话
func Dial(ctx context.Context, addr string, opts Options) (*Session, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	d := net.Dialer{Timeout: opts.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("连接打印机 %s: %w", addr, err)
	}
	opts.Logger.Info("打印机已连接", "addr", addr)
	return &Session{
		addr:   addr,
		opts:   opts,
		conn:   conn,
		r:      bufio.NewReader(conn),
		logger: opts.Logger,
	}, nil
}

// Query 发送一条请求并读取一条应答。
// 任何 I/O 失败（包括超时）都包装为 ErrConnectionReset，因为流已不同步。
func (s *Session) Query(ctx context.Context, req Request) (Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return Reply{}, fmt.Errorf("%s: %w: session closed", req, ErrConnectionReset)
	}

	deadline := time.Now().Add(s.opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetDeadline(deadline)

	if _, err := s.conn.Write(req.Encode()); err != nil {
		return Reply{}, s.ioError(req, err)
	}
	raw, err := s.r.ReadString(0)
	if err != nil {
		return Reply{}, s.ioError(req, err)
	}
	reply, err := ParseReply(raw)
	if err != nil {
		metrics.PrinterCommandsTotal.WithLabelValues(string(req.Cmd), "invalid").Inc()
		return Reply{}, fmt.Errorf("%s: %w", req, err)
	}
	metrics.PrinterCommandsTotal.WithLabelValues(string(req.Cmd), reply.Kind.String()).Inc()
	s.logger.Debug("打印机应答", "request", req.String(), "reply", reply.Kind)
	return reply, nil
}

func (s *Session) ioError(req Request, err error) error {
	metrics.PrinterCommandsTotal.WithLabelValues(string(req.Cmd), "io_error").Inc()
	return fmt.Errorf("%s: %w: %w", req, ErrConnectionReset, err)
}

// QueryRetry 在 ERR 应答时重试，最多 Attempts 次；全部 ERR 时返回 ErrNeedsReset
func (s *Session) QueryRetry(ctx context.Context, req Request) (Reply, error) {
	for attempt := 1; attempt <= s.opts.Attempts; attempt++ {
		reply, err := s.Query(ctx, req)
		if err != nil {
			return Reply{}, err
		}
		if reply.Kind != ReplyErr {
			return reply, nil
		}
		s.logger.Warn("打印机返回 ERR，重试", "request", req.String(), "attempt", attempt, "max", s.opts.Attempts)
	}
	return Reply{}, fmt.Errorf("%s: %d consecutive ERR replies: %w", req, s.opts.Attempts, ErrNeedsReset)
}

// Expect 要求 ACK 应答
func (s *Session) Expect(ctx context.Context, req Request) error {
	reply, err := s.QueryRetry(ctx, req)
	if err != nil {
		return err
	}
	if reply.Kind != ReplyAck {
		return fmt.Errorf("%s: unexpected %s reply: %w", req, reply.Kind, ErrNeedsReset)
	}
	return nil
}

// Status 查询打印机状态
func (s *Session) Status(ctx context.Context) (StatusReply, error) {
	reply, err := s.QueryRetry(ctx, Status())
	if err != nil {
		return StatusReply{}, err
	}
	if reply.Kind != ReplyStatus {
		return StatusReply{}, fmt.Errorf("GST: unexpected %s reply: %w", reply.Kind, ErrNeedsReset)
	}
	return reply.Status, nil
}

// Close 尽力发送 SST|2| 后关闭连接
func (s *Session) Close() error {
	if _, err := s.Query(context.Background(), SetState(StateShuttingDown)); err != nil {
		s.logger.Warn("关闭打印机失败", "error", err)
	}
	return s.Abort()
}

// Abort 直接关闭连接，不发送任何命令
func (s *Session) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
