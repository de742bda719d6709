// Package validator 在扫描位读取打印在标签上的外部 ID，并与流水线期望比对。
package validator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// Scanner 是光学扫码器。found=false 表示设备报告没有码。
type Scanner interface {
	ScanOnce(ctx context.Context, timeout time.Duration) (code string, found bool, err error)
}

// noRead 是读码器在没有读到码时的应答
var noRead = map[string]bool{"": true, "NR": true, "ERROR": true}

// NetScanner 是以太网读码器：发送触发串，读取一行结果
type NetScanner struct {
	Addr    string
	Trigger string

	mu     sync.Mutex
	conn   net.Conn
	r      *bufio.Reader
	logger *slog.Logger
}

func NewNetScanner(addr, trigger string, logger *slog.Logger) *NetScanner {
	if logger == nil {
		logger = slog.Default()
	}
	if trigger == "" {
		trigger = "LON\r"
	}
	return &NetScanner{Addr: addr, Trigger: trigger, logger: logger.With("component", "scanner")}
}

// ScanOnce 触发一次读码；连接失败时关闭并在下次调用时重连
func (s *NetScanner) ScanOnce(ctx context.Context, timeout time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", s.Addr)
		if err != nil {
			return "", false, fmt.Errorf("连接扫码器 %s: %w", s.Addr, err)
		}
		s.conn, s.r = conn, bufio.NewReader(conn)
	}

	_ = s.conn.SetDeadline(time.Now().Add(timeout))
	if _, err := s.conn.Write([]byte(s.Trigger)); err != nil {
		s.reset()
		return "", false, fmt.Errorf("触发扫码器: %w", err)
	}
	line, err := s.r.ReadString('\r')
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			// 超时视为没有读到码
			s.reset()
			return "", false, nil
		}
		s.reset()
		return "", false, fmt.Errorf("读取扫码结果: %w", err)
	}

	code := strings.TrimSpace(line)
	if noRead[code] {
		return "", false, nil
	}
	return code, true, nil
}

func (s *NetScanner) reset() {
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn, s.r = nil, nil
}

func (s *NetScanner) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}

// SimRead 是模拟扫码器的一次读码结果
type SimRead struct {
	Code string
	Err  error
}

func Code(c string) SimRead { return SimRead{Code: c} }
func NoCode() SimRead       { return SimRead{} }

// SimScanner 按脚本返回读码结果，脚本用完后一直返回没有码
type SimScanner struct {
	mu    sync.Mutex
	reads []SimRead
	calls int
}

// NewSimScanner 以给定脚本创建模拟扫码器
func NewSimScanner(reads ...SimRead) *SimScanner {
	return &SimScanner{reads: reads}
}

// Queue 追加脚本
func (s *SimScanner) Queue(reads ...SimRead) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads = append(s.reads, reads...)
}

func (s *SimScanner) ScanOnce(ctx context.Context, _ time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.reads) == 0 {
		return "", false, ctx.Err()
	}
	r := s.reads[0]
	s.reads = s.reads[1:]
	if r.Err != nil {
		return "", false, r.Err
	}
	return r.Code, r.Code != "", nil
}

// Calls 返回 ScanOnce 被调用的次数
func (s *SimScanner) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
