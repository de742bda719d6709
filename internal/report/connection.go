package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNoChannel 表示当前没有可用的 AMQP 通道（正在重连或已关闭）
var ErrNoChannel = errors.New("no amqp channel available")

// Connection 包装 AMQP 连接，断开后在后台按指数退避重连
type Connection struct {
	url    string
	logger *slog.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel

	closed   bool
	closedCh chan struct{}
}

// Dial 建立连接并启动监视 goroutine
func Dial(url string, logger *slog.Logger) (*Connection, error) {
	c := &Connection{
		url:      url,
		logger:   logger.With("component", "amqp"),
		closedCh: make(chan struct{}),
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	go c.watch()
	return c, nil
}

func (c *Connection) connect() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()
	c.logger.Info("已连接消息代理")
	return nil
}

// watch 等待连接关闭通知，非主动关闭时重连
func (c *Connection) watch() {
	for {
		c.mu.RLock()
		conn := c.conn
		closed := c.closed
		c.mu.RUnlock()
		if closed {
			return
		}

		notify := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-c.closedCh:
			return
		case err := <-notify:
			if err != nil {
				c.logger.Warn("消息代理连接断开", "error", err)
			}
			c.mu.Lock()
			c.channel = nil
			c.mu.Unlock()
			if !c.reconnect() {
				return
			}
		}
	}
}

func (c *Connection) reconnect() bool {
	delay := time.Second
	for {
		select {
		case <-c.closedCh:
			return false
		case <-time.After(delay):
		}
		if err := c.connect(); err != nil {
			c.logger.Warn("重连失败", "error", err, "delay", delay)
			delay = min(delay*2, 30*time.Second)
			continue
		}
		return true
	}
}

// WithChannel 用当前通道执行 fn
func (c *Connection) WithChannel(fn func(ch *amqp.Channel) error) error {
	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()
	if ch == nil {
		return ErrNoChannel
	}
	return fn(ch)
}

// Send 以持久化方式发布一条消息
func (c *Connection) Send(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	return c.WithChannel(func(ch *amqp.Channel) error {
		return ch.PublishWithContext(ctx, exchange, key, false, false, msg)
	})
}

func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// Close 关闭通道和连接，之后不再重连
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closedCh)

	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}
