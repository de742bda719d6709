// Package report 把单元、故障和运行汇总发布到 AMQP 交换机，供上游系统入库
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"r2r-test-station/internal/types"
)

// MessageType 消息类型
type MessageType string

const (
	MessageTypeUnitTested  MessageType = "unit.tested"
	MessageTypeFaultRaised MessageType = "fault.raised"
	MessageTypeRunFinished MessageType = "run.finished"
)

// Message 是发布到交换机的信封
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Station   string      `json:"station"`
	RunID     string      `json:"run_id"`
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// FaultPayload 携带故障的错误文本（FaultRecord 不序列化 Err）
type FaultPayload struct {
	Worker   types.WorkerID  `json:"worker"`
	Kind     types.FaultKind `json:"kind"`
	Severity types.Severity  `json:"severity"`
	Message  string          `json:"message"`
	Error    string          `json:"error,omitempty"`
	At       time.Time       `json:"at"`
}

// Sender 发送一条已编码的消息，由 *Connection 实现
type Sender interface {
	Send(ctx context.Context, exchange, key string, msg amqp.Publishing) error
}

// Publisher 发布工站报告
type Publisher struct {
	sender   Sender
	exchange string
	station  string
	logger   *slog.Logger
}

func NewPublisher(sender Sender, exchange, station string, logger *slog.Logger) *Publisher {
	return &Publisher{
		sender:   sender,
		exchange: exchange,
		station:  station,
		logger:   logger.With("component", "report"),
	}
}

func (p *Publisher) newMessage(t MessageType, runID string, payload any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      t,
		Station:   p.station,
		RunID:     runID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Publish 编码并以持久化投递发布
func (p *Publisher) Publish(ctx context.Context, key RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	err = p.sender.Send(ctx, p.exchange, string(key), amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Type:         string(msg.Type),
		AppId:        p.station,
		Timestamp:    msg.Timestamp,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", p.exchange, key, err)
	}
	p.logger.Debug("已发布消息", "routing_key", key, "message_id", msg.ID, "type", msg.Type)
	return nil
}

func (p *Publisher) PublishUnit(ctx context.Context, runID string, u types.Unit) error {
	return p.Publish(ctx, RoutingKeyUnit, p.newMessage(MessageTypeUnitTested, runID, u))
}

func (p *Publisher) PublishFault(ctx context.Context, runID string, f types.FaultRecord) error {
	payload := FaultPayload{
		Worker:   f.Worker,
		Kind:     f.Kind,
		Severity: f.Severity,
		Message:  f.Message,
		At:       f.At,
	}
	if f.Err != nil {
		payload.Error = f.Err.Error()
	}
	return p.Publish(ctx, RoutingKeyFault, p.newMessage(MessageTypeFaultRaised, runID, payload))
}

func (p *Publisher) PublishSummary(ctx context.Context, s types.RunSummary) error {
	return p.Publish(ctx, RoutingKeySummary, p.newMessage(MessageTypeRunFinished, s.RunID, s))
}
