package report

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RoutingKey 路由键
type RoutingKey string

const (
	RoutingKeyUnit    RoutingKey = "unit"
	RoutingKeyFault   RoutingKey = "fault"
	RoutingKeySummary RoutingKey = "summary"
)

// Binding 是一条队列绑定
type Binding struct {
	Queue string
	Key   RoutingKey
}

// Bindings 返回某个交换机下的队列，队列名以交换机名为前缀
func Bindings(exchange string) []Binding {
	return []Binding{
		{Queue: exchange + ".units", Key: RoutingKeyUnit},
		{Queue: exchange + ".faults", Key: RoutingKeyFault},
		{Queue: exchange + ".summaries", Key: RoutingKeySummary},
	}
}

// SetupTopology 声明 direct 交换机、持久队列及绑定，可重复调用
func SetupTopology(conn *Connection, exchange string) error {
	return conn.WithChannel(func(ch *amqp.Channel) error {
		err := ch.ExchangeDeclare(
			exchange, // name
			"direct", // type
			true,     // durable
			false,    // auto-deleted
			false,    // internal
			false,    // no-wait
			nil,      // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", exchange, err)
		}

		for _, b := range Bindings(exchange) {
			if _, err := ch.QueueDeclare(b.Queue, true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare queue %s: %w", b.Queue, err)
			}
			if err := ch.QueueBind(b.Queue, string(b.Key), exchange, false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", b.Queue, exchange, err)
			}
		}
		return nil
	})
}
