// Package intake は外部システムからのサインアップイベントをAMQPで受信するワーカーを提供する。
// 処理できないメッセージはデッドレターキューへ送られる。
package intake

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// DefaultExchange はサインアップイベントの既定のexchange名。
	DefaultExchange = "ex.signups"
	// DefaultQueue はサインアップイベントの既定のキュー名。
	DefaultQueue = "q.signups"
	// RoutingKey はサインアップイベントのルーティングキー。
	RoutingKey = "lead.signup"
)

// Topology はexchangeとキュー、デッドレターの構成。
type Topology struct {
	Exchange string
	Queue    string
}

// DLX はデッドレターexchange名を返す。
func (t Topology) DLX() string { return t.Exchange + ".dlx" }

// DLQ はデッドレターキュー名を返す。
func (t Topology) DLQ() string { return t.Queue + ".dlq" }

// declarer は*amqp.Channelのうちトポロジー宣言に必要な部分。
type declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Declare はデッドレター構成を含むトポロジーを宣言する。冪等。
func (t Topology) Declare(ch declarer) error {
	if err := ch.ExchangeDeclare(t.DLX(), "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("デッドレターexchangeの宣言に失敗しました: %w", err)
	}
	if _, err := ch.QueueDeclare(t.DLQ(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("デッドレターキューの宣言に失敗しました: %w", err)
	}
	if err := ch.QueueBind(t.DLQ(), RoutingKey, t.DLX(), false, nil); err != nil {
		return fmt.Errorf("デッドレターキューのバインドに失敗しました: %w", err)
	}

	if err := ch.ExchangeDeclare(t.Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("exchangeの宣言に失敗しました: %w", err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    t.DLX(),
		"x-dead-letter-routing-key": RoutingKey,
	}
	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("キューの宣言に失敗しました: %w", err)
	}
	if err := ch.QueueBind(t.Queue, RoutingKey, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("キューのバインドに失敗しました: %w", err)
	}
	return nil
}
