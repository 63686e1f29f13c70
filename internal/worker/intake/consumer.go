package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hitoshi/dripman/internal/model"
	"github.com/hitoshi/dripman/internal/signup"
)

const (
	consumerTag    = "dripman-intake"
	prefetchCount  = 10
	reconnectDelay = 5 * time.Second
	handleTimeout  = 30 * time.Second
)

// Signupper はサインアップ処理のインターフェース。
type Signupper interface {
	Signup(ctx context.Context, req signup.Request) (signup.Result, error)
}

// Consumer はサインアップイベントのキューを購読する。
type Consumer struct {
	url      string
	topology Topology
	signup   Signupper
	logger   *slog.Logger
}

// NewConsumer はConsumerの新しいインスタンスを生成する。
func NewConsumer(url string, topology Topology, signupSvc Signupper, logger *slog.Logger) *Consumer {
	if topology.Exchange == "" {
		topology.Exchange = DefaultExchange
	}
	if topology.Queue == "" {
		topology.Queue = DefaultQueue
	}
	return &Consumer{
		url:      url,
		topology: topology,
		signup:   signupSvc,
		logger:   logger,
	}
}

// Start はコンテキストがキャンセルされるまで購読を継続する。
// 接続が切れた場合は一定時間待って再接続する。
func (c *Consumer) Start(ctx context.Context) {
	c.logger.Info("サインアップキューの購読を開始しました",
		slog.String("queue", c.topology.Queue),
	)
	for {
		err := c.run(ctx)
		if ctx.Err() != nil {
			c.logger.Info("サインアップキューの購読を停止しました")
			return
		}
		c.logger.Error("サインアップキューの購読が中断されました。再接続します",
			slog.String("error", errString(err)),
			slog.Duration("retry_in", reconnectDelay),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// run は1回の接続で購読を行う。接続が閉じられた場合はエラーを返す。
func (c *Consumer) run(ctx context.Context) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("AMQPへの接続に失敗しました: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("チャネルのオープンに失敗しました: %w", err)
	}
	defer ch.Close()

	if err := c.topology.Declare(ch); err != nil {
		return err
	}
	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		return fmt.Errorf("QoSの設定に失敗しました: %w", err)
	}

	msgs, err := ch.Consume(c.topology.Queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("コンシューマの登録に失敗しました: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("配信チャネルが閉じられました")
			}
			c.Handle(ctx, d)
		}
	}
}

// Handle は1件のメッセージを処理し、Ack/Nackを行う。
//   - 不正なJSONや無効なメールアドレス: Nack（再キューなし、デッドレターへ）
//   - ストレージエラー: Nack（再キューあり）
//   - 成功または登録済み: Ack
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) {
	var req signup.Request
	if err := json.Unmarshal(d.Body, &req); err != nil {
		c.logger.Warn("サインアップメッセージのJSONが不正です",
			slog.String("error", err.Error()),
			slog.String("message_id", d.MessageId),
		)
		c.nack(d, false)
		return
	}

	hctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	res, err := c.signup.Signup(hctx, req)
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			c.logger.Warn("サインアップメッセージを拒否しました",
				slog.String("code", apiErr.Code),
				slog.String("message_id", d.MessageId),
			)
			c.nack(d, false)
			return
		}
		c.logger.Error("サインアップ処理に失敗しました。再キューします",
			slog.String("error", err.Error()),
			slog.String("message_id", d.MessageId),
		)
		c.nack(d, true)
		return
	}

	if err := d.Ack(false); err != nil {
		c.logger.Error("Ackに失敗しました", slog.String("error", err.Error()))
		return
	}
	c.logger.Info("サインアップメッセージを処理しました",
		slog.String("lead_id", res.LeadID),
		slog.Bool("created", res.Created),
	)
}

func (c *Consumer) nack(d amqp.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		c.logger.Error("Nackに失敗しました", slog.String("error", err.Error()))
	}
}

func errString(err error) string {
	if err == nil {
		return "connection closed"
	}
	return err.Error()
}
