// Package delivery はメール送信ゲートウェイを提供する。
// ゲートウェイは1通のメッセージを1人の宛先へ送信し、成否のみを返す。
// 送信は少なくとも1回（at-least-once）の意味論で扱われ、
// 呼び出し側は重複送信を許容する。
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/dripman/internal/model"
)

// Message は送信する1通のメール。
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Gateway はメール送信の抽象。
// Sendはctxの期限内に完了しなければならない。失敗時はmodel.ErrGatewayFailureを
// ラップしたエラーを返す。
type Gateway interface {
	Send(ctx context.Context, msg Message) error
}

// gatewayError はmodel.ErrGatewayFailureをラップしたエラーを生成する。
func gatewayError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", model.ErrGatewayFailure, fmt.Sprintf(format, args...))
}

// validate は送信前にメッセージの必須項目を検証する。
func (m Message) validate() error {
	if strings.TrimSpace(m.To) == "" {
		return gatewayError("宛先が空です")
	}
	if m.HTML == "" && m.Text == "" {
		return gatewayError("本文が空です")
	}
	return nil
}

// LogGateway は実際には送信せず、ログ出力のみを行うドライラン用ゲートウェイ。
type LogGateway struct {
	logger *slog.Logger
}

// NewLogGateway はLogGatewayの新しいインスタンスを生成する。
func NewLogGateway(logger *slog.Logger) *LogGateway {
	return &LogGateway{logger: logger}
}

// Send はメッセージの概要をログに出力し、常に成功を返す。
func (g *LogGateway) Send(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	g.logger.InfoContext(ctx, "メールを送信しました（ドライラン）",
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
		slog.Int("html_bytes", len(msg.HTML)),
	)
	return nil
}

var _ Gateway = (*LogGateway)(nil)
