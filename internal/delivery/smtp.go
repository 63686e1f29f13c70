package delivery

import (
	"context"
	"log/slog"

	"gopkg.in/gomail.v2"
)

// SMTPConfig はSMTPGatewayの設定を保持する。
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

// mailSender はgomail.Dialerのうち送信に必要な部分。
type mailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPGateway はSMTPでメールを送信するゲートウェイ。
// HTML本文とテキスト本文をmultipart/alternativeで送る。
type SMTPGateway struct {
	sender mailSender
	from   string
	logger *slog.Logger
}

// NewSMTPGateway はSMTPGatewayの新しいインスタンスを生成する。
func NewSMTPGateway(cfg SMTPConfig, logger *slog.Logger) *SMTPGateway {
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	return &SMTPGateway{
		sender: gomail.NewDialer(cfg.Host, port, cfg.User, cfg.Password),
		from:   cfg.From,
		logger: logger,
	}
}

// buildMessage はgomailのメッセージを組み立てる。
func (g *SMTPGateway) buildMessage(msg Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", g.from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	switch {
	case msg.Text != "" && msg.HTML != "":
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	case msg.HTML != "":
		m.SetBody("text/html", msg.HTML)
	default:
		m.SetBody("text/plain", msg.Text)
	}
	return m
}

// Send はSMTPで1通送信する。gomailはcontextに対応していないため、
// 送信をgoroutineで実行し、ctxの期限切れを先に検知した場合は失敗として返す。
func (g *SMTPGateway) Send(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}

	m := g.buildMessage(msg)
	done := make(chan error, 1)
	go func() {
		done <- g.sender.DialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			g.logger.ErrorContext(ctx, "SMTP送信に失敗しました",
				slog.String("error", err.Error()),
			)
			return gatewayError("SMTP送信に失敗しました: %v", err)
		}
		return nil
	case <-ctx.Done():
		return gatewayError("SMTP送信がタイムアウトしました: %v", ctx.Err())
	}
}

var _ Gateway = (*SMTPGateway)(nil)
