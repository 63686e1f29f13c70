package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

const (
	// DefaultResendEndpoint はResendのメール送信APIのエンドポイント。
	DefaultResendEndpoint = "https://api.resend.com/emails"

	// maxErrorBodyBytes はエラーレスポンスから読み取る最大バイト数。
	maxErrorBodyBytes = 1024
)

// ResendConfig はResendGatewayの設定を保持する。
type ResendConfig struct {
	APIKey   string
	From     string
	Endpoint string // 空の場合はDefaultResendEndpoint
}

// ResendGateway はResend互換のHTTP APIでメールを送信するゲートウェイ。
// 2xxレスポンスを成功とみなす。
type ResendGateway struct {
	httpClient *http.Client
	logger     *slog.Logger
	apiKey     string
	from       string
	endpoint   string
}

// resendRequest は送信APIのリクエストボディ。
type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
}

// NewResendGateway はResendGatewayの新しいインスタンスを生成する。
// httpClientにはSSRFガード付きのクライアントを渡すことを想定する。
func NewResendGateway(httpClient *http.Client, logger *slog.Logger, cfg ResendConfig) *ResendGateway {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultResendEndpoint
	}
	return &ResendGateway{
		httpClient: httpClient,
		logger:     logger,
		apiKey:     cfg.APIKey,
		from:       cfg.From,
		endpoint:   endpoint,
	}
}

// Send はメッセージをJSONでPOSTする。
func (g *ResendGateway) Send(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(resendRequest{
		From:    g.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
	})
	if err != nil {
		return fmt.Errorf("リクエストJSONの生成に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(payload))
	if err != nil {
		return gatewayError("HTTPリクエストの作成に失敗しました: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Dripman/1.0")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		g.logger.ErrorContext(ctx, "メール送信APIの呼び出しに失敗しました",
			slog.String("error", err.Error()),
		)
		return gatewayError("メール送信APIの呼び出しに失敗しました: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		g.logger.ErrorContext(ctx, "メール送信APIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("body", string(body)),
		)
		return gatewayError("メール送信APIがステータス %d を返しました", resp.StatusCode)
	}

	// 接続を再利用するためボディを読み捨てる
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

var _ Gateway = (*ResendGateway)(nil)
