package model

import (
	"errors"
	"fmt"
)

// ストレージおよびエンジンが返すセンチネルエラー。
var (
	// ErrDuplicateEmail は正規化済みメールアドレスが既に登録されている場合に返る。
	ErrDuplicateEmail = errors.New("duplicate email")
	// ErrStaleStep は advance 時点でリードのステップが期待値と一致しない場合に返る。
	ErrStaleStep = errors.New("stale step")
	// ErrLeadNotFound は指定IDのリードが存在しない場合に返る。
	ErrLeadNotFound = errors.New("lead not found")
	// ErrGatewayFailure は配信ゲートウェイが送信に失敗した場合に返る。
	ErrGatewayFailure = errors.New("gateway failure")
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, admin, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidEmail   = "INVALID_EMAIL"
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeInternal       = "INTERNAL_ERROR"
	ErrCodeRateLimited    = "RATE_LIMITED"
	ErrCodeEngineBusy     = "ENGINE_UNAVAILABLE"
	ErrCodeCrossOrigin    = "CROSS_ORIGIN_REJECTED"
)

// NewInvalidEmailError は無効なメールアドレスエラーを生成する。
func NewInvalidEmailError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidEmail,
		Message:  "Invalid email",
		Category: "validation",
		Action:   "有効なメールアドレスを入力してください。",
	}
}

// NewInvalidRequestError はリクエストボディの解析失敗エラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式またはフォーム形式でリクエストしてください。",
	}
}

// NewInternalError は内部エラーを生成する。
// 詳細はログのみに記録し、呼び出し元には一般的なメッセージを返す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewEngineUnavailableError はシーケンスエンジンが停止中または応答しない場合のエラーを生成する。
func NewEngineUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeEngineBusy,
		Message:  "シーケンスエンジンが応答しません。",
		Category: "admin",
		Action:   "ワーカーの状態を確認してから再度実行してください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "Too many requests",
		Category: "validation",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewCrossOriginError は別オリジンからの状態変更リクエストを拒否するエラーを生成する。
func NewCrossOriginError() *APIError {
	return &APIError{
		Code:     ErrCodeCrossOrigin,
		Message:  "Cross-origin request rejected",
		Category: "admin",
		Action:   "管理画面から直接操作してください。",
	}
}
