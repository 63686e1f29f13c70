package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/dripman/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// StatusForCode はエラーコードに対応するHTTPステータスを返す。
func StatusForCode(code string) int {
	switch code {
	case model.ErrCodeInvalidEmail, model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case model.ErrCodeCrossOrigin:
		return http.StatusForbidden
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodeEngineBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteAPIError はエラーコードから導いたステータスで統一エラーを書き込む。
func WriteAPIError(w http.ResponseWriter, apiErr *model.APIError) {
	WriteErrorResponse(w, StatusForCode(apiErr.Code), apiErr)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}
