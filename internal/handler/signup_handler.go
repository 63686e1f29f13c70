package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"

	"github.com/hitoshi/dripman/internal/middleware"
	"github.com/hitoshi/dripman/internal/model"
	"github.com/hitoshi/dripman/internal/signup"
)

// maxSignupBody はサインアップリクエストボディの上限。
const maxSignupBody = 16 << 10

// SignupServiceInterface はサインアップハンドラーが必要とするサービスインターフェース。
type SignupServiceInterface interface {
	Signup(ctx context.Context, req signup.Request) (signup.Result, error)
}

// SignupHandler はリード登録フォームのHTTPハンドラー。
type SignupHandler struct {
	service SignupServiceInterface
	logger  *slog.Logger
}

// NewSignupHandler はSignupHandlerを生成する。
func NewSignupHandler(service SignupServiceInterface, logger *slog.Logger) *SignupHandler {
	return &SignupHandler{service: service, logger: logger}
}

// subscribeResponse はフォームに返すレスポンス。
type subscribeResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// Subscribe はリード登録を処理する。
// POST /subscribe
// JSONとフォーム（application/x-www-form-urlencoded）の両方を受け付ける。
// 登録済みのメールアドレスでも成功を返す。
func (h *SignupHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSignupBody)

	req, err := decodeSignupRequest(r)
	if err != nil {
		h.writeError(w, model.NewInvalidRequestError())
		return
	}

	if _, err := h.service.Signup(r.Context(), req); err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			h.writeError(w, apiErr)
			return
		}
		h.logger.Error("サインアップに失敗しました",
			slog.String("error", err.Error()),
			slog.String("remote_ip", middleware.ClientIP(r)),
		)
		h.writeError(w, model.NewInternalError())
		return
	}

	writeJSON(w, http.StatusOK, subscribeResponse{OK: true})
}

func (h *SignupHandler) writeError(w http.ResponseWriter, apiErr *model.APIError) {
	writeJSON(w, middleware.StatusForCode(apiErr.Code), subscribeResponse{
		OK:    false,
		Error: apiErr.Message,
		Code:  apiErr.Code,
	})
}

// decodeSignupRequest はContent-Typeに応じてリクエストを読み取る。
func decodeSignupRequest(r *http.Request) (signup.Request, error) {
	var req signup.Request

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, err
		}
		return req, nil
	}

	if err := r.ParseForm(); err != nil {
		return req, err
	}
	req.Email = r.PostForm.Get("email")
	req.Name = r.PostForm.Get("name")
	req.Source = r.PostForm.Get("source")
	return req, nil
}
