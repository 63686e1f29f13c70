package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// NewRecoveryMiddleware はハンドラー内のpanicを500レスポンスに変換するミドルウェアを生成する。
// http.ErrAbortHandlerはクライアント切断の合図のため、そのまま再送出する。
func NewRecoveryMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}
				logger.LogAttrs(r.Context(), slog.LevelError, "ハンドラーでpanicが発生しました",
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("remote_ip", ClientIP(r)),
					slog.String("stack", string(debug.Stack())),
				)
				WriteInternalServerError(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
