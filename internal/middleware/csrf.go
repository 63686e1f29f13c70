package middleware

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/dripman/internal/model"
)

// NewSameOriginMiddleware は状態変更リクエストのうち、別オリジンのページから
// 送信されたものを403で拒否するミドルウェアを返す。
// Basic認証の資格情報はブラウザがクロスサイトのフォーム送信にも付与するため、
// 管理ルートではCookieセッションと同様にCSRF対策が必要になる。
//
// 判定順序:
//  1. Sec-Fetch-Site があれば same-origin または none のみ許可
//  2. Origin があればホストがリクエストのHostと一致する場合のみ許可
//  3. どちらもない場合（curl等の非ブラウザクライアント）は許可
func NewSameOriginMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			if reason := crossOriginReason(r); reason != "" {
				logger.Warn("別オリジンからの管理操作を拒否しました",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("reason", reason),
					slog.String("remote_ip", ClientIP(r)),
				)
				WriteAPIError(w, model.NewCrossOriginError())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// isSafeMethod はHTTPメソッドが安全（読み取り専用）かどうかを判定する。
func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// crossOriginReason はリクエストが別オリジン由来と判定された理由を返す。
// 同一オリジンの場合は空文字を返す。
func crossOriginReason(r *http.Request) string {
	if site := r.Header.Get("Sec-Fetch-Site"); site != "" {
		switch strings.ToLower(site) {
		case "same-origin", "none":
			return ""
		default:
			return "sec-fetch-site=" + site
		}
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return ""
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return "origin=" + origin
	}
	if !strings.EqualFold(u.Host, r.Host) {
		return "origin=" + origin
	}
	return ""
}
