package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"time"
)

// responseRecorder はステータスコードと書き込みバイト数を記録するResponseWriter。
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rr *responseRecorder) WriteHeader(code int) {
	if rr.status == 0 {
		rr.status = code
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytes += n
	return n, err
}

// statusOrOK はハンドラーが何も書かなかった場合に200を返す。
func (rr *responseRecorder) statusOrOK() int {
	if rr.status == 0 {
		return http.StatusOK
	}
	return rr.status
}

// levelForStatus は4xxをWarn、5xxをErrorとしてログレベルを決める。
func levelForStatus(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// NewLoggingMiddleware はリクエストごとにJSON構造化アクセスログを出力するミドルウェアを返す。
func NewLoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &responseRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			status := rec.statusOrOK()
			logger.LogAttrs(r.Context(), levelForStatus(status), "http_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", rec.bytes),
				slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
				slog.String("remote_ip", ClientIP(r)),
			)
		})
	}
}

// ClientIP はリクエスト元のIPアドレスを返す。
// chiのRealIPミドルウェアの後段ではX-Forwarded-For等が反映済み。
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
