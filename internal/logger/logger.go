// Package logger はJSON構造化ログの初期化を提供する。
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ServiceName はすべてのログに付与されるサービス名。
const ServiceName = "dripman"

// ParseLevel はLOG_LEVELの値をslog.Levelに変換する。
// 未知の値や空文字の場合はInfoを返す。
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
// すべてのレコードにservice属性を付与する。
func Setup(w io.Writer, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler).With(slog.String("service", ServiceName))
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定し、そのロガーを返す。
// writerがnilの場合はos.Stdoutに出力する。
func SetupDefault(w io.Writer, level slog.Level) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	logger := Setup(w, level)
	slog.SetDefault(logger)
	return logger
}
