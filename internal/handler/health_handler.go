package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthChecker はストレージの疎通確認インターフェース。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// HealthHandler はヘルスチェックのHTTPハンドラー。
type HealthHandler struct {
	checker HealthChecker
	logger  *slog.Logger
	now     func() time.Time
}

// NewHealthHandler はHealthHandlerを生成する。
// checkerがnilの場合（メモリストア）は常に正常を返す。
func NewHealthHandler(checker HealthChecker, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{checker: checker, logger: logger, now: time.Now}
}

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Time    string `json:"time"`
}

// Health はサービスの稼働状態を返す。
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Service: "dripman",
		Time:    h.now().UTC().Format(time.RFC3339),
	}

	if h.checker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := h.checker.PingContext(ctx); err != nil {
			h.logger.Error("ヘルスチェックでストレージに接続できません",
				slog.String("error", err.Error()),
			)
			resp.Status = "unavailable"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
