package handler

import (
	"bytes"
	"log/slog"
	"net/http"
)

// LandingConfig はランディングページに表示するキャンペーン情報。
type LandingConfig struct {
	OfferLink  string
	OfferPrice string
}

// LandingHandler はリード登録フォームを含むランディングページのハンドラー。
type LandingHandler struct {
	config LandingConfig
	logger *slog.Logger
}

// NewLandingHandler はLandingHandlerを生成する。
func NewLandingHandler(config LandingConfig, logger *slog.Logger) *LandingHandler {
	return &LandingHandler{config: config, logger: logger}
}

// Index はランディングページを返す。
// GET /
func (h *LandingHandler) Index(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := pageTemplates.ExecuteTemplate(&buf, "landing.html", h.config); err != nil {
		h.logger.Error("ランディングページの描画に失敗しました", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}
