package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// queryLimit はクエリパラメータlimitを読み取り、[1, max]に収める。
// 未指定や不正な値の場合はdefを返す。
func queryLimit(r *http.Request, def, max int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
