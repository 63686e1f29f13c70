package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/dripman/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	Rate            rate.Limit    // クライアントIPごとのレート（req/sec）
	Burst           int           // バーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// サインアップ 10 req/min/IP。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return PerMinuteConfig(10)
}

// PerMinuteConfig は1分あたりのリクエスト数からレート制限設定を生成する。
// perMinuteが0以下の場合はデフォルトの10を使用する。
func PerMinuteConfig(perMinute int) RateLimiterConfig {
	if perMinute <= 0 {
		perMinute = 10
	}
	return RateLimiterConfig{
		Rate:            rate.Limit(float64(perMinute) / 60.0),
		Burst:           perMinute,
		CleanupInterval: 5 * time.Minute,
	}
}

// clientLimiter はクライアントごとのレートリミッターとアクセス時刻を保持する。
type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter はクライアントIPごとのレート制限を管理する。
type RateLimiter struct {
	config RateLimiterConfig
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*clientLimiter

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	rl := &RateLimiter{
		config:   config,
		logger:   logger,
		limiters: make(map[string]*clientLimiter),
		stopCh:   make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。複数回呼んでも安全。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// Middleware はクライアントIP単位のレート制限ミドルウェアを返す。
// RealIPミドルウェアの後に配置する。
func (rl *RateLimiter) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)

			if !rl.limiterFor(ip).Allow() {
				writeRateLimitResponse(w, rl.config.Rate)
				rl.logger.Warn("rate limit exceeded",
					slog.String("remote_ip", ip),
					slog.String("path", r.URL.Path),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// LimiterCount は現在管理されているリミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// limiterFor はクライアントのリミッターを取得または作成する。
func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if cl, ok := rl.limiters[key]; ok {
		cl.lastAccess = time.Now()
		return cl.limiter
	}

	limiter := rate.NewLimiter(rl.config.Rate, rl.config.Burst)
	rl.limiters[key] = &clientLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}
	return limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup(now time.Time) {
	ttl := rl.config.CleanupInterval * 2

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, cl := range rl.limiters {
		if now.Sub(cl.lastAccess) > ttl {
			delete(rl.limiters, key)
		}
	}
}

// rateLimitBody はサインアップフォームと同じ {ok, error} 形式にcodeを加えたもの。
type rateLimitBody struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := 1
	if r > 0 {
		retryAfterSec = int(math.Ceil(1.0 / float64(r)))
		if retryAfterSec < 1 {
			retryAfterSec = 1
		}
	}

	apiErr := model.NewRateLimitedError()
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(rateLimitBody{
		OK:    false,
		Error: apiErr.Message,
		Code:  apiErr.Code,
	})
}
