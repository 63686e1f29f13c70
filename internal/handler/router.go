package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/hitoshi/dripman/internal/middleware"
)

// adminRealm はBasic認証のrealm。
const adminRealm = "dripman-admin"

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	RateLimiter        *middleware.RateLimiter
	CORSAllowedOrigins []string

	// 公開エンドポイント
	HealthChecker HealthChecker
	SignupService SignupServiceInterface
	Landing       LandingConfig

	// 管理画面（AdminPasswordが空の場合は無効）
	Leads         LeadReader
	Events        EventReader
	Trigger       PassTrigger
	Sequence      SequenceInfo
	AdminUser     string
	AdminPassword string

	// Prometheusメトリクス（nilの場合は公開しない）
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → Recovery → Logging → SecurityHeaders
//
// /subscribe にはCORSとクライアントIP単位のレート制限を追加で適用する。
// /admin と /api/admin/* はBasic認証で保護する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	healthHandler := NewHealthHandler(deps.HealthChecker, deps.Logger)
	landingHandler := NewLandingHandler(deps.Landing, deps.Logger)
	signupHandler := NewSignupHandler(deps.SignupService, deps.Logger)

	// --- 公開ルート ---
	r.Get("/", landingHandler.Index)
	r.Get("/health", healthHandler.Health)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// 外部フォームから呼ばれるためCORSを許可する
	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: deps.CORSAllowedOrigins,
			AllowedMethods: []string{http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         86400,
		}))
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}
		r.Post("/subscribe", signupHandler.Subscribe)
		r.Options("/subscribe", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	})

	// --- 管理ルート ---
	if deps.AdminPassword == "" {
		deps.Logger.Warn("ADMIN_PASSWORDが未設定のため管理画面を無効にしました")
		return r
	}

	adminHandler := NewAdminHandler(deps.Leads, deps.Events, deps.Trigger, deps.Sequence, deps.Logger)
	r.Group(func(r chi.Router) {
		r.Use(chimw.BasicAuth(adminRealm, map[string]string{deps.AdminUser: deps.AdminPassword}))
		// ブラウザはBasic認証の資格情報をクロスサイト送信にも付与する
		r.Use(middleware.NewSameOriginMiddleware(deps.Logger))

		r.Get("/admin", adminHandler.Dashboard)
		r.Post("/admin/trigger", adminHandler.TriggerForm)

		r.Route("/api/admin", func(r chi.Router) {
			r.Get("/leads", adminHandler.ListLeads)
			r.Get("/events", adminHandler.ListEvents)
			r.Post("/trigger", adminHandler.Trigger)
		})
	})

	return r
}
