package app

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/dripman/internal/config"
	"github.com/hitoshi/dripman/internal/content"
	"github.com/hitoshi/dripman/internal/database"
	"github.com/hitoshi/dripman/internal/delivery"
	"github.com/hitoshi/dripman/internal/engine"
	"github.com/hitoshi/dripman/internal/metrics"
	"github.com/hitoshi/dripman/internal/render"
	"github.com/hitoshi/dripman/internal/repository"
	"github.com/hitoshi/dripman/internal/security"
	"github.com/hitoshi/dripman/internal/sequence"
	"github.com/hitoshi/dripman/internal/signup"
)

// outboundTimeout は外部HTTP呼び出し（メールAPI、記事フィード）の上限。
// ゲートウェイ呼び出しごとのタイムアウトはengine側でDELIVERY_TIMEOUTを適用する。
const outboundTimeout = 30 * time.Second

// stores はストレージドライバごとのリポジトリ一式。
type stores struct {
	db     *sql.DB // memoryドライバではnil
	leads  repository.LeadRepository
	events repository.EventRepository
	guard  repository.RunGuard
}

// openStores はSTORE_DRIVERに応じてリポジトリを構築する。
// SQLiteは組み込みDBのため起動時にマイグレーションを適用する。
func openStores(cfg *config.Config, logger *slog.Logger) (*stores, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		logger.Info("database connection established", slog.String("driver", cfg.StoreDriver))
		return &stores{
			db:     db,
			leads:  repository.NewPostgresLeadRepo(db),
			events: repository.NewPostgresEventRepo(db),
			guard:  repository.NewPostgresRunGuard(db, repository.DefaultAdvisoryLockKey, logger),
		}, nil

	case config.StoreSQLite:
		db, err := database.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		if err := database.RunSQLiteMigrations(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite migration failed: %w", err)
		}
		logger.Info("database connection established",
			slog.String("driver", cfg.StoreDriver),
			slog.String("path", cfg.SQLitePath),
		)
		return &stores{
			db:     db,
			leads:  repository.NewSQLiteLeadRepo(db),
			events: repository.NewSQLiteEventRepo(db),
			guard:  repository.NewLocalRunGuard(),
		}, nil

	case config.StoreMemory:
		logger.Warn("in-memory store selected; leads are lost on restart")
		store := repository.NewMemoryStore()
		return &stores{
			leads:  store,
			events: store.Events(),
			guard:  repository.NewLocalRunGuard(),
		}, nil
	}
	return nil, fmt.Errorf("unsupported STORE_DRIVER: %q", cfg.StoreDriver)
}

// Close はDB接続を閉じる。
func (s *stores) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// newGateway はMAIL_PROVIDERに応じた配信ゲートウェイを返す。
func newGateway(cfg *config.Config, guard security.SSRFGuardService, logger *slog.Logger) delivery.Gateway {
	switch cfg.MailProvider {
	case config.MailResend:
		return delivery.NewResendGateway(guard.NewSafeClient(outboundTimeout), logger, delivery.ResendConfig{
			APIKey:   cfg.ResendAPIKey,
			From:     cfg.EmailFrom,
			Endpoint: cfg.ResendEndpoint,
		})
	case config.MailSMTP:
		return delivery.NewSMTPGateway(delivery.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			User:     cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.EmailFrom,
		}, logger)
	default:
		return delivery.NewLogGateway(logger)
	}
}

// components はコマンド間で共有するドメインコンポーネント一式。
type components struct {
	stores   *stores
	registry *prometheus.Registry
	engine   *engine.Engine
	executor *engine.Executor
	signup   *signup.Service
}

// build は設定からストレージ、エンジン、実行キュー、サインアップサービスを組み立てる。
func build(cfg *config.Config, logger *slog.Logger) (*components, error) {
	def, err := sequence.Load(cfg.SequenceFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load sequence: %w", err)
	}

	st, err := openStores(cfg, logger)
	if err != nil {
		return nil, err
	}

	sanitizer := security.NewTextSanitizer()
	renderer, err := render.New(sanitizer)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}
	warnUnknownTemplates(def, renderer, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	ssrfGuard := security.NewSSRFGuard()
	articles := content.NewArticleSource(
		ssrfGuard.NewSafeClient(outboundTimeout), ssrfGuard, sanitizer, logger,
		content.ArticleSourceConfig{FeedURL: cfg.ArticlesFeedURL, TTL: cfg.ArticlesTTL},
	)

	eng := engine.New(engine.Deps{
		Leads:    st.leads,
		Events:   st.events,
		Sequence: def,
		Renderer: renderer,
		Gateway:  newGateway(cfg, ssrfGuard, logger),
		Articles: articles,
		Metrics:  collector,
		Logger:   logger,
	}, engine.Config{
		DeliveryTimeout: cfg.DeliveryTimeout,
		MaxConcurrent:   cfg.DripMaxConcurrent,
		Campaign: render.Context{
			OfferLink:      cfg.OfferLink,
			Price:          cfg.OfferPrice,
			UnsubscribeURL: cfg.UnsubscribeURL,
		},
	})

	executor := engine.NewExecutor(eng, st.guard, logger, 0)
	signupSvc := signup.NewService(st.leads, st.events, executor, collector, logger)

	logger.Info("sequence loaded",
		slog.String("sequence", def.Name()),
		slog.Int("steps", def.Len()),
		slog.String("mail_provider", cfg.MailProvider),
	)

	return &components{
		stores:   st,
		registry: registry,
		engine:   eng,
		executor: executor,
		signup:   signupSvc,
	}, nil
}

// warnUnknownTemplates は組み込みテンプレートに存在しないIDを参照するステップを警告する。
// 該当ステップは送信時にrender.DefaultTemplateIDで送られる。戻り値は該当ステップ数。
func warnUnknownTemplates(def *sequence.Definition, renderer *render.Renderer, logger *slog.Logger) int {
	unknown := 0
	for i, step := range def.Steps() {
		if renderer.Has(step.TemplateID) {
			continue
		}
		unknown++
		logger.Warn("未知のテンプレートIDを参照するステップがあります",
			slog.Int("step", i),
			slog.String("subject", step.Subject),
			slog.String("template_id", step.TemplateID),
			slog.String("fallback", render.DefaultTemplateID),
		)
	}
	return unknown
}

// Close は保持しているリソースを解放する。
func (c *components) Close() error {
	return c.stores.Close()
}
