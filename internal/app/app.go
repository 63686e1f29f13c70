package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/dripman/internal/config"
	"github.com/hitoshi/dripman/internal/database"
	"github.com/hitoshi/dripman/internal/handler"
	"github.com/hitoshi/dripman/internal/logger"
	"github.com/hitoshi/dripman/internal/metrics"
	"github.com/hitoshi/dripman/internal/middleware"
	"github.com/hitoshi/dripman/internal/worker/cleanup"
	"github.com/hitoshi/dripman/internal/worker/drip"
	"github.com/hitoshi/dripman/internal/worker/intake"
)

// cleanupInterval はイベント履歴クリーンアップの実行間隔。
const cleanupInterval = 24 * time.Hour

// Init はアプリケーションの初期化を行う。
// .envと環境変数からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. .envと環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたレベルでロガーを再構成する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("store_driver", cfg.StoreDriver),
		slog.String("port", cfg.ServerPort),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandTick:
		return runTick(ctx, cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// startBackground は実行キュー、ドリップスケジューラ、クリーンアップジョブ、
// およびAMQP_URLが設定されている場合はサインアップキュー購読を起動する。
// 返される関数は実行キューの停止を待つ。
func startBackground(ctx context.Context, cfg *config.Config, c *components) func() {
	log := slog.Default()

	execDone := make(chan struct{})
	go func() {
		defer close(execDone)
		c.executor.Start(ctx)
	}()

	scheduler := drip.NewScheduler(c.executor, log, cfg.DripInterval, cfg.DripRunOnStart)
	log.Info("ドリップスケジューラを起動します", slog.Duration("interval", scheduler.Interval()))
	go scheduler.Start(ctx)

	cleanupJob := cleanup.NewCleanupJob(c.stores.events, log, cfg.EventRetentionDays)
	go cleanupJob.Start(ctx, cleanupInterval)

	if cfg.IntakeEnabled() {
		consumer := intake.NewConsumer(cfg.AMQPURL, intake.Topology{
			Exchange: cfg.AMQPExchange,
			Queue:    cfg.AMQPQueue,
		}, c.signup, log)
		go consumer.Start(ctx)
	}

	return func() { <-execDone }
}

// runServe はHTTPサーバーとバックグラウンドワーカーを同一プロセスで起動する。
// シングルライターの実行キューを共有するため、手動トリガーと定期実行が直列化される。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	c, err := build(cfg, slog.Default())
	if err != nil {
		return err
	}
	defer c.Close()

	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()
	waitBackground := startBackground(bgCtx, cfg, c)

	rateLimiter := middleware.NewRateLimiter(middleware.PerMinuteConfig(cfg.RateLimitSignup), slog.Default())
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Logger:             slog.Default(),
		RateLimiter:        rateLimiter,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		SignupService:      c.signup,
		Landing: handler.LandingConfig{
			OfferLink:  cfg.OfferLink,
			OfferPrice: cfg.OfferPrice,
		},
		Leads:   c.stores.leads,
		Events:  c.stores.events,
		Trigger: c.executor,
		Sequence: handler.SequenceInfo{
			Name:   c.engine.Sequence().Name(),
			Length: c.engine.Sequence().Len(),
		},
		AdminUser:      cfg.AdminUser,
		AdminPassword:  cfg.AdminPassword,
		MetricsHandler: metrics.Handler(c.registry),
	}
	// *sql.DBがnilのままインターフェースへ代入するとnilチェックをすり抜けるため分岐する
	if c.stores.db != nil {
		deps.HealthChecker = c.stores.db
	}
	if !cfg.AdminEnabled() {
		slog.Warn("ADMIN_PASSWORD is not set; admin endpoints are disabled")
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			cancelBg()
			waitBackground()
			return fmt.Errorf("server listen error: %w", err)
		}
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	cancelBg()
	waitBackground()

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はHTTPサーバーなしでバックグラウンドワーカーのみを起動する。
// 複数プロセスで起動した場合でも、PostgreSQLのアドバイザリロックにより
// ドリップパスは同時に1つだけ実行される。
func runWorker(ctx context.Context, cfg *config.Config) error {
	c, err := build(cfg, slog.Default())
	if err != nil {
		return err
	}
	defer c.Close()

	slog.Info("worker starting",
		slog.Duration("drip_interval", cfg.DripInterval),
		slog.Int("max_concurrent", cfg.DripMaxConcurrent),
		slog.Bool("intake", cfg.IntakeEnabled()),
	)

	wait := startBackground(ctx, cfg, c)
	<-ctx.Done()
	wait()

	slog.Info("worker stopped gracefully")
	return nil
}

// runTick はドリップパスを1回だけ実行して終了する。
// cronなど外部スケジューラからの起動用。
func runTick(ctx context.Context, cfg *config.Config) error {
	c, err := build(cfg, slog.Default())
	if err != nil {
		return err
	}
	defer c.Close()

	execCtx, cancel := context.WithCancel(ctx)
	execDone := make(chan struct{})
	go func() {
		defer close(execDone)
		c.executor.Start(execCtx)
	}()
	defer func() {
		cancel()
		<-execDone
	}()

	summary, err := c.executor.RunNow(ctx)
	if err != nil {
		return fmt.Errorf("drip pass failed: %w", err)
	}

	slog.Info("drip pass completed",
		slog.Int("scanned", summary.Scanned),
		slog.Int("due", summary.Due),
		slog.Int("sent", summary.Sent),
		slog.Int("failed", summary.Failed),
		slog.Int("stale", summary.Stale),
	)
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		slog.Info("running database migrations",
			slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		)
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

	case config.StoreSQLite:
		slog.Info("running database migrations", slog.String("path", cfg.SQLitePath))
		db, err := database.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("failed to open sqlite database: %w", err)
		}
		defer db.Close()
		if err := database.RunSQLiteMigrations(db); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

	default:
		slog.Info("store driver has no schema; nothing to migrate",
			slog.String("store_driver", cfg.StoreDriver),
		)
		return nil
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
// パースできない場合は全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
