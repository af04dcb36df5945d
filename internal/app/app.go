package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/mediaanalyzer/internal/apiclient"
	"github.com/hitoshi/mediaanalyzer/internal/config"
	"github.com/hitoshi/mediaanalyzer/internal/database"
	"github.com/hitoshi/mediaanalyzer/internal/handler"
	"github.com/hitoshi/mediaanalyzer/internal/logger"
	"github.com/hitoshi/mediaanalyzer/internal/metrics"
	"github.com/hitoshi/mediaanalyzer/internal/middleware"
	"github.com/hitoshi/mediaanalyzer/internal/repository"
	"github.com/hitoshi/mediaanalyzer/internal/security"
	"github.com/hitoshi/mediaanalyzer/internal/session"
	"github.com/hitoshi/mediaanalyzer/internal/view"
	"github.com/hitoshi/mediaanalyzer/internal/worker/cleanup"
)

// shutdownTimeout はグレースフルシャットダウンで処理中のリクエストを待つ最大時間。
const shutdownTimeout = 30 * time.Second

// errPostgresRequired はPostgreSQLセッションストアでのみ意味を持つコマンドで返す。
var errPostgresRequired = errors.New("this command requires SESSION_STORE=postgres")

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// openSessionRepo は設定に応じたセッションリポジトリを返す。
// PostgreSQLの場合は接続済みの*sql.DBも返す。呼び出し側でCloseすること。
func openSessionRepo(ctx context.Context, cfg *config.Config) (repository.SessionRepository, *sql.DB, error) {
	if cfg.SessionStore != config.SessionStorePostgres {
		slog.Info("using in-memory session store")
		return repository.NewMemorySessionRepo(), nil, nil
	}

	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)
	return repository.NewPostgresSessionRepo(db), db, nil
}

// runServe はWebサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーと期限切れセッションの削除ジョブを起動する。
// ctxがキャンセルされる（SIGINTなど）とグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. セッションストア
	repo, db, err := openSessionRepo(ctx, cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 3. リモートAPIクライアント（API_TIMEOUT=0 はタイムアウトなし）
	client, err := apiclient.NewClient(
		cfg.APIBaseURL,
		&http.Client{Timeout: cfg.APITimeout},
		security.NewURLGuard(),
		slog.Default(),
		collector,
	)
	if err != nil {
		return fmt.Errorf("failed to create API client: %w", err)
	}

	// 4. 閲覧者セッション
	manager := session.NewManager(repo, client, session.Options{
		MaxAge:     time.Duration(cfg.SessionMaxAge) * time.Second,
		StatusWait: cfg.StatusWait,
	}, slog.Default(), collector)

	// 5. 画面
	renderer, err := view.NewRenderer()
	if err != nil {
		return fmt.Errorf("failed to parse templates: %w", err)
	}

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitAnalyze),
	)
	defer rateLimiter.Stop()

	cookie := middleware.SessionCookieConfig{
		Secure: cfg.CookieSecure,
		Domain: cfg.CookieDomain,
	}
	deps := &handler.RouterDeps{
		Sessions:      manager,
		SessionCookie: cookie,
		CSRF:          middleware.CSRFConfig{CookieSecure: cfg.CookieSecure, CookieDomain: cfg.CookieDomain},
		RateLimiter:   rateLimiter,
		Logger:        slog.Default(),

		Renderer: renderer,
		Markdown: view.NewMarkdown(security.NewContentSanitizer()),

		AuthClient: client,
		Backend:    client,

		Analyzer: handler.AnalyzerConfig{
			MaxUploadBytes: cfg.MaxUploadBytes,
			ReportFilename: cfg.ReportFilename,
		},

		Metrics:        collector,
		MetricsHandler: metrics.Handler(registry),
	}
	// nilの*sql.DBをインターフェースに入れるとnil判定できなくなるため、接続がある場合のみ設定する
	if db != nil {
		deps.HealthChecker = db
	}

	router := handler.NewRouter(deps)

	// 7. 期限切れセッションの削除ジョブ
	jobCtx, stopJob := context.WithCancel(ctx)
	defer stopJob()
	cleanupJob := cleanup.NewCleanupJob(manager, slog.Default())
	cleanupJob.Interval = cfg.SessionCleanupInterval
	go cleanupJob.Start(jobCtx)

	// 8. HTTPサーバーの起動
	// 解析はリモートAPIの応答を待つため、書き込みタイムアウトは設けない
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("web server starting",
			slog.String("addr", server.Addr),
			slog.String("base_url", cfg.BaseURL),
			slog.String("api_base_url", cfg.APIBaseURL),
			slog.String("session_store", cfg.SessionStore),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down web server...")
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("web server stopped gracefully")
	return nil
}

// runMigrate はセッションストアのマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.SessionStore != config.SessionStorePostgres {
		return errPostgresRequired
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version)),
	)
	return nil
}

// runCleanup は期限切れセッションを1回だけ削除する。
// 外部のスケジューラ（cronなど）から実行する用途。
func runCleanup(ctx context.Context, cfg *config.Config) error {
	if cfg.SessionStore != config.SessionStorePostgres {
		return errPostgresRequired
	}

	repo, db, err := openSessionRepo(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	manager := session.NewManager(repo, nil, session.Options{}, slog.Default(), nil)
	return cleanup.NewCleanupJob(manager, slog.Default()).Run(ctx)
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(ctx context.Context, target string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
