package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/mediaanalyzer/internal/analyzer"
	"github.com/hitoshi/mediaanalyzer/internal/metrics"
	"github.com/hitoshi/mediaanalyzer/internal/middleware"
	"github.com/hitoshi/mediaanalyzer/internal/view"
)

// formBodyLimit はログイン・サインアップなど通常のフォーム送信のボディ上限。
const formBodyLimit = 64 << 10

// SessionStore はルーターが必要とするセッション操作。session.Manager が満たす。
type SessionStore interface {
	middleware.SessionOpener
	SessionCloser
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Sessions      SessionStore
	SessionCookie middleware.SessionCookieConfig
	CSRF          middleware.CSRFConfig
	RateLimiter   *middleware.RateLimiter
	Logger        *slog.Logger

	// 画面
	Renderer PageRenderer
	Markdown MarkdownRenderer
	Static   http.Handler

	// リモートAPI
	AuthClient AuthClient
	Backend    analyzer.Backend

	// 解析画面
	Analyzer AnalyzerConfig

	// 運用
	HealthChecker  HealthChecker
	Metrics        metrics.MetricsCollector
	MetricsHandler http.Handler
}

// NewRouter は全画面のルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → Session → RateLimit(General) → BodyLimit → CSRF → RouteGuard
//
// /static、/health、/metrics はセッションを作らない。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	if deps.Logger != nil {
		r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	}
	r.Use(middleware.NewSecurityHeadersMiddleware())

	authHandler := NewAuthHandler(deps.AuthClient, deps.Sessions, deps.Renderer, deps.SessionCookie, deps.Metrics)
	analyzerHandler := NewAnalyzerHandler(deps.Backend, deps.Renderer, deps.Markdown, deps.Analyzer)
	guard := middleware.NewRouteGuard(NewLoadingHandler(deps.Renderer))

	// --- セッション不要のルート ---
	static := deps.Static
	if static == nil {
		static = view.StaticHandler()
	}
	r.Handle("/static/*", static)
	r.Method(http.MethodGet, "/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- 閲覧者セッションが必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General) → BodyLimit → CSRF
	r.Group(func(r chi.Router) {
		// Cookieを持たないリクエストはクライアントIPごとに作成数を制限する
		r.Use(middleware.NewSessionMiddleware(deps.Sessions, deps.SessionCookie, deps.RateLimiter))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// 通常のフォーム送信
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewBodyLimitMiddleware(formBodyLimit))
			r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

			r.Get("/login", authHandler.LoginPage)
			r.Post("/login", authHandler.Login)
			r.Get("/signup", authHandler.SignupPage)
			r.Post("/signup", authHandler.Signup)

			// 認証が必要な画面
			r.Group(func(r chi.Router) {
				r.Use(guard)

				r.Get("/", analyzerHandler.Show)
				r.Post("/logout", authHandler.Logout)
				r.Post("/media/reset", analyzerHandler.Reset)
				r.Get("/media/preview", analyzerHandler.Preview)
				r.With(deps.RateLimiter.AnalyzeMiddleware()).Post("/analyze", analyzerHandler.Analyze)
				r.Get("/report", analyzerHandler.Report)
			})
		})

		// メディアのアップロード（ボディ上限が大きい）
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewBodyLimitMiddleware(deps.Analyzer.UploadBodyLimit()))
			r.Use(middleware.NewCSRFMiddleware(deps.CSRF))
			r.Use(guard)

			r.Post("/media", analyzerHandler.Upload)
		})
	})

	// その他のパスはログイン画面へ
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
	})

	return r
}
