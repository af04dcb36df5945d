// Package handler は画面のHTTPハンドラーを提供する。
package handler

import (
	"log/slog"
	"net/http"

	"github.com/hitoshi/mediaanalyzer/internal/middleware"
	"github.com/hitoshi/mediaanalyzer/internal/model"
	"github.com/hitoshi/mediaanalyzer/internal/session"
	"github.com/hitoshi/mediaanalyzer/internal/view"
)

// PageRenderer は画面の描画に必要なインターフェース。view.Renderer が満たす。
type PageRenderer interface {
	Render(w http.ResponseWriter, status int, name string, page view.Page) error
}

// newPage はレイアウト共通のデータを組み立てる。
// フラッシュメッセージはここで取り出すため、描画ごとに一度だけ表示される。
func newPage(r *http.Request, sc *session.Context, data any) view.Page {
	p := view.Page{
		CSRFToken: middleware.CSRFTokenFromContext(r.Context()),
		Data:      data,
	}
	if sc != nil {
		p.User = sc.User()
		p.Flash = sc.TakeFlash(r.Context())
	}
	return p
}

// render は画面を描画する。描画に失敗した場合は500を返す。
func render(w http.ResponseWriter, r *http.Request, renderer PageRenderer, status int, name string, page view.Page) {
	if err := renderer.Render(w, status, name, page); err != nil {
		slog.Error("failed to render page",
			slog.String("page", name),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w, r)
	}
}

// renderError はエラー画面を描画する。
func renderError(w http.ResponseWriter, r *http.Request, renderer PageRenderer, status int, apiErr *model.APIError) {
	sc, _ := middleware.SessionFromContext(r.Context())
	render(w, r, renderer, status, view.PageError, newPage(r, sc, view.ErrorData{Status: status, Error: apiErr}))
}

// currentSession はリクエストの閲覧者セッションを返す。
// セッションミドルウェアの後でのみ呼ばれるため、見つからない場合は内部エラーとして扱う。
func currentSession(w http.ResponseWriter, r *http.Request) (*session.Context, bool) {
	sc, err := middleware.SessionFromContext(r.Context())
	if err != nil {
		slog.Error("viewer session missing", slog.String("path", r.URL.Path))
		middleware.WriteInternalServerError(w, r)
		return nil, false
	}
	return sc, true
}

// NewLoadingHandler はステータス確認中に表示するプレースホルダー画面のハンドラーを返す。
func NewLoadingHandler(renderer PageRenderer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		render(w, r, renderer, http.StatusOK, view.PageLoading, view.Page{
			CSRFToken: middleware.CSRFTokenFromContext(r.Context()),
		})
	})
}

// redirect はPOST後のリダイレクト（303 See Other）を返す。
func redirect(w http.ResponseWriter, r *http.Request, path string) {
	http.Redirect(w, r, path, http.StatusSeeOther)
}
