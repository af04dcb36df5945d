// Package view はHTML画面の描画を提供する。
// テンプレートと静的ファイルはバイナリに埋め込む。
package view

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"

	"github.com/hitoshi/mediaanalyzer/internal/analyzer"
	"github.com/hitoshi/mediaanalyzer/internal/form"
	"github.com/hitoshi/mediaanalyzer/internal/model"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

// 画面名
const (
	PageLogin    = "login"
	PageSignup   = "signup"
	PageAnalyzer = "analyzer"
	PageLoading  = "loading"
	PageError    = "error"
)

var pageTitles = map[string]string{
	PageLogin:    "Login",
	PageSignup:   "Sign up",
	PageAnalyzer: "Analyze",
	PageLoading:  "Loading",
	PageError:    "Error",
}

// Page はレイアウトに渡す共通データ。画面固有のデータは Data に入れる。
type Page struct {
	Title     string
	CSRFToken string
	User      *model.User
	Flash     *model.Message
	Data      any
}

// AuthData はログイン・サインアップ画面のデータ。
type AuthData struct {
	Form form.State
}

// AnalyzerData は解析画面のデータ。
type AnalyzerData struct {
	Snapshot   analyzer.Snapshot
	ResultHTML template.HTML
}

// ErrorData はエラー画面のデータ。
type ErrorData struct {
	Status int
	Error  *model.APIError
}

// Renderer は埋め込みテンプレートから画面を描画する。
type Renderer struct {
	pages map[string]*template.Template
}

// NewRenderer はすべての画面テンプレートを解析してRendererを生成する。
func NewRenderer() (*Renderer, error) {
	r := &Renderer{pages: make(map[string]*template.Template)}
	for name := range pageTitles {
		tmpl, err := template.New(name).ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s template: %w", name, err)
		}
		r.pages[name] = tmpl
	}
	return r, nil
}

// Render は画面をバッファに描画してからレスポンスに書き込む。
// 描画に失敗した場合はレスポンスに何も書き込まずにエラーを返す。
func (r *Renderer) Render(w http.ResponseWriter, status int, name string, page Page) error {
	tmpl, ok := r.pages[name]
	if !ok {
		return fmt.Errorf("unknown page: %q", name)
	}
	if page.Title == "" {
		page.Title = pageTitles[name]
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", page); err != nil {
		return fmt.Errorf("failed to render %s: %w", name, err)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}

// StaticHandler は埋め込み静的ファイルを /static/ 以下で配信するハンドラーを返す。
func StaticHandler() http.Handler {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	return http.StripPrefix("/static/", http.FileServerFS(sub))
}
