package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/mediaanalyzer/internal/apiclient"
	"github.com/hitoshi/mediaanalyzer/internal/form"
	"github.com/hitoshi/mediaanalyzer/internal/metrics"
	"github.com/hitoshi/mediaanalyzer/internal/middleware"
	"github.com/hitoshi/mediaanalyzer/internal/model"
	"github.com/hitoshi/mediaanalyzer/internal/session"
	"github.com/hitoshi/mediaanalyzer/internal/view"
)

// 画面に表示するメッセージ
const (
	msgLoginSucceeded  = "Login successful! Redirecting..."
	msgLoginFailed     = "Login failed"
	msgLoginNetwork    = "Failed to login. Please check your credentials."
	msgSignupSucceeded = "Account created successfully! Redirecting to login..."
	msgSignupFailed    = "Registration failed"
	msgSignupNetwork   = "Failed to create account. Please try again."
	msgFormBusy        = "Your previous request is still being processed."
)

// AuthClient は認証ハンドラーが必要とするリモートAPIの操作。
type AuthClient interface {
	Login(ctx context.Context, jar http.CookieJar, creds apiclient.Credentials) (*model.User, error)
	Register(ctx context.Context, jar http.CookieJar, creds apiclient.Credentials) error
}

// SessionCloser はログアウト時にセッションを破棄するためのインターフェース。
type SessionCloser interface {
	Close(ctx context.Context, id string) error
}

// AuthHandler はログイン・サインアップ・ログアウトのHTTPハンドラー。
type AuthHandler struct {
	client   AuthClient
	sessions SessionCloser
	renderer PageRenderer
	cookie   middleware.SessionCookieConfig
	metrics  metrics.MetricsCollector
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(
	client AuthClient,
	sessions SessionCloser,
	renderer PageRenderer,
	cookie middleware.SessionCookieConfig,
	collector metrics.MetricsCollector,
) *AuthHandler {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &AuthHandler{
		client:   client,
		sessions: sessions,
		renderer: renderer,
		cookie:   cookie,
		metrics:  collector,
	}
}

// LoginPage はログイン画面を表示する。画面遷移のたびにフォーム状態は初期化する。
// GET /login
func (h *AuthHandler) LoginPage(w http.ResponseWriter, r *http.Request) {
	h.showForm(w, r, form.KindLogin, view.PageLogin)
}

// SignupPage はサインアップ画面を表示する。
// GET /signup
func (h *AuthHandler) SignupPage(w http.ResponseWriter, r *http.Request) {
	h.showForm(w, r, form.KindSignup, view.PageSignup)
}

func (h *AuthHandler) showForm(w http.ResponseWriter, r *http.Request, kind form.Kind, page string) {
	sc, ok := currentSession(w, r)
	if !ok {
		return
	}
	sc.DiscardForm(kind)
	render(w, r, h.renderer, http.StatusOK, page, newPage(r, sc, view.AuthData{Form: sc.Form(kind)}))
}

// Login はログインフォームの送信を処理する。
// 成功時はセッションのユーザーを置き換えて / へリダイレクトする。
// POST /login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	sc, ok := currentSession(w, r)
	if !ok {
		return
	}

	st, proceed, status := h.beginSubmit(r, sc, form.KindLogin)
	if !proceed {
		render(w, r, h.renderer, status, view.PageLogin, newPage(r, sc, view.AuthData{Form: st}))
		return
	}

	creds := apiclient.Credentials{
		Email:    st.Value(form.FieldEmail),
		Password: st.Value(form.FieldPassword),
	}
	user, err := h.client.Login(r.Context(), sc.Jar(), creds)
	if err != nil {
		slog.Info("login failed", slog.String("session_id", sc.ID()), slog.String("error", err.Error()))
		h.metrics.RecordLogin("failure")
		st = sc.UpdateForm(form.KindLogin, func(s form.State) form.State {
			return form.Reduce(s, form.SubmitFailed{Message: failureMessage(err, msgLoginFailed, msgLoginNetwork)})
		})
		render(w, r, h.renderer, failureStatus(err), view.PageLogin, newPage(r, sc, view.AuthData{Form: st}))
		return
	}

	if err := sc.Login(r.Context(), user); err != nil {
		sc.UpdateForm(form.KindLogin, func(s form.State) form.State {
			return form.Reduce(s, form.SubmitFailed{Message: msgLoginNetwork})
		})
		renderError(w, r, h.renderer, http.StatusInternalServerError, model.NewInternalError())
		return
	}

	h.metrics.RecordLogin("success")
	sc.UpdateForm(form.KindLogin, func(s form.State) form.State {
		return form.Reduce(s, form.SubmitSucceeded{Message: msgLoginSucceeded})
	})
	redirect(w, r, "/")
}

// Signup はサインアップフォームの送信を処理する。
// 成功時は自動ログインせず、成功メッセージを持たせてログイン画面へリダイレクトする。
// POST /signup
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	sc, ok := currentSession(w, r)
	if !ok {
		return
	}

	st, proceed, status := h.beginSubmit(r, sc, form.KindSignup)
	if !proceed {
		render(w, r, h.renderer, status, view.PageSignup, newPage(r, sc, view.AuthData{Form: st}))
		return
	}

	creds := apiclient.Credentials{
		Email:    st.Value(form.FieldEmail),
		Password: st.Value(form.FieldPassword),
	}
	err := h.client.Register(r.Context(), sc.Jar(), creds)
	if err != nil {
		slog.Info("signup failed", slog.String("session_id", sc.ID()), slog.String("error", err.Error()))
		h.metrics.RecordSignup("failure")
		st = sc.UpdateForm(form.KindSignup, func(s form.State) form.State {
			return form.Reduce(s, form.SubmitFailed{Message: failureMessage(err, msgSignupFailed, msgSignupNetwork)})
		})
		render(w, r, h.renderer, failureStatus(err), view.PageSignup, newPage(r, sc, view.AuthData{Form: st}))
		return
	}

	h.metrics.RecordSignup("success")
	sc.UpdateForm(form.KindSignup, func(s form.State) form.State {
		return form.Reduce(s, form.SubmitSucceeded{Message: msgSignupSucceeded})
	})
	if err := sc.SyncCookies(r.Context()); err != nil {
		renderError(w, r, h.renderer, http.StatusInternalServerError, model.NewInternalError())
		return
	}
	if err := sc.SetFlash(r.Context(), model.Message{Kind: model.MessageSuccess, Text: msgSignupSucceeded}); err != nil {
		renderError(w, r, h.renderer, http.StatusInternalServerError, model.NewInternalError())
		return
	}
	redirect(w, r, "/login")
}

// beginSubmit は送信された値をフォーム状態に反映し、検証する。
// 送信を続けてよい場合は送信中に遷移して proceed=true を返す。
// 続けない場合は画面を描画するステータスを返す。
// 確認と遷移はセッションのロック内で行うため、同じフォームの二重送信は片方だけが進む。
func (h *AuthHandler) beginSubmit(r *http.Request, sc *session.Context, kind form.Kind) (st form.State, proceed bool, status int) {
	submitted := map[string]string{
		form.FieldEmail:    r.PostFormValue(form.FieldEmail),
		form.FieldPassword: r.PostFormValue(form.FieldPassword),
	}
	if kind == form.KindSignup {
		submitted[form.FieldConfirmPassword] = r.PostFormValue(form.FieldConfirmPassword)
	}

	busy := false
	st = sc.UpdateForm(kind, func(s form.State) form.State {
		if s.Submitting {
			busy = true
			return s
		}
		s = form.Edit(s, submitted)
		s = form.Reduce(s, form.Validated{Errors: form.Validate(s)})
		if s.HasErrors() {
			return s
		}
		proceed = true
		return form.Reduce(s, form.SubmitStarted{})
	})

	switch {
	case busy:
		st.Message = model.Message{Kind: model.MessageError, Text: msgFormBusy}
		return st, false, http.StatusConflict
	case !proceed:
		return st, false, http.StatusUnprocessableEntity
	}
	return st, true, http.StatusOK
}

// Logout はリモートAPIのログアウトを呼び出し、閲覧者セッションを破棄する。
// リモート呼び出しの成否に関わらずローカルの認証状態は消す。
// POST /logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sc, ok := currentSession(w, r)
	if !ok {
		return
	}

	if err := sc.Logout(r.Context()); err != nil {
		slog.Warn("logout completed with errors",
			slog.String("session_id", sc.ID()),
			slog.String("error", err.Error()),
		)
	}

	if err := h.sessions.Close(r.Context(), sc.ID()); err != nil {
		slog.Error("failed to close session",
			slog.String("session_id", sc.ID()),
			slog.String("error", err.Error()),
		)
	}

	middleware.ClearSessionCookie(w, h.cookie)
	redirect(w, r, "/login")
}

// failureMessage はリモートAPIの失敗を画面のメッセージに変換する。
// 成功以外のステータスはサーバーの error フィールドを優先し、なければ rejected を使う。
// 通信エラーは network を使う。
func failureMessage(err error, rejected, network string) string {
	if msg := apiclient.ServerMessage(err); msg != "" {
		return msg
	}
	var apiErr *apiclient.Error
	if errors.As(err, &apiErr) {
		return rejected
	}
	return network
}

// failureStatus はリモートAPIの失敗を画面のHTTPステータスに変換する。
// リモートの4xxはそのまま返し、それ以外は502とする。
func failureStatus(err error) int {
	var apiErr *apiclient.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
		return apiErr.StatusCode
	}
	return http.StatusBadGateway
}
