// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/mediaanalyzer/internal/session"
)

const sessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// sessionContextKey はリクエストコンテキストに閲覧者セッションを格納するためのキー。
var sessionContextKey = contextKey("viewer_session")

// ErrNoSession はコンテキストに閲覧者セッションがないことを表す。
var ErrNoSession = errors.New("viewer session not found in context")

// SessionOpener は閲覧者セッションの再開と作成に必要なインターフェース。
// session.Manager が満たす。
type SessionOpener interface {
	// Resume は不明・期限切れのIDに対して nil を返す。
	Resume(ctx context.Context, id string) (*session.Context, error)
	Create(ctx context.Context) (*session.Context, error)
	StatusWait() time.Duration
	MaxAge() time.Duration
}

// SessionAdmitter は新しいセッションの作成を許可するかどうかを判定する。
// 拒否する場合はレスポンスを書き込んで false を返す。RateLimiter が満たす。
type SessionAdmitter interface {
	AdmitNewSession(w http.ResponseWriter, r *http.Request) bool
}

// SessionCookieConfig はセッションCookieの属性。
type SessionCookieConfig struct {
	Secure bool
	Domain string
}

// NewSessionMiddleware はCookieのセッションIDから閲覧者セッションを再開し、
// リクエストコンテキストに注入するミドルウェアを返す。
// セッションがなければ作成してCookieを発行する。
// admitがnilでなければ作成の前に許可を確認する。
// ステータス確認が未完了の場合は StatusWait の間だけ完了を待つ。
// 待ちきれなかった場合もそのまま次へ進み、画面側でローディング表示にする。
func NewSessionMiddleware(opener SessionOpener, cookieCfg SessionCookieConfig, admit SessionAdmitter) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var id string
			if cookie, err := r.Cookie(sessionCookieName); err == nil {
				id = cookie.Value
			}

			sc, err := opener.Resume(r.Context(), id)
			if err == nil && sc == nil {
				if admit != nil && !admit.AdmitNewSession(w, r) {
					return
				}
				sc, err = opener.Create(r.Context())
				if err == nil {
					SetSessionCookie(w, sc.ID(), opener.MaxAge(), cookieCfg)
				}
			}
			if err != nil {
				slog.Error("failed to open viewer session",
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w, r)
				return
			}
			setLogSession(r.Context(), sc)

			sc.AwaitStatus(r.Context(), opener.StatusWait())

			next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), sc)))
		})
	}
}

// SetSessionCookie はセッションIDのCookieを設定する。
func SetSessionCookie(w http.ResponseWriter, id string, maxAge time.Duration, cfg SessionCookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie はセッションIDのCookieを削除する。
func ClearSessionCookie(w http.ResponseWriter, cfg SessionCookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// SessionFromContext はリクエストコンテキストから閲覧者セッションを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func SessionFromContext(ctx context.Context) (*session.Context, error) {
	sc, ok := ctx.Value(sessionContextKey).(*session.Context)
	if !ok || sc == nil {
		return nil, ErrNoSession
	}
	return sc, nil
}

// ContextWithSession はコンテキストに閲覧者セッションを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithSession(ctx context.Context, sc *session.Context) context.Context {
	return context.WithValue(ctx, sessionContextKey, sc)
}
