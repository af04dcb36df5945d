package middleware

import (
	"net/http"
)

// loginPath は未認証の閲覧者を誘導する画面。
const loginPath = "/login"

// NewRouteGuard は認証が必要な画面を保護するミドルウェアを返す。
// ステータス確認が未完了の間は loading を描画し、画面本体を描画しない。
// 確認済みで未認証の場合はログイン画面へリダイレクトする。
func NewRouteGuard(loading http.Handler) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sc, err := SessionFromContext(r.Context())
			if err != nil {
				http.Redirect(w, r, loginPath, http.StatusSeeOther)
				return
			}

			if sc.Loading() {
				loading.ServeHTTP(w, r)
				return
			}

			if sc.User() == nil {
				http.Redirect(w, r, loginPath, http.StatusSeeOther)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
