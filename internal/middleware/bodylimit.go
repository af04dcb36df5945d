package middleware

import "net/http"

// NewBodyLimitMiddleware はリクエストボディを maxBytes までに制限するミドルウェアを返す。
// 上限を超えた読み込みは *http.MaxBytesError を返し、ハンドラー側で413として扱う。
func NewBodyLimitMiddleware(maxBytes int64) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
