package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/mediaanalyzer/internal/session"
)

// statusRecorder はhttp.ResponseWriterをラップし、ステータスコードを記録する。
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// WriteHeader はステータスコードを記録してから委譲する。
func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

// Write はデータを書き込む。WriteHeaderが未呼び出しの場合は200を記録する。
func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.statusCode = http.StatusOK
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

// Unwrap は http.ResponseController から元のResponseWriterを辿れるようにする。
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// logFieldsContextKey は内側のミドルウェアがログ属性を書き込むための入れ物のキー。
var logFieldsContextKey = contextKey("log_fields")

// logFields はリクエストログに追加する属性。
// セッションミドルウェアはロギングミドルウェアより内側で動くため、入れ物経由で受け渡す。
type logFields struct {
	mu      sync.Mutex
	session *session.Context
}

// setLogSession はリクエストログに閲覧者セッションを記録する。
// ロギングミドルウェアを通過していないリクエストでは何もしない。
func setLogSession(ctx context.Context, sc *session.Context) {
	f, ok := ctx.Value(logFieldsContextKey).(*logFields)
	if !ok {
		return
	}
	f.mu.Lock()
	f.session = sc
	f.mu.Unlock()
}

// requestIDHeader はリクエストIDを受け渡すヘッダー名。
const requestIDHeader = "X-Request-ID"

// NewLoggingMiddleware はリクエストのJSON構造化ログを出力するミドルウェアを返す。
// ログにはrequest_id、method、path、status、duration_ms、session_id（セッションがある場合）、
// user_id（認証済みの場合）を含む。
// リクエストIDは上流のプロキシが付けたものを引き継ぎ、なければ生成してレスポンスに返す。
func NewLoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get(requestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, requestID)

			rec := &statusRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}
			fields := &logFields{}
			ctx := context.WithValue(r.Context(), logFieldsContextKey, fields)

			next.ServeHTTP(rec, r.WithContext(ctx))

			duration := time.Since(start)
			durationMs := float64(duration.Nanoseconds()) / float64(time.Millisecond)

			attrs := []slog.Attr{
				slog.String("request_id", requestID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Float64("duration_ms", durationMs),
			}

			fields.mu.Lock()
			sc := fields.session
			fields.mu.Unlock()
			if sc == nil {
				sc, _ = SessionFromContext(r.Context())
			}
			if sc != nil {
				attrs = append(attrs, slog.String("session_id", sc.ID()))
				// user_id は処理後の状態（ログイン・ログアウトの結果）を記録する
				if u := sc.User(); u != nil {
					attrs = append(attrs, slog.String("user_id", u.ID()))
				}
			}

			// slogのログレベルをステータスコードに応じて変更
			level := slog.LevelInfo
			if rec.statusCode >= 500 {
				level = slog.LevelError
			} else if rec.statusCode >= 400 {
				level = slog.LevelWarn
			}

			// slog.Attr をany スライスに変換
			args := make([]any, len(attrs))
			for i, attr := range attrs {
				args[i] = attr
			}

			logger.Log(r.Context(), level, "http_request", args...)
		})
	}
}
