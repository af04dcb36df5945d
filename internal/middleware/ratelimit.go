package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/mediaanalyzer/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // 画面全般のレート（req/sec）。120/60 = 2 req/sec
	GeneralBurst    int           // 画面全般のバーストサイズ
	AnalyzeRate     rate.Limit    // 解析のレート（req/sec）。10/60
	AnalyzeBurst    int           // 解析のバーストサイズ
	SessionRate     rate.Limit    // クライアントIPごとのセッション作成レート（sessions/sec）
	SessionBurst    int           // セッション作成のバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// newSessionsPerMinute はクライアントIPごとに1分あたり作成できるセッション数。
const newSessionsPerMinute = 20

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// 画面全般 120 req/min/session、解析 10 req/min/session、セッション作成 20 /min/IP
func DefaultRateLimiterConfig() RateLimiterConfig {
	return NewRateLimiterConfig(120, 10)
}

// NewRateLimiterConfig は1分あたりのリクエスト数からレート制限設定を生成する。
func NewRateLimiterConfig(generalPerMinute, analyzePerMinute int) RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(float64(generalPerMinute) / 60.0),
		GeneralBurst:    generalPerMinute,
		AnalyzeRate:     rate.Limit(float64(analyzePerMinute) / 60.0),
		AnalyzeBurst:    analyzePerMinute,
		SessionRate:     rate.Limit(float64(newSessionsPerMinute) / 60.0),
		SessionBurst:    newSessionsPerMinute,
		CleanupInterval: 5 * time.Minute,
	}
}

// sessionLimiter はセッションごとのレートリミッターとアクセス時刻を保持する。
type sessionLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter は閲覧者セッションごとのレート制限を管理する。
// 画面全般のレート制限と解析のレート制限に加え、Cookieを持たないクライアントが
// セッションを量産できないよう、クライアントIPごとのセッション作成数も制限する。
// 解析はリモートAPIの高コストな呼び出しのため別枠で絞る。
type RateLimiter struct {
	config RateLimiterConfig

	generalMu       sync.RWMutex
	generalLimiters map[string]*sessionLimiter

	analyzeMu       sync.RWMutex
	analyzeLimiters map[string]*sessionLimiter

	sessionMu       sync.RWMutex
	sessionLimiters map[string]*sessionLimiter

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:          config,
		generalLimiters: make(map[string]*sessionLimiter),
		analyzeLimiters: make(map[string]*sessionLimiter),
		sessionLimiters: make(map[string]*sessionLimiter),
		stopCh:          make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware は画面全般のレート制限ミドルウェアを返す。
// SessionMiddlewareの後に配置すればセッションID、それ以外はクライアントIPをキーにする。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := limiterKey(r)
			limiter := getOrCreateLimiter(&rl.generalMu, rl.generalLimiters, key, rl.config.GeneralRate, rl.config.GeneralBurst)

			if !limiter.Allow() {
				writeRateLimitResponse(w, r, rl.config.GeneralRate)
				slog.Warn("rate limit exceeded",
					slog.String("key", key),
					slog.String("limit_type", "general"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AnalyzeMiddleware は解析専用のレート制限ミドルウェアを返す。
// 画面全般のレート制限とは独立に動作する。
func (rl *RateLimiter) AnalyzeMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := limiterKey(r)
			limiter := getOrCreateLimiter(&rl.analyzeMu, rl.analyzeLimiters, key, rl.config.AnalyzeRate, rl.config.AnalyzeBurst)

			if !limiter.Allow() {
				writeRateLimitResponse(w, r, rl.config.AnalyzeRate)
				slog.Warn("rate limit exceeded",
					slog.String("key", key),
					slog.String("limit_type", "analyze"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AdmitNewSession はクライアントIPごとのセッション作成数を制限する。
// 上限を超えた場合は429を書き込んで false を返す。
// SessionMiddlewareがセッションを作成する直前に呼ぶ。
func (rl *RateLimiter) AdmitNewSession(w http.ResponseWriter, r *http.Request) bool {
	key := clientIPKey(r)
	limiter := getOrCreateLimiter(&rl.sessionMu, rl.sessionLimiters, key, rl.config.SessionRate, rl.config.SessionBurst)

	if !limiter.Allow() {
		writeRateLimitResponse(w, r, rl.config.SessionRate)
		slog.Warn("rate limit exceeded",
			slog.String("key", key),
			slog.String("limit_type", "session"),
		)
		return false
	}
	return true
}

// limiterKey はレート制限のキーを返す。
func limiterKey(r *http.Request) string {
	if sc, err := SessionFromContext(r.Context()); err == nil {
		return "session:" + sc.ID()
	}
	return clientIPKey(r)
}

func clientIPKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// GeneralLimiterCount は現在管理されている画面全般リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) GeneralLimiterCount() int {
	rl.generalMu.RLock()
	defer rl.generalMu.RUnlock()
	return len(rl.generalLimiters)
}

// AnalyzeLimiterCount は現在管理されている解析リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) AnalyzeLimiterCount() int {
	rl.analyzeMu.RLock()
	defer rl.analyzeMu.RUnlock()
	return len(rl.analyzeLimiters)
}

// SessionLimiterCount は現在管理されているセッション作成リミッターのエントリ数を返す。
func (rl *RateLimiter) SessionLimiterCount() int {
	rl.sessionMu.RLock()
	defer rl.sessionMu.RUnlock()
	return len(rl.sessionLimiters)
}

// getOrCreateLimiter はキーのリミッターを取得または作成する。
func getOrCreateLimiter(mu *sync.RWMutex, limiters map[string]*sessionLimiter, key string, r rate.Limit, burst int) *rate.Limiter {
	mu.RLock()
	sl, exists := limiters[key]
	mu.RUnlock()

	if exists {
		mu.Lock()
		sl.lastAccess = time.Now()
		mu.Unlock()
		return sl.limiter
	}

	mu.Lock()
	defer mu.Unlock()

	// ダブルチェック
	if sl, exists := limiters[key]; exists {
		sl.lastAccess = time.Now()
		return sl.limiter
	}

	limiter := rate.NewLimiter(r, burst)
	limiters[key] = &sessionLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2

	now := time.Now()

	rl.generalMu.Lock()
	for key, sl := range rl.generalLimiters {
		if now.Sub(sl.lastAccess) > ttl {
			delete(rl.generalLimiters, key)
		}
	}
	rl.generalMu.Unlock()

	rl.analyzeMu.Lock()
	for key, sl := range rl.analyzeLimiters {
		if now.Sub(sl.lastAccess) > ttl {
			delete(rl.analyzeLimiters, key)
		}
	}
	rl.analyzeMu.Unlock()

	rl.sessionMu.Lock()
	for key, sl := range rl.sessionLimiters {
		if now.Sub(sl.lastAccess) > ttl {
			delete(rl.sessionLimiters, key)
		}
	}
	rl.sessionMu.Unlock()
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r *http.Request, limit rate.Limit) {
	// Retry-Afterの算出: 1トークンが補充されるまでの秒数
	retryAfterSec := int(math.Ceil(1.0 / float64(limit)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, r, http.StatusTooManyRequests, model.NewRateLimitedError())
}
