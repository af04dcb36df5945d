// Package session は閲覧者ごとのセッション（認証状態と画面状態）を管理する。
//
// ブラウザにはセッションIDだけをCookieで渡し、認証済みユーザー・リモートAPIのCookie・
// フラッシュメッセージはリポジトリに、フォームと解析画面の状態はプロセス内に保持する。
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hitoshi/mediaanalyzer/internal/metrics"
	"github.com/hitoshi/mediaanalyzer/internal/model"
	"github.com/hitoshi/mediaanalyzer/internal/repository"
)

// RemoteAuth はセッションが利用するリモートAPIの認証操作。
// apiclient.Client が満たす。
type RemoteAuth interface {
	Status(ctx context.Context, jar http.CookieJar) (*model.User, error)
	Logout(ctx context.Context, jar http.CookieJar) error
	NewJar(saved []model.RemoteCookie) (http.CookieJar, error)
	ExportCookies(jar http.CookieJar) []model.RemoteCookie
}

// Options はManagerの設定。
type Options struct {
	// MaxAge はセッションの有効期間。
	MaxAge time.Duration
	// StatusWait はステータス確認の完了を待つ最大時間。
	StatusWait time.Duration
}

// Manager は閲覧者セッションの生成・再開・破棄を行う。
type Manager struct {
	repo    repository.SessionRepository
	remote  RemoteAuth
	opts    Options
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	now     func() time.Time

	mu   sync.Mutex
	live map[string]*Context
}

// NewManager は新しいManagerを生成する。
func NewManager(
	repo repository.SessionRepository,
	remote RemoteAuth,
	opts Options,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
) *Manager {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Manager{
		repo:    repo,
		remote:  remote,
		opts:    opts,
		logger:  logger,
		metrics: collector,
		now:     time.Now,
		live:    make(map[string]*Context),
	}
}

// StatusWait はステータス確認の完了を待つ最大時間を返す。
func (m *Manager) StatusWait() time.Duration {
	return m.opts.StatusWait
}

// MaxAge はセッションの有効期間を返す。
func (m *Manager) MaxAge() time.Duration {
	return m.opts.MaxAge
}

// Resume はセッションIDに対応するセッションを再開する。
// IDが空・不明・期限切れの場合は nil を返す（エラーではない）。
// 未確認のセッションではステータス確認をバックグラウンドで開始する。
func (m *Manager) Resume(ctx context.Context, id string) (*Context, error) {
	c, err := m.resume(ctx, id)
	if err != nil || c == nil {
		return nil, err
	}
	c.startStatusCheck(ctx)
	return c, nil
}

// Create は新しいセッションを作成し、ステータス確認をバックグラウンドで開始する。
func (m *Manager) Create(ctx context.Context) (*Context, error) {
	c, err := m.create(ctx)
	if err != nil {
		return nil, err
	}
	c.startStatusCheck(ctx)
	return c, nil
}

// resume はプロセス内またはリポジトリからセッションを探す。見つからなければ nil。
func (m *Manager) resume(ctx context.Context, id string) (*Context, error) {
	if id == "" {
		return nil, nil
	}

	now := m.now()

	m.mu.Lock()
	if c, ok := m.live[id]; ok {
		if c.ExpiresAt().After(now) {
			m.mu.Unlock()
			return c, nil
		}
		delete(m.live, id)
	}
	m.mu.Unlock()

	rec, err := m.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if rec == nil {
		return nil, nil
	}

	jar, err := m.remote.NewJar(rec.RemoteCookies)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// 並行リクエストが先に登録していればそちらを使う
	if c, ok := m.live[id]; ok {
		return c, nil
	}
	c := newContext(m, rec, jar)
	m.live[id] = c
	return c, nil
}

// create は新しいセッションを作成して永続化する。
func (m *Manager) create(ctx context.Context) (*Context, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := m.now()
	rec := &model.Session{
		ID:        id,
		ExpiresAt: now.Add(m.opts.MaxAge),
		CreatedAt: now,
	}
	if err := m.repo.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	jar, err := m.remote.NewJar(nil)
	if err != nil {
		return nil, err
	}

	c := newContext(m, rec, jar)

	m.mu.Lock()
	m.live[id] = c
	m.mu.Unlock()

	m.logger.Debug("viewer session created", slog.String("session_id", id))
	return c, nil
}

// Close はセッションを破棄する。プロセス内の画面状態も消える。
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.live, id)
	m.mu.Unlock()

	if err := m.repo.DeleteByID(ctx, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// PurgeExpired は期限切れのセッションを削除し、リポジトリから削除した件数を返す。
func (m *Manager) PurgeExpired(ctx context.Context) (int64, error) {
	now := m.now()

	m.mu.Lock()
	for id, c := range m.live {
		if !c.ExpiresAt().After(now) {
			delete(m.live, id)
		}
	}
	m.mu.Unlock()

	n, err := m.repo.DeleteExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired sessions: %w", err)
	}
	return n, nil
}

// LiveCount はプロセス内に保持しているセッション数を返す。
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
