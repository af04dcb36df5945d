package repository

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/hitoshi/mediaanalyzer/internal/model"
)

// MemorySessionRepo はプロセス内メモリを使用したセッションリポジトリ。
// SESSION_STORE=memory（デフォルト）の場合に使用する。プロセス再起動で消える。
type MemorySessionRepo struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
	now      func() time.Time
}

// NewMemorySessionRepo はMemorySessionRepoを生成する。
func NewMemorySessionRepo() *MemorySessionRepo {
	return &MemorySessionRepo{
		sessions: make(map[string]*model.Session),
		now:      time.Now,
	}
}

// Create はセッションを作成する。
func (r *MemorySessionRepo) Create(_ context.Context, session *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.ID] = copySession(session)
	return nil
}

// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
func (r *MemorySessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok || !s.ExpiresAt.After(r.now()) {
		return nil, nil
	}
	return copySession(s), nil
}

// Update はセッションを更新する。削除済みのセッションは復活させない。
func (r *MemorySessionRepo) Update(_ context.Context, session *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[session.ID]; !ok {
		return nil
	}
	r.sessions[session.ID] = copySession(session)
	return nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *MemorySessionRepo) DeleteByID(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

// DeleteExpired は期限切れのセッションを削除する。
func (r *MemorySessionRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, s := range r.sessions {
		if !s.ExpiresAt.After(now) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

// Len は保持しているセッション数を返す。
func (r *MemorySessionRepo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// copySession は呼び出し側との共有を避けるためにセッションを複製する。
// User は不変として扱うためポインタを共有する。
func copySession(s *model.Session) *model.Session {
	out := *s
	out.RemoteCookies = slices.Clone(s.RemoteCookies)
	if s.Flash != nil {
		f := *s.Flash
		out.Flash = &f
	}
	return &out
}

// compile-time interface check
var _ SessionRepository = (*MemorySessionRepo)(nil)
