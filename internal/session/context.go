package session

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hitoshi/mediaanalyzer/internal/analyzer"
	"github.com/hitoshi/mediaanalyzer/internal/form"
	"github.com/hitoshi/mediaanalyzer/internal/model"
)

// Context は1人の閲覧者のセッション状態。
// ミドルウェアがリクエストコンテキストに注入し、ハンドラーへ明示的に渡す。
// 認証状態の変更はすべてリポジトリへ書き戻す。
type Context struct {
	mu      sync.Mutex
	rec     model.Session
	jar     http.CookieJar
	manager *Manager

	// authGen は Login / Logout のたびに進める。
	// ステータス確認の結果が古い場合に上書きしないために使う。
	authGen    uint64
	statusOnce sync.Once
	statusDone chan struct{}

	forms    map[form.Kind]form.State
	analyzer *analyzer.Machine
}

func newContext(m *Manager, rec *model.Session, jar http.CookieJar) *Context {
	c := &Context{
		rec:        *rec,
		jar:        jar,
		manager:    m,
		statusDone: make(chan struct{}),
		forms:      make(map[form.Kind]form.State),
		analyzer:   analyzer.NewMachine(m.metrics),
	}
	if rec.StatusChecked {
		c.statusOnce.Do(func() { close(c.statusDone) })
	}
	return c
}

// ID はセッションIDを返す。
func (c *Context) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.ID
}

// ExpiresAt はセッションの有効期限を返す。
func (c *Context) ExpiresAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.ExpiresAt
}

// Snapshot はセッションレコードのコピーを返す。
func (c *Context) Snapshot() model.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Context) snapshotLocked() model.Session {
	s := c.rec
	s.RemoteCookies = c.manager.remote.ExportCookies(c.jar)
	return s
}

// Loading はステータス確認が未完了かどうかを返す。
func (c *Context) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.Loading()
}

// User は認証済みユーザーを返す。未認証の場合は nil。
func (c *Context) User() *model.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.User
}

// Jar はリモートAPI呼び出しに使うこの閲覧者のCookieJarを返す。
func (c *Context) Jar() http.CookieJar {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jar
}

// Analyzer はこの閲覧者の解析画面の状態機械を返す。
func (c *Context) Analyzer() *analyzer.Machine {
	return c.analyzer
}

// startStatusCheck はステータス確認をバックグラウンドで開始する。
// セッションの生存期間中に一度だけ実行され、2回目以降の呼び出しは何もしない。
// 開始時点の認証世代を記録し、それ以降に Login / Logout があれば結果を捨てる。
func (c *Context) startStatusCheck(ctx context.Context) {
	c.statusOnce.Do(func() {
		c.mu.Lock()
		gen, jar := c.authGen, c.jar
		c.mu.Unlock()

		bg := context.WithoutCancel(ctx)
		go func() {
			defer close(c.statusDone)
			c.checkStatus(bg, gen, jar)
		}()
	})
}

// AwaitStatus はステータス確認の完了を最大 d だけ待つ。
// 完了していれば true を返す。
func (c *Context) AwaitStatus(ctx context.Context, d time.Duration) bool {
	select {
	case <-c.statusDone:
		return true
	default:
	}
	if d <= 0 {
		return false
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.statusDone:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// checkStatus はリモートAPIに認証状態を問い合わせる。
// 失敗（通信エラー・成功以外のステータス）の場合は未認証として扱う。
// いずれの場合も loading を解除する。
// gen は確認開始時点の認証世代。
func (c *Context) checkStatus(ctx context.Context, gen uint64, jar http.CookieJar) {
	user, err := c.manager.remote.Status(ctx, jar)
	if err != nil {
		c.manager.logger.Info("status check failed, treating viewer as signed out",
			slog.String("session_id", c.ID()),
			slog.String("error", err.Error()),
		)
		user = nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.authGen == gen {
		c.rec.User = user
	}
	c.rec.StatusChecked = true
	c.persistLocked(ctx)
}

// Login はユーザーを置き換える。ネットワーク呼び出しは行わない。
func (c *Context) Login(ctx context.Context, user *model.User) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.authGen++
	c.rec.User = user
	c.rec.StatusChecked = true
	return c.persistLocked(ctx)
}

// Logout はリモートAPIのログアウトを呼び出し、ローカルのユーザーを消す。
// リモート呼び出しが失敗（通信エラー・成功以外のステータス）してもローカル状態は必ず消す。
// リモート呼び出しのエラーはそのまま返す。
func (c *Context) Logout(ctx context.Context) error {
	remoteErr := c.manager.remote.Logout(ctx, c.Jar())
	if remoteErr != nil {
		c.manager.logger.Warn("remote logout failed, clearing local session anyway",
			slog.String("session_id", c.ID()),
			slog.String("error", remoteErr.Error()),
		)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.authGen++
	c.rec.User = nil
	c.rec.StatusChecked = true
	if jar, err := c.manager.remote.NewJar(nil); err == nil {
		c.jar = jar
	}
	c.forms = make(map[form.Kind]form.State)
	if err := c.persistLocked(ctx); err != nil {
		return err
	}
	return remoteErr
}

// SyncCookies はJarのリモートCookieをリポジトリへ書き戻す。
// ユーザーを変更しないリモート呼び出し（サインアップなど）の後に使う。
func (c *Context) SyncCookies(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persistLocked(ctx)
}

// Form は指定種別のフォーム状態を返す。未使用の場合は初期状態。
func (c *Context) Form(kind form.Kind) form.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.formLocked(kind)
}

func (c *Context) formLocked(kind form.Kind) form.State {
	if s, ok := c.forms[kind]; ok {
		return s
	}
	return form.New(kind)
}

// UpdateForm はフォーム状態に fn を適用して保存し、結果を返す。
// fn はロックを保持したまま呼ばれるため、送信中フラグの確認と設定を不可分に行える。
func (c *Context) UpdateForm(kind form.Kind, fn func(form.State) form.State) form.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := fn(c.formLocked(kind))
	c.forms[kind] = s
	return s
}

// DiscardForm はフォーム状態を破棄する。画面遷移時に使う。
func (c *Context) DiscardForm(kind form.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.forms, kind)
}

// SetFlash は次に表示する画面のメッセージを設定する。
func (c *Context) SetFlash(ctx context.Context, msg model.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rec.Flash = &msg
	return c.persistLocked(ctx)
}

// TakeFlash はフラッシュメッセージを取り出して消す。なければ nil。
func (c *Context) TakeFlash(ctx context.Context) *model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := c.rec.Flash
	if msg == nil {
		return nil
	}
	c.rec.Flash = nil
	c.persistLocked(ctx)
	return msg
}

// persistLocked はセッションレコードをリポジトリへ書き戻す。c.mu を保持して呼ぶこと。
func (c *Context) persistLocked(ctx context.Context) error {
	s := c.snapshotLocked()
	c.rec.RemoteCookies = s.RemoteCookies
	if err := c.manager.repo.Update(ctx, &s); err != nil {
		c.manager.logger.Error("failed to persist session",
			slog.String("session_id", s.ID),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}
