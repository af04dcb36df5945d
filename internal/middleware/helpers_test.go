package middleware

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/mediaanalyzer/internal/model"
	"github.com/hitoshi/mediaanalyzer/internal/repository"
	"github.com/hitoshi/mediaanalyzer/internal/session"
)

// fakeRemote は session.RemoteAuth のモック。
type fakeRemote struct {
	statusFn    func(ctx context.Context, jar http.CookieJar) (*model.User, error)
	statusCalls atomic.Int32
}

func (f *fakeRemote) Status(ctx context.Context, jar http.CookieJar) (*model.User, error) {
	f.statusCalls.Add(1)
	if f.statusFn == nil {
		return nil, nil
	}
	return f.statusFn(ctx, jar)
}

func (f *fakeRemote) Logout(ctx context.Context, jar http.CookieJar) error { return nil }

func (f *fakeRemote) NewJar(saved []model.RemoteCookie) (http.CookieJar, error) {
	return cookiejar.New(nil)
}

func (f *fakeRemote) ExportCookies(jar http.CookieJar) []model.RemoteCookie { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(remote *fakeRemote, statusWait time.Duration) *session.Manager {
	return session.NewManager(
		repository.NewMemorySessionRepo(),
		remote,
		session.Options{MaxAge: time.Hour, StatusWait: statusWait},
		discardLogger(),
		nil,
	)
}

// openSession は確認済みのセッションを開く。userID が空でなければログイン済みにする。
func openSession(t *testing.T, m *session.Manager, userID string) *session.Context {
	t.Helper()
	sc, err := m.Create(context.Background())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !sc.AwaitStatus(context.Background(), 2*time.Second) {
		t.Fatal("status check did not finish")
	}
	if userID != "" {
		raw, _ := json.Marshal(map[string]string{"id": userID})
		u, err := model.NewUser(raw)
		if err != nil {
			t.Fatalf("NewUser() error = %v", err)
		}
		if err := sc.Login(context.Background(), u); err != nil {
			t.Fatalf("Login() error = %v", err)
		}
	}
	return sc
}

// blockingManager はステータス確認が終わらないManagerを返す。テスト終了時に解放する。
func blockingManager(t *testing.T, statusWait time.Duration) *session.Manager {
	t.Helper()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	return newTestManager(&fakeRemote{
		statusFn: func(ctx context.Context, jar http.CookieJar) (*model.User, error) {
			<-release
			return nil, nil
		},
	}, statusWait)
}

// openSessionNoWait はステータス確認の完了を待たずにセッションを開く。
func openSessionNoWait(t *testing.T, m *session.Manager) *session.Context {
	t.Helper()
	sc, err := m.Create(context.Background())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return sc
}
