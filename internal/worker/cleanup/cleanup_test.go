package cleanup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// mockPurger はPurgerのモック実装。
type mockPurger struct {
	calls   atomic.Int32
	deleted int64
	err     error
}

func (m *mockPurger) PurgeExpired(ctx context.Context) (int64, error) {
	m.calls.Add(1)
	return m.deleted, m.err
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func TestNewCleanupJob_SetsDefaultInterval(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockPurger{}, newTestLogger(&buf))

	if job == nil {
		t.Fatal("NewCleanupJob は nil を返してはならない")
	}
	if job.Interval != DefaultInterval {
		t.Errorf("Interval = %v, want %v", job.Interval, DefaultInterval)
	}
}

func TestCleanupJob_Run_CallsPurger(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockPurger{deleted: 3}
	job := NewCleanupJob(mock, newTestLogger(&buf))

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}
	if got := mock.calls.Load(); got != 1 {
		t.Errorf("PurgeExpired の呼び出し回数 = %d, want 1", got)
	}
}

func TestCleanupJob_Run_LogsDeletedCount(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockPurger{deleted: 42}, newTestLogger(&buf))

	_ = job.Run(context.Background())

	found := false
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if count, ok := entry["deleted_count"]; ok && count == float64(42) {
			if _, ok := entry["duration_ms"]; !ok {
				t.Error("ログに duration_ms が記録されていない")
			}
			found = true
			break
		}
	}
	if !found {
		t.Errorf("ログに deleted_count=42 が記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_ReturnsErrorOnFailure(t *testing.T) {
	var buf bytes.Buffer
	errStore := errors.New("connection refused")
	job := NewCleanupJob(&mockPurger{err: errStore}, newTestLogger(&buf))

	err := job.Run(context.Background())
	if !errors.Is(err, errStore) {
		t.Fatalf("Run() error = %v, want wrapping %v", err, errStore)
	}
	if !strings.Contains(buf.String(), "ERROR") {
		t.Errorf("エラー時にERRORレベルのログが記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_Idempotent_ZeroRows(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockPurger{}, newTestLogger(&buf))

	for i := 0; i < 2; i++ {
		if err := job.Run(context.Background()); err != nil {
			t.Fatalf("%d回目の Run() がエラーを返した: %v", i+1, err)
		}
	}
}

func TestCleanupJob_Start_RunsUntilCancelled(t *testing.T) {
	mock := &mockPurger{}
	job := NewCleanupJob(mock, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	job.Interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for mock.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start はキャンセル後に終了するべき")
	}
	if got := mock.calls.Load(); got < 2 {
		t.Errorf("PurgeExpired の呼び出し回数 = %d, want >= 2", got)
	}
}

func TestCleanupJob_Start_ContinuesAfterFailure(t *testing.T) {
	mock := &mockPurger{err: errors.New("temporary")}
	job := NewCleanupJob(mock, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	job.Interval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go job.Start(ctx)

	for mock.calls.Load() < 3 {
		select {
		case <-ctx.Done():
			t.Fatalf("失敗後も実行が続くべき。呼び出し回数 = %d", mock.calls.Load())
		case <-time.After(time.Millisecond):
		}
	}
}
