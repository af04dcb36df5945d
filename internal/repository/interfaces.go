// Package repository は閲覧者セッションの永続化を提供する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/mediaanalyzer/internal/model"
)

// SessionRepository は閲覧者セッションの永続化インターフェース。
// メディアや解析結果は保存しない。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error

	// FindByID は指定IDのセッションを取得する。見つからない・期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)

	// Update はセッションの認証状態・リモートCookie・フラッシュメッセージを更新する。
	Update(ctx context.Context, session *model.Session) error

	// DeleteByID は指定IDのセッションを削除する。存在しない場合もエラーにしない。
	DeleteByID(ctx context.Context, id string) error

	// DeleteExpired は now 時点で期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
