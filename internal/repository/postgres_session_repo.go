package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/mediaanalyzer/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
// SESSION_STORE=postgres の場合に使用し、複数プロセスでセッションを共有できる。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// sessionColumns はINSERT/UPDATE用にエンコードしたセッションの列値。
// NULLにする列は nil のままにする。
type sessionColumns struct {
	user    any
	cookies any
	flash   any
}

func encodeSession(session *model.Session) (*sessionColumns, error) {
	cols := &sessionColumns{}
	if session.User != nil {
		cols.user = string(session.User.Raw)
	}

	cookies := session.RemoteCookies
	if cookies == nil {
		cookies = []model.RemoteCookie{}
	}
	b, err := json.Marshal(cookies)
	if err != nil {
		return nil, fmt.Errorf("failed to encode remote cookies: %w", err)
	}
	cols.cookies = string(b)

	if session.Flash != nil {
		b, err := json.Marshal(session.Flash)
		if err != nil {
			return nil, fmt.Errorf("failed to encode flash message: %w", err)
		}
		cols.flash = string(b)
	}
	return cols, nil
}

// decodeSession はJSONB列の値をセッションに展開する。
func decodeSession(session *model.Session, user, cookies, flash []byte) error {
	u, err := model.NewUser(user)
	if err != nil {
		return fmt.Errorf("failed to decode session user: %w", err)
	}
	session.User = u

	if len(cookies) > 0 {
		if err := json.Unmarshal(cookies, &session.RemoteCookies); err != nil {
			return fmt.Errorf("failed to decode remote cookies: %w", err)
		}
	}
	if len(flash) > 0 {
		var m model.Message
		if err := json.Unmarshal(flash, &m); err != nil {
			return fmt.Errorf("failed to decode flash message: %w", err)
		}
		session.Flash = &m
	}
	return nil
}

// Create はセッションを作成する。
func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.Session) error {
	cols, err := encodeSession(session)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO viewer_sessions (id, user_identity, status_checked, remote_cookies, flash, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		session.ID, cols.user, session.StatusChecked, cols.cookies, cols.flash, session.ExpiresAt, session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	session := &model.Session{}
	var user, cookies, flash []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_identity, status_checked, remote_cookies, flash, expires_at, created_at
		 FROM viewer_sessions
		 WHERE id = $1 AND expires_at > now()`,
		id,
	).Scan(&session.ID, &user, &session.StatusChecked, &cookies, &flash, &session.ExpiresAt, &session.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	if err := decodeSession(session, user, cookies, flash); err != nil {
		return nil, err
	}
	return session, nil
}

// Update はセッションの状態を更新する。
func (r *PostgresSessionRepo) Update(ctx context.Context, session *model.Session) error {
	cols, err := encodeSession(session)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE viewer_sessions
		 SET user_identity = $2, status_checked = $3, remote_cookies = $4, flash = $5, expires_at = $6, updated_at = now()
		 WHERE id = $1`,
		session.ID, cols.user, session.StatusChecked, cols.cookies, cols.flash, session.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *PostgresSessionRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM viewer_sessions WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteExpired は期限切れのセッションを削除する。
func (r *PostgresSessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM viewer_sessions WHERE expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted session count: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
