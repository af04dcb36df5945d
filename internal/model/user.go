// Package model はドメインモデルを定義する。
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// User はリモートAPIが返す認証済みユーザーの識別情報を表す。
// 形状はリモートAPI側で定義されるため、受け取ったJSONをそのまま保持する。
// 表示用に id と email だけを取り出して参照できる。
type User struct {
	Raw   json.RawMessage
	id    string
	email string
}

// NewUser はリモートAPIのJSON値からUserを生成する。
// null または空の入力の場合は nil を返す（未認証を意味する）。
func NewUser(raw json.RawMessage) (*User, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("user identity is not a JSON object: %w", err)
	}

	u := &User{Raw: append(json.RawMessage(nil), trimmed...)}
	u.id = scalarString(fields["id"])
	u.email = scalarString(fields["email"])
	return u, nil
}

// ID はユーザーIDを文字列で返す。数値IDは10進表記になる。
func (u *User) ID() string {
	if u == nil {
		return ""
	}
	return u.id
}

// Email はユーザーのメールアドレスを返す。含まれない場合は空文字列。
func (u *User) Email() string {
	if u == nil {
		return ""
	}
	return u.email
}

// scalarString はJSONの文字列または数値を文字列として取り出す。
func scalarString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		return n.String()
	}
	return ""
}

// RemoteCookie はリモートAPIが発行したCookieの名前と値を表す。
// 閲覧者ごとに保持し、リモートAPI呼び出し時に送り返す。
type RemoteCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Session は閲覧者（ブラウザ）ごとのセッションを表す。
// ブラウザにはIDだけをCookieで渡し、状態はサーバー側で保持する。
type Session struct {
	ID            string
	User          *User // nil は未認証
	StatusChecked bool  // ステータス確認が完了したかどうか。false の間は loading
	RemoteCookies []RemoteCookie
	Flash         *Message
	ExpiresAt     time.Time
	CreatedAt     time.Time
}

// Loading はステータス確認が未完了かどうかを返す。
func (s *Session) Loading() bool {
	return !s.StatusChecked
}

// MessageKind はページレベルメッセージの種類。
type MessageKind string

const (
	MessageSuccess MessageKind = "success"
	MessageError   MessageKind = "error"
)

// Message はページ上部に表示するメッセージ。
type Message struct {
	Kind MessageKind `json:"kind"`
	Text string      `json:"text"`
}

// IsZero はメッセージが空かどうかを返す。
func (m Message) IsZero() bool {
	return m.Text == ""
}
