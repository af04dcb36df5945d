// Package form はログイン・サインアップフォームの状態遷移を提供する。
// 状態は Reduce にイベントを適用して更新し、入力値・フィールドエラー・
// ページメッセージ・送信中フラグを1つの値として扱う。
package form

import (
	"maps"
	"slices"

	"github.com/hitoshi/mediaanalyzer/internal/model"
)

// フィールド名
const (
	FieldEmail           = "email"
	FieldPassword        = "password"
	FieldConfirmPassword = "confirmPassword"
)

// Kind はフォームの種類。
type Kind string

const (
	KindLogin  Kind = "login"
	KindSignup Kind = "signup"
)

// State はフォームの状態。
// Errors のキーは Values と同じフィールド名を使う。
type State struct {
	Kind       Kind
	Values     map[string]string
	Errors     map[string]string
	Message    model.Message
	Submitting bool
}

// New はフォーム種別ごとの初期状態を生成する。
func New(kind Kind) State {
	switch kind {
	case KindSignup:
		return NewSignup()
	default:
		return NewLogin()
	}
}

// NewLogin はログインフォームの初期状態を生成する。
func NewLogin() State {
	return State{
		Kind:   KindLogin,
		Values: map[string]string{FieldEmail: "", FieldPassword: ""},
		Errors: map[string]string{},
	}
}

// NewSignup はサインアップフォームの初期状態を生成する。
func NewSignup() State {
	return State{
		Kind:   KindSignup,
		Values: map[string]string{FieldEmail: "", FieldPassword: "", FieldConfirmPassword: ""},
		Errors: map[string]string{},
	}
}

// Value はフィールドの値を返す。
func (s State) Value(name string) string {
	return s.Values[name]
}

// Error はフィールドのエラーを返す。エラーがなければ空文字列。
func (s State) Error(name string) string {
	return s.Errors[name]
}

// HasErrors はフィールドエラーが1つ以上あるかどうかを返す。
func (s State) HasErrors() bool {
	for _, v := range s.Errors {
		if v != "" {
			return true
		}
	}
	return false
}

// Event はフォームの状態遷移を引き起こすイベント。
type Event interface {
	apply(State) State
}

// FieldEdited はフィールドの値が変更されたことを表す。
// そのフィールドのエラーとページメッセージを消す。
type FieldEdited struct {
	Name  string
	Value string
}

func (e FieldEdited) apply(s State) State {
	s.Values[e.Name] = e.Value
	delete(s.Errors, e.Name)
	s.Message = model.Message{}
	return s
}

// Validated はローカル検証の結果を表す。
// 前回のページメッセージを消し、エラーを置き換える。
type Validated struct {
	Errors map[string]string
}

func (e Validated) apply(s State) State {
	s.Errors = maps.Clone(e.Errors)
	if s.Errors == nil {
		s.Errors = map[string]string{}
	}
	s.Message = model.Message{}
	return s
}

// SubmitStarted はリモートAPIへの送信開始を表す。
type SubmitStarted struct{}

func (SubmitStarted) apply(s State) State {
	s.Submitting = true
	s.Message = model.Message{}
	return s
}

// SubmitFailed は送信失敗を表す。入力値はそのまま残す。
type SubmitFailed struct {
	Message string
}

func (e SubmitFailed) apply(s State) State {
	s.Submitting = false
	s.Message = model.Message{Kind: model.MessageError, Text: e.Message}
	return s
}

// SubmitSucceeded は送信成功を表す。
type SubmitSucceeded struct {
	Message string
}

func (e SubmitSucceeded) apply(s State) State {
	s.Submitting = false
	s.Message = model.Message{Kind: model.MessageSuccess, Text: e.Message}
	return s
}

// Reduce はイベントを適用した新しい状態を返す。
// 引数の状態は変更しない。
func Reduce(s State, ev Event) State {
	return ev.apply(s.clone())
}

// Edit は送信された値のうち変更されたフィールドだけ FieldEdited を適用する。
// 未知のフィールドは無視する。適用順はフィールド名順で決定的。
func Edit(s State, submitted map[string]string) State {
	for _, name := range slices.Sorted(maps.Keys(submitted)) {
		cur, known := s.Values[name]
		if !known || cur == submitted[name] {
			continue
		}
		s = Reduce(s, FieldEdited{Name: name, Value: submitted[name]})
	}
	return s
}

func (s State) clone() State {
	out := s
	out.Values = maps.Clone(s.Values)
	out.Errors = maps.Clone(s.Errors)
	if out.Values == nil {
		out.Values = map[string]string{}
	}
	if out.Errors == nil {
		out.Errors = map[string]string{}
	}
	return out
}
