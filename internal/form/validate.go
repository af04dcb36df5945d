package form

import (
	"regexp"
	"unicode/utf16"
)

// 検証メッセージ
const (
	MsgInvalidEmail     = "Please enter a valid email address"
	MsgPasswordTooShort = "Password must be at least 8 characters long"
	MsgPasswordMismatch = "Passwords do not match"
)

// MinPasswordLength はサインアップ時のパスワード最小文字数。
// 文字数はブラウザと同じくUTF-16のコード単位で数える。
const MinPasswordLength = 8

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// ValidEmail はメールアドレスが local@domain.tld の形かどうかを返す。
func ValidEmail(email string) bool {
	return emailPattern.MatchString(email)
}

// ValidateLogin はログインフォームの値を検証し、フィールドエラーを返す。
// 問題がなければ空のマップを返す。
func ValidateLogin(values map[string]string) map[string]string {
	errs := map[string]string{}
	if !ValidEmail(values[FieldEmail]) {
		errs[FieldEmail] = MsgInvalidEmail
	}
	return errs
}

// ValidateSignup はサインアップフォームの値を検証する。
// 失敗したルールはすべて報告する。
func ValidateSignup(values map[string]string) map[string]string {
	errs := ValidateLogin(values)

	password := values[FieldPassword]
	if utf16Len(password) < MinPasswordLength {
		errs[FieldPassword] = MsgPasswordTooShort
	}
	if password != values[FieldConfirmPassword] {
		errs[FieldConfirmPassword] = MsgPasswordMismatch
	}
	return errs
}

// utf16Len は文字列をUTF-16で表したときのコード単位数を返す。
// 絵文字などBMP外の文字は2と数える。
func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if l := utf16.RuneLen(r); l > 0 {
			n += l
		} else {
			n++
		}
	}
	return n
}

// Validate はフォーム種別に応じた検証を行う。
func Validate(s State) map[string]string {
	if s.Kind == KindSignup {
		return ValidateSignup(s.Values)
	}
	return ValidateLogin(s.Values)
}
