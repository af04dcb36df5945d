package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, media, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnsupportedMedia = "UNSUPPORTED_MEDIA"
	ErrCodeMediaTooLarge    = "MEDIA_TOO_LARGE"
	ErrCodeAnalyzeFailed    = "ANALYZE_FAILED"
	ErrCodeDownloadFailed   = "DOWNLOAD_FAILED"
	ErrCodeNotActionable    = "NOT_ACTIONABLE"
	ErrCodeLoginFailed      = "LOGIN_FAILED"
	ErrCodeRegisterFailed   = "REGISTER_FAILED"
	ErrCodeCSRFFailed       = "CSRF_FAILED"
	ErrCodeRateLimited      = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// NewUnsupportedMediaError は許可リスト外のファイル形式のエラーを生成する。
func NewUnsupportedMediaError(contentType string) *APIError {
	return &APIError{
		Code:     ErrCodeUnsupportedMedia,
		Message:  "Invalid file type. Please upload JPEG, PNG, MP4, or MOV files.",
		Category: "validation",
		Action:   fmt.Sprintf("%q is not supported.", contentType),
	}
}

// NewMediaTooLargeError はアップロード上限超過のエラーを生成する。
func NewMediaTooLargeError(limit int64) *APIError {
	return &APIError{
		Code:     ErrCodeMediaTooLarge,
		Message:  "File too large.",
		Category: "validation",
		Action:   fmt.Sprintf("Upload a file smaller than %d bytes.", limit),
	}
}

// NewAnalyzeFailedError は解析失敗のエラーを生成する。
// メッセージはメディア種別ごとに固定。
func NewAnalyzeFailedError(kind MediaKind) *APIError {
	return &APIError{
		Code:     ErrCodeAnalyzeFailed,
		Message:  fmt.Sprintf("Failed to analyze %s. Please try again.", kind),
		Category: "media",
		Action:   "Retry the analysis or upload another file.",
	}
}

// NewDownloadFailedError はレポートダウンロード失敗のエラーを生成する。
func NewDownloadFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeDownloadFailed,
		Message:  "Failed to download report. Please try again.",
		Category: "media",
		Action:   "Retry the download.",
	}
}

// NewInternalError は内部エラーを生成する。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "Something went wrong.",
		Category: "system",
		Action:   "Please wait a moment and try again.",
	}
}

// NewCSRFFailedError はCSRFトークン検証失敗のエラーを生成する。
func NewCSRFFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFFailed,
		Message:  "Your session has expired. Please reload the page.",
		Category: "auth",
		Action:   "Reload the page and submit the form again.",
	}
}

// NewRateLimitedError はレート制限超過のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "Too many requests. Please try again later.",
		Category: "system",
		Action:   "Please wait and retry after the specified time.",
	}
}
