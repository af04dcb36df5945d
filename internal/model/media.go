package model

import "time"

// MediaKind はメディアの種類を表す。
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// Media は解析前のアップロード済みメディア。
// メモリ上にのみ保持し、永続化しない。元のバイト列をそのまま保持する。
type Media struct {
	ID          string
	Kind        MediaKind
	ContentType string
	Filename    string
	Data        []byte
	UploadedAt  time.Time
}

// Size はメディアのバイト数を返す。
func (m *Media) Size() int {
	return len(m.Data)
}

// AnalysisResult はリモート解析APIの結果。
// DownloadPath が空の場合はレポートをダウンロードできない。
type AnalysisResult struct {
	Text         string
	DownloadPath string
}

// HasDownload はレポートのダウンロードパスがあるかどうかを返す。
func (r *AnalysisResult) HasDownload() bool {
	return r != nil && r.DownloadPath != ""
}

// Report はダウンロードしたレポート本体。
type Report struct {
	Data        []byte
	ContentType string
}
