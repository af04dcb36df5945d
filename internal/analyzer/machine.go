// Package analyzer はメディア解析画面の状態機械を提供する。
//
// 状態は empty / previewing / analyzing / result / error の5つ。
// 閲覧者ごとに1つの Machine を持ち、同時に保持するメディアは最大1件。
package analyzer

import (
	"context"
	"errors"
	"mime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/mediaanalyzer/internal/metrics"
	"github.com/hitoshi/mediaanalyzer/internal/model"
)

// Phase は解析画面の状態。
type Phase string

const (
	PhaseEmpty      Phase = "empty"
	PhasePreviewing Phase = "previewing"
	PhaseAnalyzing  Phase = "analyzing"
	PhaseResult     Phase = "result"
	PhaseError      Phase = "error"
)

var (
	// ErrBusy は解析中に別の操作を受け付けられないことを表す。
	ErrBusy = errors.New("analysis already in progress")
	// ErrNotActionable は現在の状態では操作できないことを表す。
	ErrNotActionable = errors.New("action is not available in the current state")
	// ErrStale は処理中にメディアがリセットまたは置き換えられたことを表す。
	ErrStale = errors.New("media changed while the request was in flight")
)

// allowedTypes はアップロードを許可するContent-Typeとメディア種別の対応。
var allowedTypes = map[string]model.MediaKind{
	"image/jpeg":      model.MediaImage,
	"image/png":       model.MediaImage,
	"video/mp4":       model.MediaVideo,
	"video/quicktime": model.MediaVideo,
}

// KindOf は宣言されたContent-Typeからメディア種別を判定する。
// 許可リスト外の場合は false を返す。
func KindOf(contentType string) (model.MediaKind, bool) {
	mt, _, err := mime.ParseMediaType(strings.TrimSpace(contentType))
	if err != nil {
		return "", false
	}
	kind, ok := allowedTypes[mt]
	return kind, ok
}

// Backend はリモート解析APIの操作。
type Backend interface {
	Analyze(ctx context.Context, media *model.Media) (*model.AnalysisResult, error)
	DownloadReport(ctx context.Context, link string) (*model.Report, error)
}

// Snapshot はある時点の状態のコピー。描画に使う。
type Snapshot struct {
	Phase  Phase
	Media  *model.Media
	Result *model.AnalysisResult
	Error  string
}

// CanAnalyze は解析ボタンを有効にできるかどうかを返す。
func (s Snapshot) CanAnalyze() bool {
	return s.Media != nil && (s.Phase == PhasePreviewing || s.Phase == PhaseError)
}

// CanDownload はダウンロードボタンを有効にできるかどうかを返す。
func (s Snapshot) CanDownload() bool {
	return s.Phase == PhaseResult && s.Result.HasDownload()
}

// Machine はメディア解析画面の状態機械。複数のゴルーチンから安全に使える。
// リモートAPI呼び出しの間はロックを保持しない。
type Machine struct {
	mu      sync.Mutex
	phase   Phase
	media   *model.Media
	result  *model.AnalysisResult
	errMsg  string
	gen     uint64 // Accept / Reset のたびに進める
	metrics metrics.MetricsCollector
	now     func() time.Time
}

// NewMachine は empty 状態の Machine を生成する。
func NewMachine(collector metrics.MetricsCollector) *Machine {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Machine{
		phase:   PhaseEmpty,
		metrics: collector,
		now:     time.Now,
	}
}

// Snapshot は現在の状態を返す。
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	s := Snapshot{Phase: m.phase, Media: m.media, Error: m.errMsg}
	if m.result != nil {
		r := *m.result
		s.Result = &r
	}
	return s
}

// Media は保持しているメディアを返す。なければ nil。
func (m *Machine) Media() *model.Media {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.media
}

// Accept はアップロードされたファイルを受け付ける。
// 許可リスト外の形式はエラーメッセージを設定して状態を変えずに *model.APIError を返す。
// 受け付けた場合は previewing に遷移し、以前の結果とエラーを消す。
func (m *Machine) Accept(contentType, filename string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase == PhaseAnalyzing {
		return ErrBusy
	}

	kind, ok := KindOf(contentType)
	if !ok {
		apiErr := model.NewUnsupportedMediaError(contentType)
		m.errMsg = apiErr.Message
		m.metrics.RecordUploadRejected("unsupported_type")
		return apiErr
	}

	mt, _, _ := mime.ParseMediaType(strings.TrimSpace(contentType))
	m.media = &model.Media{
		ID:          uuid.NewString(),
		Kind:        kind,
		ContentType: mt,
		Filename:    filename,
		Data:        data,
		UploadedAt:  m.now(),
	}
	m.result = nil
	m.errMsg = ""
	m.phase = PhasePreviewing
	m.gen++
	return nil
}

// Reject はファイルの中身を読む前に拒否したアップロードを記録する。
// 状態は変えずにエラーメッセージだけを設定する。
func (m *Machine) Reject(apiErr *model.APIError, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errMsg = apiErr.Message
	m.metrics.RecordUploadRejected(reason)
}

// Reset はどの状態からでも empty に戻し、メディア・結果・エラーを消す。
// 解析中の場合、その結果は破棄される。
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = PhaseEmpty
	m.media = nil
	m.result = nil
	m.errMsg = ""
	m.gen++
}

// Analyze は保持しているメディアを解析する。
// previewing と error（失敗した解析の再試行）からのみ実行できる。
// 失敗時は error 状態に遷移し、種別ごとの固定メッセージを設定する。
func (m *Machine) Analyze(ctx context.Context, backend Backend) (Snapshot, error) {
	m.mu.Lock()
	switch {
	case m.phase == PhaseAnalyzing:
		m.mu.Unlock()
		return m.Snapshot(), ErrBusy
	case m.media == nil || (m.phase != PhasePreviewing && m.phase != PhaseError):
		m.mu.Unlock()
		return m.Snapshot(), ErrNotActionable
	}
	media := m.media
	gen := m.gen
	m.phase = PhaseAnalyzing
	m.errMsg = ""
	m.mu.Unlock()

	result, err := backend.Analyze(ctx, media)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gen != gen {
		return m.snapshotLocked(), ErrStale
	}

	if err != nil {
		m.phase = PhaseError
		m.result = nil
		m.errMsg = model.NewAnalyzeFailedError(media.Kind).Message
		m.metrics.RecordAnalysis(string(media.Kind), "failure")
		return m.snapshotLocked(), err
	}

	m.phase = PhaseResult
	m.result = result
	m.metrics.RecordAnalysis(string(media.Kind), "success")
	return m.snapshotLocked(), nil
}

// Download は解析結果のレポートを取得する。
// ダウンロードパスがある result 状態でのみ実行できる。
// 失敗時はエラーメッセージを設定するが、result 状態は維持する。
func (m *Machine) Download(ctx context.Context, backend Backend) (*model.Report, error) {
	m.mu.Lock()
	if m.phase != PhaseResult || !m.result.HasDownload() {
		m.mu.Unlock()
		return nil, ErrNotActionable
	}
	link := m.result.DownloadPath
	gen := m.gen
	m.mu.Unlock()

	report, err := backend.DownloadReport(ctx, link)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		if m.gen == gen {
			m.errMsg = model.NewDownloadFailedError().Message
		}
		m.metrics.RecordReportDownload("failure")
		return nil, err
	}

	if m.gen == gen {
		m.errMsg = ""
	}
	m.metrics.RecordReportDownload("success")
	return report, nil
}
