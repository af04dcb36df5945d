package handler

import (
	"bytes"
	"context"
	"errors"
	"html/template"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/hitoshi/mediaanalyzer/internal/analyzer"
	"github.com/hitoshi/mediaanalyzer/internal/model"
	"github.com/hitoshi/mediaanalyzer/internal/view"
)

const (
	// mediaFieldName はアップロードフォームのファイルフィールド名。
	mediaFieldName = "media"

	// multipartOverhead はmultipartの境界やヘッダーに許容するバイト数。
	multipartOverhead = 1 << 20

	// multipartMemory はアップロード解析時にメモリに載せる最大バイト数。超過分は一時ファイルに書く。
	multipartMemory = 8 << 20
)

// MarkdownRenderer は解析結果のMarkdownを安全なHTMLに変換する。view.Markdown が満たす。
type MarkdownRenderer interface {
	Render(text string) (template.HTML, error)
}

// AnalyzerConfig は解析画面の設定。
type AnalyzerConfig struct {
	MaxUploadBytes int64
	ReportFilename string
}

// UploadBodyLimit はアップロードリクエストのボディ上限を返す。
func (c AnalyzerConfig) UploadBodyLimit() int64 {
	return c.MaxUploadBytes + multipartOverhead
}

// AnalyzerHandler はメディア解析画面のHTTPハンドラー。
// 状態の遷移は閲覧者ごとの analyzer.Machine に任せ、POSTはすべて / へリダイレクトする。
type AnalyzerHandler struct {
	backend  analyzer.Backend
	renderer PageRenderer
	markdown MarkdownRenderer
	config   AnalyzerConfig
}

// NewAnalyzerHandler はAnalyzerHandlerを生成する。
func NewAnalyzerHandler(backend analyzer.Backend, renderer PageRenderer, markdown MarkdownRenderer, config AnalyzerConfig) *AnalyzerHandler {
	return &AnalyzerHandler{
		backend:  backend,
		renderer: renderer,
		markdown: markdown,
		config:   config,
	}
}

// Show は解析画面を表示する。
// GET /
func (h *AnalyzerHandler) Show(w http.ResponseWriter, r *http.Request) {
	sc, ok := currentSession(w, r)
	if !ok {
		return
	}

	snap := sc.Analyzer().Snapshot()
	data := view.AnalyzerData{Snapshot: snap}
	if snap.Phase == analyzer.PhaseResult && snap.Result != nil {
		html, err := h.markdown.Render(snap.Result.Text)
		if err != nil {
			slog.Error("failed to render analysis result",
				slog.String("session_id", sc.ID()),
				slog.String("error", err.Error()),
			)
			renderError(w, r, h.renderer, http.StatusInternalServerError, model.NewInternalError())
			return
		}
		data.ResultHTML = html
	}

	render(w, r, h.renderer, http.StatusOK, view.PageAnalyzer, newPage(r, sc, data))
}

// Upload はアップロードされたメディアを受け付ける。
// サイズ超過と許可リスト外の形式はエラーメッセージを設定して状態を変えない。
// POST /media
func (h *AnalyzerHandler) Upload(w http.ResponseWriter, r *http.Request) {
	sc, ok := currentSession(w, r)
	if !ok {
		return
	}
	machine := sc.Analyzer()

	if r.ContentLength > h.config.UploadBodyLimit() {
		machine.Reject(model.NewMediaTooLargeError(h.config.MaxUploadBytes), "too_large")
		redirect(w, r, "/")
		return
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			machine.Reject(model.NewMediaTooLargeError(h.config.MaxUploadBytes), "too_large")
		} else {
			slog.Warn("failed to parse upload", slog.String("session_id", sc.ID()), slog.String("error", err.Error()))
			machine.Reject(model.NewUnsupportedMediaError(""), "malformed")
		}
		redirect(w, r, "/")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(mediaFieldName)
	if err != nil {
		machine.Reject(model.NewUnsupportedMediaError(""), "missing_file")
		redirect(w, r, "/")
		return
	}
	defer file.Close()

	if header.Size > h.config.MaxUploadBytes {
		machine.Reject(model.NewMediaTooLargeError(h.config.MaxUploadBytes), "too_large")
		redirect(w, r, "/")
		return
	}

	// 形式の判定は宣言されたContent-Typeで行うため、中身を読む前に確認する
	contentType := header.Header.Get("Content-Type")
	if _, ok := analyzer.KindOf(contentType); !ok {
		logAcceptResult(sc.ID(), machine.Accept(contentType, header.Filename, nil))
		redirect(w, r, "/")
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, h.config.MaxUploadBytes+1))
	if err != nil {
		slog.Error("failed to read upload", slog.String("session_id", sc.ID()), slog.String("error", err.Error()))
		renderError(w, r, h.renderer, http.StatusInternalServerError, model.NewInternalError())
		return
	}

	logAcceptResult(sc.ID(), machine.Accept(contentType, header.Filename, data))
	redirect(w, r, "/")
}

// logAcceptResult は受け付けなかったアップロードを記録する。
// 解析中のアップロードは状態を変えずに捨てる。
func logAcceptResult(sessionID string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, analyzer.ErrBusy):
		slog.Debug("upload skipped", slog.String("session_id", sessionID), slog.String("reason", err.Error()))
	default:
		slog.Info("upload rejected", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
}

// Reset は解析画面を初期状態に戻す。
// POST /media/reset
func (h *AnalyzerHandler) Reset(w http.ResponseWriter, r *http.Request) {
	sc, ok := currentSession(w, r)
	if !ok {
		return
	}
	sc.Analyzer().Reset()
	redirect(w, r, "/")
}

// Preview は保持しているメディアを宣言されたContent-Typeで配信する。
// 動画のシークのためRangeリクエストに対応する。
// GET /media/preview
func (h *AnalyzerHandler) Preview(w http.ResponseWriter, r *http.Request) {
	sc, ok := currentSession(w, r)
	if !ok {
		return
	}

	media := sc.Analyzer().Media()
	if media == nil {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", media.ContentType)
	w.Header().Set("Cache-Control", "private, no-store")
	http.ServeContent(w, r, "", media.UploadedAt, bytes.NewReader(media.Data))
}

// Analyze は保持しているメディアをリモートAPIで解析する。
// 閲覧者が画面を離れても解析結果を次の表示で見られるよう、リクエストのキャンセルは伝播しない。
// POST /analyze
func (h *AnalyzerHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	sc, ok := currentSession(w, r)
	if !ok {
		return
	}

	_, err := sc.Analyzer().Analyze(context.WithoutCancel(r.Context()), h.backend)
	switch {
	case err == nil:
	case errors.Is(err, analyzer.ErrBusy), errors.Is(err, analyzer.ErrNotActionable), errors.Is(err, analyzer.ErrStale):
		slog.Debug("analyze skipped", slog.String("session_id", sc.ID()), slog.String("reason", err.Error()))
	default:
		slog.Warn("analysis failed", slog.String("session_id", sc.ID()), slog.String("error", err.Error()))
	}
	redirect(w, r, "/")
}

// Report は解析結果のレポートを添付ファイルとして返す。
// 失敗した場合はエラーメッセージを設定して解析画面へ戻す。
// GET /report
func (h *AnalyzerHandler) Report(w http.ResponseWriter, r *http.Request) {
	sc, ok := currentSession(w, r)
	if !ok {
		return
	}

	report, err := sc.Analyzer().Download(r.Context(), h.backend)
	if err != nil {
		if !errors.Is(err, analyzer.ErrNotActionable) {
			slog.Warn("report download failed", slog.String("session_id", sc.ID()), slog.String("error", err.Error()))
		}
		redirect(w, r, "/")
		return
	}

	w.Header().Set("Content-Type", report.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": h.config.ReportFilename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(report.Data)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(report.Data)
}
