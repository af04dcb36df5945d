// Package apiclient はリモートREST API（認証・メディア解析・レポート）のクライアントを提供する。
// 認証系のエンドポイントは閲覧者ごとのCookieJarを使ってCookie付きで呼び出し、
// 解析系のエンドポイントは資格情報なしで呼び出す。
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/mediaanalyzer/internal/metrics"
	"github.com/hitoshi/mediaanalyzer/internal/model"
)

// リモートAPIのパス
const (
	pathStatus       = "/api/auth/status"
	pathLogin        = "/api/auth/login"
	pathRegister     = "/api/auth/register"
	pathLogout       = "/api/auth/logout"
	pathAnalyzeImage = "/api/images/generate-alt-text/upload"
	pathAnalyzeVideo = "/api/videos/upload-video"
)

const (
	// maxJSONBodySize はJSONレスポンスとして読み込む最大バイト数。
	maxJSONBodySize = 4 << 20
	// maxReportSize はダウンロードするレポートの最大バイト数。
	maxReportSize = 64 << 20
)

// ErrNoDownloadPath はダウンロードパスが空の場合のエラー。
var ErrNoDownloadPath = errors.New("download path is empty")

// Error はリモートAPIが成功以外のステータスを返したことを表す。
// Message にはレスポンスボディの error フィールドが入る（なければ空）。
type Error struct {
	Endpoint   string
	StatusCode int
	Message    string
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s returned status %d: %s", e.Endpoint, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s returned status %d", e.Endpoint, e.StatusCode)
}

// ServerMessage はリモートAPIが返したエラーメッセージを取り出す。
// errが*Errorでない、またはメッセージが空の場合は空文字列を返す。
func ServerMessage(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return ""
}

// Credentials はログイン・登録時に送信する資格情報。
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// URLValidator はダウンロードリンクを検証し、取得先URLを返す。
type URLValidator interface {
	ResolveDownloadURL(base *url.URL, link string) (*url.URL, error)
}

// Client はリモートAPIのクライアント。
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	guard      URLValidator
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
}

// NewClient はClientの新しいインスタンスを生成する。
// httpClientのJarは使用せず、呼び出しごとに閲覧者のJarを設定する。
func NewClient(
	baseURL string,
	httpClient *http.Client,
	guard URLValidator,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid API base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid API base URL: %q", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Client{
		baseURL:    u,
		httpClient: httpClient,
		guard:      guard,
		logger:     logger,
		metrics:    collector,
	}, nil
}

// BaseURL はリモートAPIのベースURLを返す。
func (c *Client) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

// userEnvelope は { user } 形式のレスポンス。
type userEnvelope struct {
	User json.RawMessage `json:"user"`
}

// errorEnvelope は失敗時レスポンスの error フィールド。
type errorEnvelope struct {
	Error string `json:"error"`
}

// Status は現在の認証状態を問い合わせる。
// GET /api/auth/status
// 成功時はユーザー（未認証ならnil）、成功以外のステータスは*Errorを返す。
func (c *Client) Status(ctx context.Context, jar http.CookieJar) (*model.User, error) {
	resp, err := c.do(ctx, "auth_status", jar, http.MethodGet, c.endpoint(pathStatus), nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return nil, c.errorFromResponse("auth_status", resp)
	}

	return decodeUser(resp.Body)
}

// Login は資格情報でログインする。
// POST /api/auth/login
func (c *Client) Login(ctx context.Context, jar http.CookieJar, creds Credentials) (*model.User, error) {
	body, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to encode credentials: %w", err)
	}

	resp, err := c.do(ctx, "auth_login", jar, http.MethodPost, c.endpoint(pathLogin), bytes.NewReader(body), "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return nil, c.errorFromResponse("auth_login", resp)
	}

	return decodeUser(resp.Body)
}

// Register はアカウントを登録する。成功時のボディは使用しない。
// POST /api/auth/register
func (c *Client) Register(ctx context.Context, jar http.CookieJar, creds Credentials) error {
	body, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	resp, err := c.do(ctx, "auth_register", jar, http.MethodPost, c.endpoint(pathRegister), bytes.NewReader(body), "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return c.errorFromResponse("auth_register", resp)
	}

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxJSONBodySize))
	return nil
}

// Logout はリモートセッションを破棄する。
// POST /api/auth/logout
func (c *Client) Logout(ctx context.Context, jar http.CookieJar) error {
	resp, err := c.do(ctx, "auth_logout", jar, http.MethodPost, c.endpoint(pathLogout), nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return c.errorFromResponse("auth_logout", resp)
	}
	return nil
}

// analysisResponse は解析エンドポイントのレスポンス。
// 画像は altText、動画は description に結果が入る。
type analysisResponse struct {
	AltText      string `json:"altText"`
	Description  string `json:"description"`
	DownloadLink string `json:"downloadLink"`
}

// Analyze はメディアを種別ごとのエンドポイントへmultipartでアップロードし、解析結果を返す。
// 資格情報は送信しない。
func (c *Client) Analyze(ctx context.Context, media *model.Media) (*model.AnalysisResult, error) {
	if media == nil {
		return nil, fmt.Errorf("media is required")
	}

	var path, endpointName string
	switch media.Kind {
	case model.MediaImage:
		path, endpointName = pathAnalyzeImage, "images_analyze"
	case model.MediaVideo:
		path, endpointName = pathAnalyzeVideo, "videos_analyze"
	default:
		return nil, fmt.Errorf("unsupported media kind: %q", media.Kind)
	}

	body, contentType, err := buildMultipart(string(media.Kind), media)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, endpointName, nil, http.MethodPost, c.endpoint(path), body, contentType)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return nil, c.errorFromResponse(endpointName, resp)
	}

	var ar analysisResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJSONBodySize)).Decode(&ar); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", endpointName, err)
	}

	result := &model.AnalysisResult{DownloadPath: ar.DownloadLink}
	if media.Kind == model.MediaImage {
		result.Text = ar.AltText
	} else {
		result.Text = ar.Description
	}
	return result, nil
}

// DownloadReport はダウンロードリンクからレポートを取得する。
// リンクはベースURLに対して解決し、別オリジンのURLは拒否する。
func (c *Client) DownloadReport(ctx context.Context, link string) (*model.Report, error) {
	if link == "" {
		return nil, ErrNoDownloadPath
	}

	target, err := c.resolveDownload(link)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, "report_download", nil, http.MethodGet, target.String(), nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return nil, c.errorFromResponse("report_download", resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReportSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read report body: %w", err)
	}
	if len(data) > maxReportSize {
		return nil, fmt.Errorf("report exceeds %d bytes", maxReportSize)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &model.Report{Data: data, ContentType: contentType}, nil
}

// resolveDownload はダウンロードリンクを取得先URLに解決する。
func (c *Client) resolveDownload(link string) (*url.URL, error) {
	if c.guard != nil {
		return c.guard.ResolveDownloadURL(c.baseURL, link)
	}
	u, err := url.Parse(c.endpoint(link))
	if err != nil {
		return nil, fmt.Errorf("invalid download link: %w", err)
	}
	return u, nil
}

// endpoint はベースURLとパスを連結する。
func (c *Client) endpoint(path string) string {
	return c.baseURL.String() + path
}

// do はHTTPリクエストを実行し、メトリクスを記録する。
// jarが指定された場合はCookie付きで送信する。
func (c *Client) do(
	ctx context.Context,
	endpointName string,
	jar http.CookieJar,
	method, target string,
	body io.Reader,
	contentType string,
) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", endpointName, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	hc := *c.httpClient
	hc.Jar = jar

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		c.metrics.RecordAPICall(endpointName, 0, time.Since(start))
		c.logger.Error("remote API call failed",
			slog.String("endpoint", endpointName),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%s request failed: %w", endpointName, err)
	}
	c.metrics.RecordAPICall(endpointName, resp.StatusCode, time.Since(start))
	return resp, nil
}

// errorFromResponse は成功以外のレスポンスから*Errorを生成する。
// ボディがJSONで error フィールドを含む場合はメッセージとして取り出す。
func (c *Client) errorFromResponse(endpointName string, resp *http.Response) error {
	apiErr := &Error{Endpoint: endpointName, StatusCode: resp.StatusCode}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONBodySize))
	if err == nil && len(raw) > 0 {
		var env errorEnvelope
		if json.Unmarshal(raw, &env) == nil {
			apiErr.Message = env.Error
		}
	}

	c.logger.Warn("remote API returned non-success status",
		slog.String("endpoint", endpointName),
		slog.Int("http_status", resp.StatusCode),
	)
	return apiErr
}

// decodeUser は { user } 形式のボディからユーザーを取り出す。
func decodeUser(r io.Reader) (*model.User, error) {
	var env userEnvelope
	if err := json.NewDecoder(io.LimitReader(r, maxJSONBodySize)).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode user response: %w", err)
	}
	return model.NewUser(env.User)
}

// buildMultipart はメディアを指定フィールド名のmultipartボディに変換する。
// 元のバイト列・ファイル名・Content-Typeをそのまま使う。
func buildMultipart(field string, media *model.Media) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	filename := media.Filename
	if filename == "" {
		filename = defaultFilename(media.Kind)
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	h.Set("Content-Type", media.ContentType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create multipart part: %w", err)
	}
	if _, err := part.Write(media.Data); err != nil {
		return nil, "", fmt.Errorf("failed to write multipart part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

// defaultFilename はファイル名が不明な場合の既定名を返す。
func defaultFilename(kind model.MediaKind) string {
	if kind == model.MediaImage {
		return "file.jpg"
	}
	return "file.mp4"
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
