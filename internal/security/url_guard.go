package security

import (
	"fmt"
	"net/url"
	"strings"
)

// URLGuardService はリモートAPIが返したダウンロードリンクを検証する。
// レポート取得はリモートAPIと同一オリジンに限定し、
// 別ホストやhttp/https以外のスキームへのリクエストを防ぐ。
type URLGuardService interface {
	// ResolveDownloadURL はリンクをベースURLに対して解決し、取得先URLを返す。
	// "/" で始まるパスはベースURLに連結する。
	// 絶対URLはスキーム・ホスト・ポートがベースURLと一致する場合のみ許可する。
	ResolveDownloadURL(base *url.URL, link string) (*url.URL, error)
}

// allowedSchemes はダウンロードで許可されるURLスキーム。
var allowedSchemes = []string{"http", "https"}

// urlGuard はURLGuardServiceの実装。
type urlGuard struct{}

// NewURLGuard はURLGuardServiceの新しいインスタンスを生成する。
func NewURLGuard() *urlGuard {
	return &urlGuard{}
}

// ResolveDownloadURL はダウンロードリンクを検証して取得先URLを返す。
func (g *urlGuard) ResolveDownloadURL(base *url.URL, link string) (*url.URL, error) {
	if base == nil {
		return nil, fmt.Errorf("empty base URL")
	}
	link = strings.TrimSpace(link)
	if link == "" {
		return nil, fmt.Errorf("empty download link")
	}

	// プロトコル相対URL（//host/path）は別オリジンになり得るため絶対URLとして扱う
	if strings.HasPrefix(link, "/") && !strings.HasPrefix(link, "//") {
		target, err := url.Parse(strings.TrimRight(base.String(), "/") + link)
		if err != nil {
			return nil, fmt.Errorf("invalid download link: %w", err)
		}
		return target, nil
	}

	parsed, err := url.Parse(link)
	if err != nil {
		return nil, fmt.Errorf("invalid download link: %w", err)
	}
	if parsed.Scheme == "" && parsed.Host != "" {
		parsed.Scheme = base.Scheme
	}

	// スキーム検証: http/httpsのみ許可
	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return nil, fmt.Errorf("disallowed scheme: %q (allowed: %v)", scheme, allowedSchemes)
	}

	// オリジン検証: ベースURLと同一のスキーム・ホスト・ポートのみ許可
	if !sameOrigin(base, parsed) {
		return nil, fmt.Errorf("download link points to another origin: %s", parsed.Host)
	}

	return parsed, nil
}

// isAllowedScheme はURLスキームが許可リストに含まれるかを検証する。
func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

// sameOrigin は2つのURLのスキーム・ホスト名・ポートが一致するかを返す。
func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Hostname(), b.Hostname()) &&
		effectivePort(a) == effectivePort(b)
}

// effectivePort はURLのポートを返す。省略時はスキームの既定ポート。
func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return "443"
	default:
		return "80"
	}
}
