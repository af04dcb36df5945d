package security

import (
	"net/url"
	"testing"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", raw, err)
	}
	return u
}

// TestResolveDownloadURL_Allowed は同一オリジンのリンクが解決されることを検証する。
func TestResolveDownloadURL_Allowed(t *testing.T) {
	guard := NewURLGuard()

	tests := []struct {
		name string
		base string
		link string
		want string
	}{
		{
			name: "パスはベースURLに連結される",
			base: "http://localhost:3000",
			link: "/r/1",
			want: "http://localhost:3000/r/1",
		},
		{
			name: "ベースURLのパスプレフィックスを保持する",
			base: "https://api.example.com/v1",
			link: "/reports/abc.txt",
			want: "https://api.example.com/v1/reports/abc.txt",
		},
		{
			name: "クエリ文字列を保持する",
			base: "http://localhost:3000",
			link: "/api/download?file=report-1.txt",
			want: "http://localhost:3000/api/download?file=report-1.txt",
		},
		{
			name: "同一オリジンの絶対URLは許可される",
			base: "http://localhost:3000",
			link: "http://localhost:3000/r/2",
			want: "http://localhost:3000/r/2",
		},
		{
			name: "既定ポートの省略は同一とみなす",
			base: "https://api.example.com",
			link: "https://api.example.com:443/r/3",
			want: "https://api.example.com:443/r/3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := guard.ResolveDownloadURL(mustParse(t, tt.base), tt.link)
			if err != nil {
				t.Fatalf("ResolveDownloadURL(%q) returned error: %v", tt.link, err)
			}
			if got.String() != tt.want {
				t.Errorf("ResolveDownloadURL(%q) = %q, want %q", tt.link, got.String(), tt.want)
			}
		})
	}
}

// TestResolveDownloadURL_Rejected は危険なリンクが拒否されることを検証する。
func TestResolveDownloadURL_Rejected(t *testing.T) {
	guard := NewURLGuard()
	base := mustParse(t, "http://localhost:3000")

	tests := []struct {
		name string
		link string
	}{
		{"空文字列", ""},
		{"別ホスト", "http://evil.example.com/r/1"},
		{"別ポート", "http://localhost:9999/r/1"},
		{"別スキーム", "https://localhost:3000/r/1"},
		{"プロトコル相対URL", "//evil.example.com/r/1"},
		{"javascriptスキーム", "javascript:alert(1)"},
		{"fileスキーム", "file:///etc/passwd"},
		{"相対パス", "r/1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := guard.ResolveDownloadURL(base, tt.link); err == nil {
				t.Errorf("ResolveDownloadURL(%q) expected error, got nil", tt.link)
			}
		})
	}
}

// TestResolveDownloadURL_NilBase はベースURLがnilの場合にエラーを返すことを検証する。
func TestResolveDownloadURL_NilBase(t *testing.T) {
	guard := NewURLGuard()
	if _, err := guard.ResolveDownloadURL(nil, "/r/1"); err == nil {
		t.Error("expected error for nil base URL")
	}
}
