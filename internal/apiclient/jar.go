package apiclient

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"

	"golang.org/x/net/publicsuffix"

	"github.com/hitoshi/mediaanalyzer/internal/model"
)

// NewJar は閲覧者ごとのCookieJarを生成し、保存済みのリモートCookieを復元する。
// リモートAPIのセッションCookieはこのJarを通して送受信する。
func (c *Client) NewJar(saved []model.RemoteCookie) (http.CookieJar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	if len(saved) == 0 {
		return jar, nil
	}

	cookies := make([]*http.Cookie, 0, len(saved))
	for _, rc := range saved {
		cookies = append(cookies, &http.Cookie{Name: rc.Name, Value: rc.Value, Path: "/"})
	}
	jar.SetCookies(c.rootURL(), cookies)
	return jar, nil
}

// ExportCookies はJarに保持されているリモートAPI向けCookieを取り出す。
// セッションの永続化に使用する。
func (c *Client) ExportCookies(jar http.CookieJar) []model.RemoteCookie {
	if jar == nil {
		return nil
	}
	cookies := jar.Cookies(c.rootURL())
	if len(cookies) == 0 {
		return nil
	}
	out := make([]model.RemoteCookie, 0, len(cookies))
	for _, ck := range cookies {
		out = append(out, model.RemoteCookie{Name: ck.Name, Value: ck.Value})
	}
	return out
}

func (c *Client) rootURL() *url.URL {
	return c.baseURL.ResolveReference(&url.URL{Path: "/"})
}
