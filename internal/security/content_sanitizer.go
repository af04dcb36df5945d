// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizerService は解析結果（Markdownから変換したHTML）をサニタイズし、
// リモートAPIが返した文字列経由のXSSから閲覧者を保護する。
// bluemondayライブラリを使用した許可リストベースのポリシーで、
// 文書構造に必要なタグと属性のみを通過させる。
package security

import (
	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はHTMLコンテンツのサニタイズ機能のインターフェースを定義する。
type ContentSanitizerService interface {
	// Sanitize はHTMLコンテンツをサニタイズして安全なHTMLを返す。
	// 見出し・段落・リスト・引用・コード・強調・表・リンクのみを通過させ、
	// script, iframe, style, img タグおよびon*イベント属性を除去する。
	// aタグのhrefは http/https の絶対URLのみ許可し、
	// target="_blank" と rel="noopener noreferrer" を自動付与する。
	// 空文字列の入力には空文字列を返す。
	Sanitize(rawHTML string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーはスレッドセーフなので共有して使う。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
func NewContentSanitizer() *contentSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"p", "br", "hr",
		"h1", "h2", "h3", "h4", "h5", "h6",
		"ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em", "del",
		"table", "thead", "tbody", "tr", "th", "td",
	)

	// 番号付きリストの開始番号（Markdownの "3. item" で出力される）
	p.AllowAttrs("start").Matching(bluemonday.Integer).OnElements("ol")

	// 表のセル揃え
	p.AllowAttrs("align").Matching(bluemonday.CellAlign).OnElements("th", "td")

	// リンク: 絶対URLのみ、新しいタブで開く
	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https")
	p.RequireParseableURLs(true)
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &contentSanitizer{
		policy: p,
	}
}

// Sanitize はHTMLコンテンツをサニタイズして安全なHTMLを返す。
func (s *contentSanitizer) Sanitize(rawHTML string) string {
	if rawHTML == "" {
		return ""
	}
	return s.policy.Sanitize(rawHTML)
}
