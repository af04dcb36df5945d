package view

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Sanitizer はHTMLを安全なサブセットに制限する。
type Sanitizer interface {
	Sanitize(html string) string
}

// Markdown は解析結果のMarkdownをHTMLに変換する。
// 変換後のHTMLは必ずSanitizerを通してから template.HTML として返す。
type Markdown struct {
	md        goldmark.Markdown
	sanitizer Sanitizer
}

// NewMarkdown はGFM拡張（表・取り消し線・自動リンク）を有効にしたMarkdownを生成する。
func NewMarkdown(sanitizer Sanitizer) *Markdown {
	return &Markdown{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
		sanitizer: sanitizer,
	}
}

// Render はMarkdownテキストを描画する。空文字列の場合は空を返す。
func (m *Markdown) Render(text string) (template.HTML, error) {
	if text == "" {
		return "", nil
	}

	var buf bytes.Buffer
	if err := m.md.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("failed to convert markdown: %w", err)
	}
	return template.HTML(m.sanitizer.Sanitize(buf.String())), nil
}
