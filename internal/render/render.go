// Package render はシーケンスステップのメール本文を生成する。
// レンダリングは入力のみに依存する純粋な処理で、副作用を持たない。
package render

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"path"
	"strings"

	"github.com/hitoshi/dripman/internal/content"
	"github.com/hitoshi/dripman/internal/model"
	"github.com/hitoshi/dripman/internal/security"
)

//go:embed templates/*.html
var templatesFS embed.FS

const (
	// DefaultTemplateID は未知のテンプレートIDに対するフォールバック先。
	DefaultTemplateID = "welcome"

	// maxNameRunes は本文に埋め込む名前の最大文字数。
	maxNameRunes = 60
)

// templateIDs は組み込みテンプレートの一覧。
var templateIDs = []string{"welcome", "value1", "value2", "offer"}

// Context はテンプレートに渡すキャンペーン共通の値。
type Context struct {
	OfferLink      string
	Price          string
	UnsubscribeURL string
	Articles       []content.Article
}

// Body はレンダリング結果。
type Body struct {
	TemplateID string // 実際に使用したテンプレートID（フォールバック後）
	HTML       string
	Text       string
}

// Renderer はテンプレートIDごとに事前パースしたテンプレートを保持する。
// 生成後は読み取り専用のため、複数goroutineから同時に使用できる。
type Renderer struct {
	templates map[string]*template.Template
	sanitizer security.TextSanitizer
}

// templateData はテンプレートに渡すデータ。
type templateData struct {
	Name           string
	OfferLink      string
	Price          string
	UnsubscribeURL string
	Articles       []content.Article
}

// New は組み込みテンプレートをパースしてRendererを生成する。
func New(sanitizer security.TextSanitizer) (*Renderer, error) {
	layout := path.Join("templates", "layout.html")
	templates := make(map[string]*template.Template, len(templateIDs))
	for _, id := range templateIDs {
		t, err := template.New("layout").ParseFS(templatesFS, layout, path.Join("templates", id+".html"))
		if err != nil {
			return nil, fmt.Errorf("テンプレート %q のパースに失敗しました: %w", id, err)
		}
		templates[id] = t
	}
	return &Renderer{templates: templates, sanitizer: sanitizer}, nil
}

// Render はテンプレートIDと宛先名からメール本文を生成する。
// 未知のテンプレートIDはDefaultTemplateIDにフォールバックする。
// 名前が空（またはサニタイズ後に空）の場合はmodel.DefaultLeadNameを使用する。
func (r *Renderer) Render(templateID, name string, ctx Context) (Body, error) {
	id := strings.ToLower(strings.TrimSpace(templateID))
	t, ok := r.templates[id]
	if !ok {
		id = DefaultTemplateID
		t = r.templates[id]
	}

	displayName := r.sanitizer.Text(name, maxNameRunes)
	if displayName == "" {
		displayName = model.DefaultLeadName
	}

	price := ctx.Price
	if price == "" {
		price = "$47"
	}
	unsub := ctx.UnsubscribeURL
	if unsub == "" {
		unsub = "#"
	}

	var buf bytes.Buffer
	err := t.ExecuteTemplate(&buf, "layout", templateData{
		Name:           displayName,
		OfferLink:      ctx.OfferLink,
		Price:          price,
		UnsubscribeURL: unsub,
		Articles:       ctx.Articles,
	})
	if err != nil {
		return Body{}, fmt.Errorf("テンプレート %q のレンダリングに失敗しました: %w", id, err)
	}

	htmlBody := buf.String()
	return Body{
		TemplateID: id,
		HTML:       htmlBody,
		Text:       PlainText(htmlBody),
	}, nil
}

// Has はテンプレートIDが組み込みテンプレートとして存在するかを返す。
func (r *Renderer) Has(templateID string) bool {
	_, ok := r.templates[strings.ToLower(strings.TrimSpace(templateID))]
	return ok
}
