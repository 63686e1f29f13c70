package render

import (
	"strings"

	"golang.org/x/net/html"
)

// blockElements は改行を挟む要素。
var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "ul": true, "ol": true,
	"h1": true, "h2": true, "h3": true, "blockquote": true,
}

// PlainText はHTML本文からmultipart/alternative用のテキスト本文を生成する。
// リンクは「テキスト (URL)」の形式で残す。
func PlainText(htmlBody string) string {
	z := html.NewTokenizer(strings.NewReader(htmlBody))

	var b strings.Builder
	var hrefs []string

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return normalizeLines(b.String())

		case html.TextToken:
			b.WriteString(string(z.Text()))

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			if blockElements[tag] {
				b.WriteString("\n")
			}
			if tag == "li" {
				b.WriteString("- ")
			}
			if tag == "a" {
				href := ""
				for hasAttr {
					var key, val []byte
					key, val, hasAttr = z.TagAttr()
					if string(key) == "href" {
						href = string(val)
					}
				}
				hrefs = append(hrefs, href)
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if tag == "a" && len(hrefs) > 0 {
				href := hrefs[len(hrefs)-1]
				hrefs = hrefs[:len(hrefs)-1]
				if href != "" && href != "#" {
					b.WriteString(" (" + href + ")")
				}
			}
			if blockElements[tag] {
				b.WriteString("\n")
			}
		}
	}
}

// normalizeLines は各行の空白を整理し、連続する空行を1行にまとめる。
func normalizeLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
