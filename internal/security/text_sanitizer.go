// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer はサインアップフォームや外部フィード由来の文字列から
// HTMLタグを除去し、メール本文へ安全に埋め込める平文に変換する。
// SSRFGuard はメールAPIや記事フィードへの外向きHTTP通信を
// プライベートネットワークから隔離する。
package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer は信頼できない文字列を平文に変換するインターフェース。
type TextSanitizer interface {
	// Text はHTMLタグを全て除去し、空白を正規化した平文を返す。
	// 結果は maxRunes 文字で切り詰められる（0以下は無制限）。
	// HTMLエスケープは行わない。埋め込み側（html/template）でエスケープすること。
	Text(raw string, maxRunes int) string
}

// textSanitizer はbluemondayのStrictPolicyによるTextSanitizerの実装。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Text はHTMLタグを除去した平文を返す。
func (s *textSanitizer) Text(raw string, maxRunes int) string {
	if raw == "" {
		return ""
	}

	// StrictPolicyはエンティティをエスケープして返すため、平文に戻す
	stripped := html.UnescapeString(s.policy.Sanitize(raw))
	text := strings.Join(strings.Fields(stripped), " ")

	if maxRunes > 0 && utf8.RuneCountInString(text) > maxRunes {
		runes := []rune(text)
		text = strings.TrimSpace(string(runes[:maxRunes]))
	}
	return text
}
