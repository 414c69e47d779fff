// TextSanitizer はチャットの発話と応答からマークアップを除去し、
// 保存・表示されるテキストを常にプレーンテキストに保つ。

package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxMessageRunes は1メッセージとして保存する最大文字数。
const MaxMessageRunes = 4000

// maxSanitizePasses はエスケープの入れ子を剥がす最大回数。
const maxSanitizePasses = 8

// TextSanitizer はプレーンテキスト化のインターフェース。
type TextSanitizer interface {
	// Sanitize はHTMLタグと属性を取り除いたテキストを返す。
	// script, styleの中身は捨てる。前後の空白は除去し、MaxMessageRunesで切り詰める。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(text string) string
}

// textSanitizer はTextSanitizerの実装。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はStrictPolicyを使うTextSanitizerを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はテキストからマークアップを除去する。
// StrictPolicyがエスケープした文字は元に戻し、"<3" のような表現を保つ。
// 戻した結果が新たなタグにならないよう、出力が変わらなくなるまでポリシーを適用し直す。
func (s *textSanitizer) Sanitize(text string) string {
	if text == "" {
		return ""
	}

	cleaned := s.stable(text)
	if utf8.RuneCountInString(cleaned) > MaxMessageRunes {
		runes := []rune(cleaned)
		cleaned = s.stable(string(runes[:MaxMessageRunes]))
	}
	return cleaned
}

// stable はポリシー適用とアンエスケープを不動点に達するまで繰り返す。
// 収束しない入力はエスケープしたまま返す。
func (s *textSanitizer) stable(text string) string {
	cur := text
	for i := 0; i < maxSanitizePasses; i++ {
		next := strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(cur)))
		if next == cur {
			return next
		}
		cur = next
	}
	return strings.TrimSpace(s.policy.Sanitize(cur))
}
