// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer は投稿・返信本文からHTMLを取り除き、プレーンテキストとして保存できる形にする。
// bluemondayのStrictPolicyを使用し、すべてのタグと属性を除去する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はユーザー入力のテキストをサニタイズするインターフェース。
type TextSanitizer interface {
	// Sanitize は入力からHTMLタグを除去し、前後の空白を取り除いたプレーンテキストを返す。
	// script, styleなどの要素は中身ごと除去される。
	// 戻り値はHTMLエスケープされていないため、表示側でエスケープすること。
	Sanitize(raw string) string
}

// textSanitizer はTextSanitizerの実装。
// bluemondayのポリシーはスレッドセーフに共有できる。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize は入力をプレーンテキストにする。
func (s *textSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	// StrictPolicyは&や<をエンティティに変換するため、保存前に元の文字に戻す
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(raw)))
}

// compile-time interface check
var _ TextSanitizer = (*textSanitizer)(nil)
