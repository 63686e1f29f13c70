// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// DefaultLeadName は名前が未指定のリードに使用するプレースホルダー。
const DefaultLeadName = "friend"

// DefaultLeadSource は流入元が未指定のリードに使用するタグ。
const DefaultLeadSource = "landing"

// Lead はメールシーケンスに登録された見込み客を表す。
// Step と LastSentAt はシーケンスエンジンのみが更新する。
type Lead struct {
	ID         string
	Email      string // 正規化済み（小文字・前後空白除去）
	Name       string
	Source     string
	CreatedAt  time.Time
	Step       int
	LastSentAt *time.Time
}

// ReferenceTime は次ステップの待機時間の起点となる時刻を返す。
// 送信済みであれば最終送信時刻、未送信であれば登録時刻。
func (l *Lead) ReferenceTime() time.Time {
	if l.LastSentAt != nil {
		return *l.LastSentAt
	}
	return l.CreatedAt
}

// IsComplete はシーケンス長 length に対してリードが全ステップを完了しているかを返す。
func (l *Lead) IsComplete(length int) bool {
	return l.Step >= length
}

// NormalizeEmail はメールアドレスを同一性判定用に正規化する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// LeadStepCount はステップごとのリード数の集計結果。
type LeadStepCount struct {
	Step  int
	Count int
}
