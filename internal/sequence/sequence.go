// Package sequence はドリップシーケンスの定義を提供する。
// 定義は順序付きの不変なステップ列で、リードの step 値でインデックス参照される。
package sequence

import (
	"fmt"
	"time"
)

// Step はシーケンスの1ステップ。
// Delay は前回送信時刻（未送信なら登録時刻）からの待機時間。
type Step struct {
	Delay      time.Duration
	Subject    string
	TemplateID string
}

// Definition は不変のシーケンス定義。
// 生成後にステップを変更する手段は提供しない。
type Definition struct {
	name  string
	steps []Step
}

// New はステップ列からDefinitionを生成する。
// ステップが空、負の待機時間、空の件名の場合はエラーを返す。
// 待機時間の単調増加は要求しない。
func New(name string, steps []Step) (*Definition, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("sequence %q: steps are required", name)
	}
	copied := make([]Step, len(steps))
	for i, s := range steps {
		if s.Delay < 0 {
			return nil, fmt.Errorf("sequence %q step %d: delay must not be negative", name, i)
		}
		if s.Subject == "" {
			return nil, fmt.Errorf("sequence %q step %d: subject is required", name, i)
		}
		copied[i] = s
	}
	return &Definition{name: name, steps: copied}, nil
}

// Name はシーケンス名を返す。
func (d *Definition) Name() string {
	return d.name
}

// Len はステップ数を返す。step == Len() のリードはシーケンス完了。
func (d *Definition) Len() int {
	return len(d.steps)
}

// Step は index 番目のステップを返す。範囲外の場合は false を返す。
func (d *Definition) Step(index int) (Step, bool) {
	if index < 0 || index >= len(d.steps) {
		return Step{}, false
	}
	return d.steps[index], true
}

// Steps はステップ列のコピーを返す。
func (d *Definition) Steps() []Step {
	out := make([]Step, len(d.steps))
	copy(out, d.steps)
	return out
}

// DueAt はリードの基準時刻 reference から index 番目のステップが送信可能になる時刻を返す。
func (d *Definition) DueAt(index int, reference time.Time) (time.Time, bool) {
	s, ok := d.Step(index)
	if !ok {
		return time.Time{}, false
	}
	return reference.Add(s.Delay), true
}
