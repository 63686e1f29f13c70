package sequence

import "time"

// DefaultName は組み込みシーケンスの名前。
const DefaultName = "ai-mastery-nurture"

// builtinSteps は組み込みの4ステップ（0h, 24h, 72h, 120h）。
var builtinSteps = []Step{
	{Delay: 0, Subject: "Your free AI income guide is here 🎯", TemplateID: "welcome"},
	{Delay: 24 * time.Hour, Subject: "The prompt that made me $800 last month", TemplateID: "value1"},
	{Delay: 72 * time.Hour, Subject: "How to go from 0 → $47/day with AI (step by step)", TemplateID: "value2"},
	{Delay: 120 * time.Hour, Subject: "Last chance: AI Mastery Course at launch price", TemplateID: "offer"},
}

// Default は組み込みシーケンス定義を返す。
func Default() *Definition {
	d, err := New(DefaultName, builtinSteps)
	if err != nil {
		panic(err)
	}
	return d
}
