package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/hitoshi/dripman/internal/render"
	"github.com/hitoshi/dripman/internal/security"
	"github.com/hitoshi/dripman/internal/sequence"
)

func TestWarnUnknownTemplates(t *testing.T) {
	renderer, err := render.New(security.NewTextSanitizer())
	if err != nil {
		t.Fatalf("render.New() がエラーを返した: %v", err)
	}

	def, err := sequence.New("custom", []sequence.Step{
		{Delay: 0, Subject: "Welcome", TemplateID: "welcome"},
		{Delay: 0, Subject: "Bonus", TemplateID: "bonus"},
		{Delay: 0, Subject: "Offer", TemplateID: " OFFER "},
	})
	if err != nil {
		t.Fatalf("sequence.New() がエラーを返した: %v", err)
	}

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	if got := warnUnknownTemplates(def, renderer, log); got != 1 {
		t.Errorf("unknown = %d, want 1", got)
	}
	out := buf.String()
	if !strings.Contains(out, `"template_id":"bonus"`) {
		t.Errorf("未知のテンプレートIDがログに出力されるべき: %s", out)
	}
	if strings.Contains(out, `"template_id":" OFFER "`) {
		t.Errorf("大文字・空白違いの既知IDは警告しない: %s", out)
	}
}

func TestWarnUnknownTemplates_DefaultSequenceIsClean(t *testing.T) {
	renderer, err := render.New(security.NewTextSanitizer())
	if err != nil {
		t.Fatalf("render.New() がエラーを返した: %v", err)
	}

	var buf bytes.Buffer
	if got := warnUnknownTemplates(sequence.Default(), renderer, slog.New(slog.NewJSONHandler(&buf, nil))); got != 0 {
		t.Errorf("既定シーケンスは全ステップが組み込みテンプレートを参照する: %d 件の警告 (%s)", got, buf.String())
	}
}
