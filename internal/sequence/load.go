package sequence

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// fileSequence はYAMLファイル上のシーケンス表現。
type fileSequence struct {
	Name  string     `yaml:"name"`
	Steps []fileStep `yaml:"steps"`
}

type fileStep struct {
	DelayHours *float64 `yaml:"delay_hours"`
	Subject    string   `yaml:"subject"`
	Template   string   `yaml:"template"`
}

// Load はpathが空なら組み込み定義を、そうでなければファイルから読み込んだ定義を返す。
func Load(path string) (*Definition, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile はYAMLファイルからシーケンス定義を読み込む。
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sequence %s: %w", path, err)
	}

	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse sequence %s: %w", path, err)
	}
	return def, nil
}

// Parse はYAMLバイト列をシーケンス定義に変換する。
func Parse(data []byte) (*Definition, error) {
	var fs fileSequence
	if err := yaml.Unmarshal(data, &fs); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(fs.Name)
	if name == "" {
		return nil, fmt.Errorf("sequence name is required")
	}

	steps := make([]Step, 0, len(fs.Steps))
	for i, s := range fs.Steps {
		if s.DelayHours == nil {
			return nil, fmt.Errorf("sequence step %d: delay_hours is required", i)
		}
		hours := *s.DelayHours
		if math.IsNaN(hours) || math.IsInf(hours, 0) {
			return nil, fmt.Errorf("sequence step %d: invalid delay_hours", i)
		}
		steps = append(steps, Step{
			Delay:      time.Duration(hours * float64(time.Hour)),
			Subject:    strings.TrimSpace(s.Subject),
			TemplateID: strings.ToLower(strings.TrimSpace(s.Template)),
		})
	}

	return New(name, steps)
}
