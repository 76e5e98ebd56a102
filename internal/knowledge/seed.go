package knowledge

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Pair is one static FAQ entry.
type Pair struct {
	Question string `yaml:"question" json:"question"`
	Answer   string `yaml:"answer" json:"answer"`
}

// LoadSeed reads a YAML list of question/answer pairs. Entries missing
// either field are rejected.
func LoadSeed(path string) ([]Pair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed parses seed YAML. Both a bare list and a document with a
// top-level "faq" list are accepted.
func ParseSeed(data []byte) ([]Pair, error) {
	var pairs []Pair
	if err := yaml.Unmarshal(data, &pairs); err != nil {
		var doc struct {
			FAQ []Pair `yaml:"faq"`
		}
		if err2 := yaml.Unmarshal(data, &doc); err2 != nil {
			return nil, fmt.Errorf("parsing seed: %w", err)
		}
		pairs = doc.FAQ
	}

	for i := range pairs {
		pairs[i].Question = strings.TrimSpace(pairs[i].Question)
		pairs[i].Answer = strings.TrimSpace(pairs[i].Answer)
		if pairs[i].Question == "" || pairs[i].Answer == "" {
			return nil, fmt.Errorf("seed entry %d: question and answer are required", i+1)
		}
	}
	return pairs, nil
}
