package completion

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	validate  = validator.New()
	fenceExpr = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")
)

// ExtractJSON strips markdown code fences and surrounding prose, returning
// the outermost JSON object in text.
func ExtractJSON(text string) (string, error) {
	if m := fenceExpr.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON object in completion")
	}
	return text[start : end+1], nil
}

// Normalizer is implemented by completion answers that clean up their
// fields (case, whitespace) before validation.
type Normalizer interface {
	Normalize()
}

// ParseJSON decodes a completion into out and validates it against its
// `validate` struct tags. Any error means the caller must fall back.
func ParseJSON(text string, out interface{}) error {
	raw, err := ExtractJSON(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode completion JSON: %w", err)
	}
	if n, ok := out.(Normalizer); ok {
		n.Normalize()
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("invalid completion JSON: %w", err)
	}
	return nil
}
