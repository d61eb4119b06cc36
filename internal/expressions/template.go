package expressions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/weave/pkg/schema"
)

const (
	templateOpen  = "{{"
	templateClose = "}}"
)

type templatePart struct {
	text   string
	expr   string
	offset int // position of expr within the template
	isExpr bool
}

func isTemplate(s string) bool {
	return strings.Contains(s, templateOpen)
}

// parseTemplate splits s into literal text and `{{ expr }}` parts.
func parseTemplate(s string) ([]templatePart, error) {
	var parts []templatePart
	rest, base := s, 0
	for {
		open := strings.Index(rest, templateOpen)
		if open < 0 {
			if rest != "" {
				parts = append(parts, templatePart{text: rest})
			}
			return parts, nil
		}
		if open > 0 {
			parts = append(parts, templatePart{text: rest[:open]})
		}
		inner := rest[open+len(templateOpen):]
		closeIdx := strings.Index(inner, templateClose)
		if closeIdx < 0 {
			return nil, newExpressionError(s, base+open, "unterminated template marker", nil)
		}
		raw := inner[:closeIdx]
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			return nil, newExpressionError(s, base+open, "empty template marker", nil)
		}
		lead := len(raw) - len(strings.TrimLeft(raw, " \t\n"))
		parts = append(parts, templatePart{
			expr:   trimmed,
			offset: base + open + len(templateOpen) + lead,
			isExpr: true,
		})
		consumed := open + len(templateOpen) + closeIdx + len(templateClose)
		rest = rest[consumed:]
		base += consumed
	}
}

// renderTemplate evaluates every marker. A template that is exactly one
// marker (ignoring surrounding whitespace) yields the raw value; otherwise
// the parts are concatenated into a string.
func (e *Evaluator) renderTemplate(s string, ec *EvalContext) (any, error) {
	parts, err := parseTemplate(s)
	if err != nil {
		return nil, err
	}

	var exprParts int
	for _, p := range parts {
		if p.isExpr {
			exprParts++
		}
	}
	if exprParts == 1 && strings.TrimSpace(strings.Join(literalTexts(parts), "")) == "" {
		for _, p := range parts {
			if p.isExpr {
				v, err := e.run(p.expr, ec)
				if err != nil {
					return nil, relocate(s, p.offset, err)
				}
				return v, nil
			}
		}
	}

	var b strings.Builder
	for _, p := range parts {
		if !p.isExpr {
			b.WriteString(p.text)
			continue
		}
		v, err := e.run(p.expr, ec)
		if err != nil {
			return nil, relocate(s, p.offset, err)
		}
		b.WriteString(stringify(v))
	}
	return b.String(), nil
}

func literalTexts(parts []templatePart) []string {
	var out []string
	for _, p := range parts {
		if !p.isExpr {
			out = append(out, p.text)
		}
	}
	return out
}

// relocate re-anchors an inner expression error onto the whole template.
func relocate(template string, offset int, err error) error {
	ee, ok := err.(*schema.ExpressionError)
	if !ok {
		return err
	}
	pos := -1
	if ee.Position >= 0 {
		pos = offset + ee.Position
	}
	return newExpressionError(template, pos, ee.Message, ee.Cause)
}

// stringify renders a value for text interpolation.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case map[string]any, []any:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	default:
		return fmt.Sprint(val)
	}
}
