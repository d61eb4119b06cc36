package expressions

import (
	"fmt"
	"strings"
)

// Array filter predicates are written `collection[? predicate]`, optionally
// followed by a projection: `orders[? .total > 100].id`. Inside the predicate
// the current element is `#` and its fields are reachable as `.field`.
// They are rewritten into the expr-lang builtins before compilation:
//
//	orders[? .total > 100]     -> filter(orders, .total > 100)
//	orders[? .total > 100].id  -> map(filter(orders, .total > 100), .id)
const predicateOpen = "[?"

// rewritePredicates expands every filter predicate in src. first is the
// offset in src of the earliest rewritten text, or -1 if src was unchanged;
// compile errors located before it map back onto src verbatim.
func rewritePredicates(src string) (out string, first int, err error) {
	first = -1
	out = src
	for {
		open := indexOutsideStrings(out, predicateOpen)
		if open < 0 {
			return out, first, nil
		}
		start := operandStart(out, open)
		if start == open {
			return "", first, fmt.Errorf("filter predicate at position %d has no collection", open)
		}
		closeIdx, ok := matchBracket(out, open)
		if !ok {
			return "", first, fmt.Errorf("unterminated filter predicate at position %d", open)
		}
		pred := strings.TrimSpace(out[open+len(predicateOpen) : closeIdx])
		if pred == "" {
			return "", first, fmt.Errorf("empty filter predicate at position %d", open)
		}
		end := projectionEnd(out, closeIdx+1)

		collection := out[start:open]
		replacement := "filter(" + collection + ", " + pred + ")"
		if proj := out[closeIdx+1 : end]; proj != "" {
			replacement = "map(" + replacement + ", " + proj + ")"
		}
		if first < 0 || start < first {
			first = start
		}
		out = out[:start] + replacement + out[end:]
	}
}

// indexOutsideStrings finds needle in s, ignoring quoted string literals.
func indexOutsideStrings(s, needle string) int {
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		if c == '"' || c == '\'' || c == '`' {
			quote = c
			continue
		}
		if strings.HasPrefix(s[i:], needle) {
			return i
		}
	}
	return -1
}

// matchBracket returns the index of the `]` closing the `[` at open.
func matchBracket(s string, open int) (int, bool) {
	depth := 0
	var quote byte
	for i := open; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			quote = c
		case '[', '(', '{':
			depth++
		case ']', ')', '}':
			depth--
			if depth == 0 {
				if c != ']' {
					return 0, false
				}
				return i, true
			}
		}
	}
	return 0, false
}

// operandStart walks backwards from end over a path expression: identifiers,
// dots, `?.`, `#`, and balanced bracket or call groups.
func operandStart(s string, end int) int {
	i := end
	for i > 0 {
		c := s[i-1]
		switch {
		case isIdentByte(c) || c == '.' || c == '#' || c == '$':
			i--
		case c == '?' && i < len(s) && s[i] == '.':
			i--
		case c == ']' || c == ')':
			j := matchBackward(s, i-1)
			if j < 0 {
				return i
			}
			i = j
		default:
			return i
		}
	}
	return i
}

// matchBackward returns the index of the opener matching the closer at idx.
func matchBackward(s string, idx int) int {
	depth := 0
	for i := idx; i >= 0; i-- {
		switch s[i] {
		case ']', ')':
			depth++
		case '[', '(':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// projectionEnd consumes a `.field.field[0]` projection starting at from.
func projectionEnd(s string, from int) int {
	i := from
	if i >= len(s) || s[i] != '.' {
		return from
	}
	for i < len(s) {
		c := s[i]
		switch {
		case isIdentByte(c) || c == '.':
			i++
		case c == '[' && !strings.HasPrefix(s[i:], predicateOpen):
			j, ok := matchBracket(s, i)
			if !ok {
				return i
			}
			i = j + 1
		default:
			return i
		}
	}
	return i
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
