package agent

import (
	"strings"
)

// ToolCall is one name(key=value, ...) marker found in a reply.
type ToolCall struct {
	Name   string
	Params map[string]string
}

// ParseToolCalls scans text for markers of the form name(key=value, ...).
// A marker with unbalanced parentheses, or a non-empty body without any
// key=value pair, is ordinary prose and is skipped. name() yields a call
// with no parameters. Markers inside a quoted value are part of that value.
// Parsing is linear in len(text).
func ParseToolCalls(text string) []ToolCall {
	bodies := scanBodies(text)
	if len(bodies) == 0 {
		return nil
	}

	var calls []ToolCall
	for i := 0; i < len(text); i++ {
		if text[i] != '(' {
			continue
		}
		b, ok := bodies[i]
		if !ok {
			continue
		}
		name := identBefore(text, i)
		if name == "" {
			// prose parens; markers inside may still count
			continue
		}
		calls = append(calls, ToolCall{Name: name, Params: b.params})
		i = b.close
	}
	return calls
}

// body is a balanced parenthesis pair whose contents parse as parameters.
type body struct {
	close  int
	params map[string]string
}

// frame is an open parenthesis awaiting its closer.
type frame struct {
	open     int
	segStart int
	// eq is the first '=' of the current segment, or -1.
	eq int
	// dirty marks a segment where a nested paren or quote came before any
	// '=', so its key cannot be an identifier.
	dirty  bool
	nested bool
	params map[string]string
}

func newFrame(open int) *frame {
	return &frame{open: open, segStart: open + 1, eq: -1}
}

func (f *frame) endSegment(text string, end int) {
	if f.eq >= 0 && !f.dirty {
		if key := strings.TrimSpace(text[f.segStart:f.eq]); isIdent(key) {
			if f.params == nil {
				f.params = make(map[string]string)
			}
			f.params[key] = unquote(strings.TrimSpace(text[f.eq+1 : end]))
		}
	}
	f.segStart = end + 1
	f.eq = -1
	f.dirty = false
}

// result reports the parameters of a frame closed at end. Only frames
// without nested parens can have an all-blank body, which keeps the blank
// check linear overall.
func (f *frame) result(text string, end int) (map[string]string, bool) {
	if len(f.params) > 0 {
		return f.params, true
	}
	if !f.nested && strings.TrimSpace(text[f.open+1:end]) == "" {
		return map[string]string{}, true
	}
	return nil, false
}

// scanBodies pairs every '(' with its ')' in one pass and parses the
// parameters of each pair as it closes. Quoted values are skipped whole, so
// parentheses and commas inside them are literal. A quote with no closing
// partner is an ordinary character.
func scanBodies(text string) map[int]body {
	closers := quoteClosers(text)
	bodies := make(map[int]body)
	var stack []*frame

	for j := 0; j < len(text); j++ {
		c := text[j]
		if len(stack) == 0 {
			if c == '(' {
				stack = append(stack, newFrame(j))
			}
			continue
		}

		top := stack[len(stack)-1]
		switch {
		case (c == '"' || c == '\'') && closers[j] > j && opensValue(text, j):
			if top.eq < 0 {
				top.dirty = true
			}
			j = closers[j]
		case c == '(':
			top.nested = true
			if top.eq < 0 {
				top.dirty = true
			}
			stack = append(stack, newFrame(j))
		case c == ')':
			top.endSegment(text, j)
			stack = stack[:len(stack)-1]
			if params, ok := top.result(text, j); ok {
				bodies[top.open] = body{close: j, params: params}
			}
		case c == ',':
			top.endSegment(text, j)
		case c == '=':
			if top.eq < 0 && !top.dirty {
				top.eq = j
			}
		}
	}
	return bodies
}

// quoteClosers maps the index of each quote character to the index of the
// next identical quote, or -1. It is nil when text has no quotes.
func quoteClosers(text string) []int {
	if !strings.ContainsAny(text, `"'`) {
		return nil
	}
	closers := make([]int, len(text))
	nextDouble, nextSingle := -1, -1
	for j := len(text) - 1; j >= 0; j-- {
		switch text[j] {
		case '"':
			closers[j] = nextDouble
			nextDouble = j
		case '\'':
			closers[j] = nextSingle
			nextSingle = j
		}
	}
	return closers
}

// identBefore returns the identifier ending right before the paren at open,
// or "" when there is none.
func identBefore(text string, open int) string {
	start := open
	for start > 0 && isIdentPart(text[start-1]) {
		start--
	}
	if start == open || !isIdentStart(text[start]) {
		return ""
	}
	return text[start:open]
}

// opensValue reports whether the quote at j starts a value, that is it
// follows '=', '(' or ',' with only spaces between. Apostrophes inside words
// stay literal.
func opensValue(s string, j int) bool {
	for k := j - 1; k >= 0; k-- {
		switch s[k] {
		case ' ', '\t':
			continue
		case '=', '(', ',':
			return true
		default:
			return false
		}
	}
	return true
}

func unquote(v string) string {
	if len(v) >= 2 {
		first, last := v[0], v[len(v)-1]
		if (first == '"' || first == '\'') && first == last {
			return v[1 : len(v)-1]
		}
	}
	return v
}

func isIdent(s string) bool {
	if s == "" || !isIdentStart(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isIdentPart(s[i]) {
			return false
		}
	}
	return true
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
