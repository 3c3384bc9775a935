package rewrite

// span is a half-open byte range of the source.
type span struct {
	start, end int
}

func (s span) trim(src string) span {
	for s.start < s.end && isSpace(src[s.start]) {
		s.start++
	}
	for s.end > s.start && isSpace(src[s.end-1]) {
		s.end--
	}
	return s
}

func (s span) empty() bool { return s.start >= s.end }

// scanner states.
const (
	inCode = iota
	inString
	inTemplate
	inLineComment
	inBlockComment
)

// scanArguments splits the argument list of a call whose '(' is at open. It
// returns the raw span of every top-level argument and the offset of the
// closing ')'. An empty list yields no spans.
//
// The scanner is a small state machine: a bracket stack for ()[]{} and
// template substitutions, the current literal quote, and an escape flag.
// String and template text is opaque, as is every regular expression
// literal in regexps (start offset to end offset).
func scanArguments(src string, open int, regexps map[int]int) ([]span, int, error) {
	var (
		spans   []span
		stack   []byte
		state   = inCode
		quote   byte
		escaped bool
		argFrom = open + 1
	)

	for i := open + 1; i < len(src); i++ {
		c := src[i]
		switch state {
		case inString, inTemplate:
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == quote:
				state = inCode
			case state == inTemplate && c == '$' && i+1 < len(src) && src[i+1] == '{':
				stack = append(stack, '`')
				state = inCode
				i++
			}
		case inLineComment:
			if c == '\n' {
				state = inCode
			}
		case inBlockComment:
			if c == '*' && i+1 < len(src) && src[i+1] == '/' {
				state = inCode
				i++
			}
		default:
			if end, ok := regexps[i]; ok {
				i = end - 1
				continue
			}
			switch c {
			case '"', '\'':
				state, quote = inString, c
			case '`':
				state, quote = inTemplate, c
			case '/':
				if i+1 < len(src) && src[i+1] == '/' {
					state = inLineComment
				} else if i+1 < len(src) && src[i+1] == '*' {
					state = inBlockComment
					i++
				}
			case '(', '[', '{':
				stack = append(stack, c)
			case ']', '}':
				if len(stack) == 0 {
					return nil, 0, errUnbalanced
				}
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				switch {
				case top == '`' && c == '}':
					state, quote = inTemplate, '`'
				case top != opening(c):
					return nil, 0, errUnbalanced
				}
			case ')':
				if len(stack) == 0 {
					last := span{argFrom, i}
					if len(spans) > 0 || !last.trim(src).empty() {
						spans = append(spans, last)
					}
					return spans, i, nil
				}
				if stack[len(stack)-1] != '(' {
					return nil, 0, errUnbalanced
				}
				stack = stack[:len(stack)-1]
			case ',':
				if len(stack) == 0 {
					spans = append(spans, span{argFrom, i})
					argFrom = i + 1
				}
			}
		}
	}

	if state != inCode {
		return nil, 0, errUnterminated
	}
	return nil, 0, errUnbalanced
}

func opening(c byte) byte {
	switch c {
	case ')':
		return '('
	case ']':
		return '['
	}
	return '{'
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f'
}

// nextNonSpace returns the first byte at or after i that is not whitespace,
// or 0.
func nextNonSpace(src string, i int) byte {
	for ; i < len(src); i++ {
		if !isSpace(src[i]) {
			return src[i]
		}
	}
	return 0
}
