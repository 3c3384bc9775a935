package rewrite

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/js"
)

var (
	errSyntax       = errors.New("syntax error")
	errUnterminated = errors.New("unterminated literal")
	errUnbalanced   = errors.New("unbalanced brackets")
)

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokTemplate
	tokNumber
	tokRegexp
	tokPunct
)

// token is a significant token with its byte offsets in the source.
// Template literals with substitutions arrive as their head, middle and
// tail parts with the substitution tokens in between.
type token struct {
	kind       tokenKind
	start, end int
	text       string
}

func (t token) is(kind tokenKind, text string) bool {
	return t.kind == kind && t.text == text
}

// keywords after which a '/' starts a regular expression literal.
var regexpKeywords = map[string]bool{
	"return": true, "typeof": true, "instanceof": true, "in": true, "of": true,
	"new": true, "delete": true, "void": true, "throw": true, "case": true,
	"do": true, "else": true, "yield": true, "await": true,
}

// statementHeads are keywords whose parenthesized head ends where a
// statement, and so possibly a regular expression, may start.
var statementHeads = map[string]bool{"if": true, "while": true, "for": true, "with": true}

// tokenize runs the js lexer over src and returns the significant tokens.
// The lexer leaves '/' ambiguous; it is read as a regular expression when
// the previous token cannot end an operand.
func tokenize(src string) ([]token, error) {
	l := js.NewLexer(parse.NewInputString(src))

	var (
		toks   []token
		parens []bool // whether each open '(' follows a statement head
		head   bool   // whether the last ')' closed a statement head
		offset int
	)
	for {
		tt, data := l.Next()
		start := offset

		switch tt {
		case js.ErrorToken:
			if err := l.Err(); err != nil && err != io.EOF {
				return toks, fmt.Errorf("%w: offset %d: %v", errSyntax, start, err)
			} else if err == nil {
				return toks, fmt.Errorf("%w: offset %d", errSyntax, start)
			}
			return toks, nil
		case js.WhitespaceToken, js.LineTerminatorToken, js.CommentToken, js.CommentLineTerminatorToken:
			offset += len(data)
			continue
		case js.DivToken, js.DivEqToken:
			if regexpAllowed(toks, head) {
				if tt, data = l.RegExp(); tt != js.RegExpToken || len(data) == 0 || data[0] != '/' {
					return toks, fmt.Errorf("%w: offset %d: regular expression: %w", errSyntax, start, errUnterminated)
				}
			}
		}

		text := string(data)
		if !strings.HasPrefix(src[start:], text) {
			return toks, fmt.Errorf("%w: offset %d: lexer out of step with source", errSyntax, start)
		}
		offset += len(text)

		t := token{kind: classify(tt, text), start: start, end: offset, text: text}
		if t.kind == tokPunct {
			switch text {
			case "(":
				n := len(toks)
				parens = append(parens, n > 0 && toks[n-1].kind == tokIdent && statementHeads[toks[n-1].text])
			case ")":
				head = false
				if n := len(parens); n > 0 {
					head = parens[n-1]
					parens = parens[:n-1]
				}
			}
		}
		toks = append(toks, t)
	}
}

func classify(tt js.TokenType, text string) tokenKind {
	if text == "" {
		return tokPunct
	}
	switch tt {
	case js.StringToken:
		return tokString
	case js.TemplateToken, js.TemplateStartToken, js.TemplateMiddleToken, js.TemplateEndToken:
		return tokTemplate
	case js.RegExpToken:
		return tokRegexp
	}
	switch c := text[0]; {
	case isDigit(c) || c == '.' && len(text) > 1 && isDigit(text[1]):
		return tokNumber
	case isIdentStart(c) || c == '#':
		return tokIdent
	}
	return tokPunct
}

// regexpAllowed decides whether a '/' after toks starts a regular
// expression rather than a division. head reports whether a closing ')'
// ended an if, while, for or with head.
func regexpAllowed(toks []token, head bool) bool {
	if len(toks) == 0 {
		return true
	}
	p := toks[len(toks)-1]
	switch p.kind {
	case tokIdent:
		return regexpKeywords[p.text]
	case tokTemplate:
		// Head and middle parts end in "${", an expression start.
		return strings.HasSuffix(p.text, "${")
	case tokPunct:
		switch p.text {
		case ")":
			return head
		case "]", "++", "--":
			return false
		}
		return true
	default:
		return false
	}
}

// regexpSpans maps the start offset of every regular expression literal in
// toks to its end.
func regexpSpans(toks []token) map[int]int {
	spans := make(map[int]int)
	for _, t := range toks {
		if t.kind == tokRegexp {
			spans[t.start] = t.end
		}
	}
	return spans
}

func isDigit(c byte) bool { return '0' <= c && c <= '9' }

func isIdentStart(c byte) bool {
	return 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || c == '_' || c == '$' || c == '\\' || c >= 0x80
}
