package rewrite

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Names of the browser runtime helpers wrapped around postMessage arguments.
const (
	PostMessageDataFunc   = "__sfPreparePostMessageData"
	PostMessageOriginFunc = "__sfPreparePostMessageOrigin"
)

// edit replaces src[pos:end] with text; pos == end is an insertion.
// Closing insertions sort before opening ones at the same offset.
type edit struct {
	pos, end int
	text     string
	closing  bool
}

func insert(pos int, text string, closing bool) edit {
	return edit{pos: pos, end: pos, text: text, closing: closing}
}

func applyEdits(src string, edits []edit) string {
	if len(edits) == 0 {
		return src
	}
	sort.SliceStable(edits, func(i, j int) bool {
		if edits[i].pos != edits[j].pos {
			return edits[i].pos < edits[j].pos
		}
		return edits[i].closing && !edits[j].closing
	})

	var b strings.Builder
	b.Grow(len(src) + 32*len(edits))
	last := 0
	for _, e := range edits {
		b.WriteString(src[last:e.pos])
		b.WriteString(e.text)
		last = e.end
	}
	b.WriteString(src[last:])
	return b.String()
}

func wrap(edits []edit, s span, fn string) []edit {
	return append(edits, insert(s.start, fn+"(", false), insert(s.end, ")", true))
}

// JavaScript rewrites a script served from href: postMessage call sites are
// instrumented, then module specifiers are made absolute against href.
//
// On failure the returned text is the best effort made so far, never empty
// for non-empty input, and the error says what could not be rewritten.
func JavaScript(code, href string) (string, error) {
	patched, perr := PatchPostMessage(code)

	base, err := url.Parse(href)
	if err != nil {
		return patched, errors.Join(perr, fmt.Errorf("rewrite: base url: %w", err))
	}
	out, err := AbsolutizeImports(patched, base)
	if err != nil {
		return patched, errors.Join(perr, err)
	}
	return out, perr
}

var postMessageCall = regexp.MustCompile(`\bpostMessage\s*\(`)

// PatchPostMessage wraps the first argument of every postMessage(...) call
// in PostMessageDataFunc and the optional second one in
// PostMessageOriginFunc. Method definitions named postMessage are left
// alone. Calls whose arguments cannot be scanned are skipped.
func PatchPostMessage(code string) (string, error) {
	var (
		opens   []int
		regexps map[int]int
	)
	if toks, err := tokenize(code); err == nil {
		regexps = regexpSpans(toks)
		for i := 0; i+1 < len(toks); i++ {
			if !toks[i].is(tokIdent, "postMessage") || !toks[i+1].is(tokPunct, "(") {
				continue
			}
			if i > 0 && toks[i-1].is(tokIdent, "function") {
				continue
			}
			opens = append(opens, toks[i+1].start)
		}
	} else {
		// Fall back to a textual search so calls are still instrumented
		// in code that does not tokenize.
		for _, m := range postMessageCall.FindAllStringIndex(code, -1) {
			if strings.HasSuffix(strings.TrimRight(code[:m[0]], " \t\r\n"), "function") {
				continue
			}
			opens = append(opens, m[1]-1)
		}
	}

	var (
		edits    []edit
		firstErr error
	)
	for _, open := range opens {
		args, closeAt, err := scanArguments(code, open, regexps)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("rewrite: postMessage at offset %d: %w", open, err)
			}
			continue
		}
		if nextNonSpace(code, closeAt+1) == '{' || len(args) == 0 {
			continue
		}
		if data := args[0].trim(code); !data.empty() {
			edits = wrap(edits, data, PostMessageDataFunc)
		}
		if len(args) > 1 {
			if origin := args[1].trim(code); !origin.empty() {
				edits = wrap(edits, origin, PostMessageOriginFunc)
			}
		}
	}
	return applyEdits(code, edits), firstErr
}

// AbsolutizeImports rewrites static import and re-export specifiers to
// absolute URLs resolved against base, and wraps every dynamic import()
// argument as new URL(arg, base).href so it resolves at run time.
func AbsolutizeImports(code string, base *url.URL) (string, error) {
	toks, err := tokenize(code)
	if err != nil {
		return code, fmt.Errorf("rewrite: tokenize: %w", err)
	}

	href := strconv.Quote(base.String())
	regexps := regexpSpans(toks)
	var edits []edit
	replace := func(t token) {
		specifier, ok := unquote(t.text)
		if !ok {
			return
		}
		ref, err := url.Parse(specifier)
		if err != nil {
			return
		}
		edits = append(edits, edit{
			pos:  t.start,
			end:  t.end,
			text: strconv.Quote(base.ResolveReference(ref).String()),
		})
	}

	for i, t := range toks {
		if t.kind != tokIdent || (t.text != "import" && t.text != "export") {
			continue
		}
		if i > 0 && (toks[i-1].is(tokPunct, ".") || toks[i-1].is(tokPunct, "?.")) {
			continue
		}
		if i+1 >= len(toks) {
			break
		}
		next := toks[i+1]

		switch {
		case t.text == "import" && next.is(tokPunct, "("):
			args, _, err := scanArguments(code, next.start, regexps)
			if err != nil {
				return code, fmt.Errorf("rewrite: import() at offset %d: %w", next.start, err)
			}
			if len(args) == 0 {
				continue
			}
			if a := args[0].trim(code); !a.empty() {
				edits = append(edits,
					insert(a.start, "new URL(", false),
					insert(a.end, ", "+href+").href", true),
				)
			}
		case t.text == "import" && next.kind == tokString:
			replace(next)
		case t.text == "import" || next.is(tokPunct, "*") || next.is(tokPunct, "{"):
			if specifier, ok := fromClause(toks, i+1); ok {
				replace(specifier)
			}
		}
	}

	return applyEdits(code, edits), nil
}

// fromClause finds the string after "from" in an import or re-export clause
// starting at toks[i]. It gives up at the first token that cannot be part of
// a binding list.
func fromClause(toks []token, i int) (token, bool) {
	for ; i+1 < len(toks); i++ {
		t := toks[i]
		if t.is(tokIdent, "from") && toks[i+1].kind == tokString {
			return toks[i+1], true
		}
		switch {
		case t.kind == tokIdent, t.kind == tokString:
		case t.is(tokPunct, "{"), t.is(tokPunct, "}"), t.is(tokPunct, ","), t.is(tokPunct, "*"):
		default:
			return token{}, false
		}
	}
	return token{}, false
}

// unquote returns the value of a JavaScript string literal without escapes.
func unquote(lit string) (string, bool) {
	if len(lit) < 2 || strings.ContainsRune(lit, '\\') {
		return "", false
	}
	return lit[1 : len(lit)-1], true
}
