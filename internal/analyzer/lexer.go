package analyzer

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

type tokenKind uint8

const (
	tokIdent tokenKind = iota
	tokNumber
	tokString
	tokPunct
	tokNewline // end of a Python logical line
)

type token struct {
	kind tokenKind
	text string
	line int
}

// lexResult is the lexer output: tokens with string and comment bodies
// removed, plus per-line flags indexed by 1-based line number.
type lexResult struct {
	src       string
	lines     int
	lineStart []int
	tokens    []token
	code      []bool
	comment   []bool
	warnings  []Warning
}

func newLexResult(src string) *lexResult {
	n := countLines(src)
	starts := make([]int, 1, n+2)
	starts[0] = 0
	for i := 0; i < len(src); i++ {
		if src[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return &lexResult{
		src:       src,
		lines:     n,
		lineStart: starts,
		code:      make([]bool, n+2),
		comment:   make([]bool, n+2),
	}
}

// indentOf returns the indentation width of a physical line, tabs advancing
// to the next multiple of 8.
func (lx *lexResult) indentOf(line int) int {
	if line < 1 || line > len(lx.lineStart) {
		return 0
	}
	width := 0
	for i := lx.lineStart[line-1]; i < len(lx.src); i++ {
		switch lx.src[i] {
		case ' ':
			width++
		case '\t':
			width = (width/8 + 1) * 8
		case '\f':
			width = 0
		default:
			return width
		}
	}
	return width
}

func (lx *lexResult) warn(kind string, line int, format string, args ...any) {
	lx.warnings = append(lx.warnings, Warning{Kind: kind, Line: line, Message: fmt.Sprintf(format, args...)})
}

// scanner holds the cursor shared by both lexers.
type scanner struct {
	src  string
	pos  int
	line int
	lx   *lexResult
}

func (s *scanner) peek(off int) byte {
	if s.pos+off < len(s.src) {
		return s.src[s.pos+off]
	}
	return 0
}

func (s *scanner) eof() bool { return s.pos >= len(s.src) }

// advance moves one byte, counting newlines.
func (s *scanner) advance() {
	if s.src[s.pos] == '\n' {
		s.line++
	}
	s.pos++
}

func (s *scanner) emit(kind tokenKind, text string, line int) {
	s.lx.tokens = append(s.lx.tokens, token{kind: kind, text: text, line: line})
	s.markCode(line, s.line)
}

func (s *scanner) markCode(from, to int) {
	for ln := from; ln <= to && ln < len(s.lx.code); ln++ {
		s.lx.code[ln] = true
	}
}

func (s *scanner) markComment(from, to int) {
	for ln := from; ln <= to && ln < len(s.lx.comment); ln++ {
		s.lx.comment[ln] = true
	}
}

func (s *scanner) skipLine() {
	for !s.eof() && s.src[s.pos] != '\n' {
		s.pos++
	}
}

func (s *scanner) ident() string {
	start := s.pos
	for !s.eof() && isIdentPart(s.src[s.pos]) {
		s.pos++
	}
	return s.src[start:s.pos]
}

func (s *scanner) number() string {
	start := s.pos
	for !s.eof() {
		c := s.src[s.pos]
		if isIdentPart(c) || c == '.' {
			s.pos++
			continue
		}
		// exponent sign
		if (c == '+' || c == '-') && s.pos > start && (s.src[s.pos-1] == 'e' || s.src[s.pos-1] == 'E') {
			s.pos++
			continue
		}
		break
	}
	return s.src[start:s.pos]
}

// quoted scans a single-line literal closed by q with backslash escapes. The
// cursor is on the opening quote.
func (s *scanner) quoted(q byte) {
	startLine := s.line
	s.pos++
	for !s.eof() {
		c := s.src[s.pos]
		switch {
		case c == '\\':
			s.pos++
			if !s.eof() {
				s.advance()
			}
		case c == q:
			s.pos++
			s.markCode(startLine, s.line)
			return
		case c == '\n':
			s.lx.warn(WarnUnterminatedString, startLine, "unterminated string literal")
			s.markCode(startLine, s.line)
			return
		default:
			s.pos++
		}
	}
	s.lx.warn(WarnUnterminatedString, startLine, "unterminated string literal")
	s.markCode(startLine, s.line)
}

// until scans to the first occurrence of end (inclusive). The literal may
// span lines and has no escapes.
func (s *scanner) until(end string, startLine int, what string) {
	idx := strings.Index(s.src[s.pos:], end)
	if idx < 0 {
		s.lx.warn(WarnUnterminatedString, startLine, "unterminated %s", what)
		idx = len(s.src) - s.pos
	} else {
		idx += len(end)
	}
	s.line += strings.Count(s.src[s.pos:s.pos+idx], "\n")
	s.pos += idx
	s.markCode(startLine, s.line)
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || c >= 0x80 || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\f' || c == '\v'
}

// ---- Python ----

var pythonStringPrefixes = set("r", "u", "b", "f", "br", "rb", "fr", "rf", "t", "tr", "rt")

func lexPython(src string) *lexResult {
	lx := newLexResult(src)
	s := &scanner{src: src, line: 1, lx: lx}

	depth := 0
	depthLine := 0
	pending := false

	emit := func(kind tokenKind, text string, line int) {
		s.emit(kind, text, line)
		pending = true
	}

	for !s.eof() {
		c := s.src[s.pos]
		switch {
		case c == '\n':
			if depth == 0 && pending {
				lx.tokens = append(lx.tokens, token{kind: tokNewline, line: s.line})
				pending = false
			}
			s.advance()

		case c == '\\' && (s.peek(1) == '\n' || (s.peek(1) == '\r' && s.peek(2) == '\n')):
			s.markCode(s.line, s.line)
			for s.src[s.pos] != '\n' {
				s.pos++
			}
			s.advance()

		case c == '#':
			s.markComment(s.line, s.line)
			s.skipLine()

		case isSpace(c):
			s.pos++

		case c == '\'' || c == '"':
			line := s.line
			s.pythonString()
			emit(tokString, `""`, line)

		case isIdentStart(c) && c != '$':
			line := s.line
			word := s.ident()
			if q := s.peek(0); (q == '\'' || q == '"') && pythonStringPrefixes[strings.ToLower(word)] {
				s.pythonString()
				emit(tokString, `""`, line)
				continue
			}
			emit(tokIdent, word, line)

		case isDigit(c) || (c == '.' && isDigit(s.peek(1))):
			line := s.line
			emit(tokNumber, s.number(), line)

		default:
			switch c {
			case '(', '[', '{':
				if depth == 0 {
					depthLine = s.line
				}
				depth++
			case ')', ']', '}':
				if depth == 0 {
					lx.warn(WarnUnbalanced, s.line, "unmatched %q", c)
				} else {
					depth--
				}
			}
			line := s.line
			s.pos++
			emit(tokPunct, string(c), line)
		}
	}

	if pending {
		lx.tokens = append(lx.tokens, token{kind: tokNewline, line: s.line})
	}
	if depth > 0 {
		lx.warn(WarnUnbalanced, depthLine, "bracket opened here is never closed")
	}
	return lx
}

// pythonString scans a single- or triple-quoted literal. The cursor is on the
// opening quote.
func (s *scanner) pythonString() {
	q := s.src[s.pos]
	if s.peek(1) != q || s.peek(2) != q {
		s.quoted(q)
		return
	}

	startLine := s.line
	s.pos += 3
	for !s.eof() {
		c := s.src[s.pos]
		switch {
		case c == '\\':
			s.pos++
			if !s.eof() {
				s.advance()
			}
		case c == q && s.peek(1) == q && s.peek(2) == q:
			s.pos += 3
			s.markCode(startLine, s.line)
			return
		default:
			s.advance()
		}
	}
	s.lx.warn(WarnUnterminatedString, startLine, "unterminated triple-quoted string")
	s.markCode(startLine, s.line)
}

// ---- brace family ----

// Multi-character operators the structure pass cares about. Longest first.
var bracePuncts = []string{"??=", "&&", "||", "??", "?.", "=>", "->", "::"}

// regexPrecedingWords are keywords after which a / starts a regex literal.
var regexPrecedingWords = set("return", "typeof", "case", "do", "else", "in", "of", "new",
	"delete", "void", "throw", "instanceof", "yield", "await")

func lexBrace(src string, lang *Language) *lexResult {
	lx := newLexResult(src)
	s := &scanner{src: src, line: 1, lx: lx}

	// open ${ expressions of template literals, each with its own brace depth
	var templates []int
	lineStart := true

	for !s.eof() {
		c := s.src[s.pos]

		if c == '\n' {
			s.advance()
			lineStart = true
			continue
		}
		if isSpace(c) {
			s.pos++
			continue
		}
		atLineStart := lineStart
		lineStart = false
		line := s.line

		switch {
		case c == '/' && s.peek(1) == '/':
			s.markComment(line, line)
			s.skipLine()

		case c == '/' && s.peek(1) == '*':
			s.blockComment(lang.nestedComments)

		case c == '#' && lang.preprocessor && atLineStart:
			s.directive()

		case c == '"':
			if lang.verbatim && s.peek(1) == '"' && s.peek(2) == '"' {
				s.rawQuotes()
			} else {
				s.quoted('"')
			}
			s.emit(tokString, `""`, line)

		case c == '\'':
			switch {
			case lang.rustQuotes:
				if s.rustCharLiteral() {
					s.emit(tokString, `''`, line)
				} else {
					s.pos++
					s.emit(tokPunct, "'", line)
				}
			default:
				s.quoted('\'')
				s.emit(tokString, `""`, line)
			}

		case c == '`' && lang.rawBacktick:
			s.pos++
			s.until("`", line, "raw string")
			s.emit(tokString, `""`, line)

		case c == '`' && lang.templates:
			s.pos++
			if s.template() {
				templates = append(templates, 0)
			}
			s.emit(tokString, `""`, line)

		case (c == '@' || c == '$') && lang.verbatim && s.csharpPrefixed():
			s.emit(tokString, `""`, line)

		case isIdentStart(c):
			word := s.ident()
			if s.prefixedLiteral(word, lang, line) {
				s.emit(tokString, `""`, line)
				continue
			}
			s.emit(tokIdent, word, line)

		case isDigit(c) || (c == '.' && isDigit(s.peek(1))):
			s.emit(tokNumber, s.number(), line)

		case c == '/' && lang.regex && regexAllowed(lx.tokens):
			if s.regex() {
				s.emit(tokString, `//`, line)
			} else {
				s.pos++
				s.emit(tokPunct, "/", line)
			}

		case c == '{' && len(templates) > 0:
			templates[len(templates)-1]++
			s.pos++
			s.emit(tokPunct, "{", line)

		case c == '}' && len(templates) > 0 && templates[len(templates)-1] == 0:
			// end of a ${ } expression: resume the template body
			templates = templates[:len(templates)-1]
			s.pos++
			if s.template() {
				templates = append(templates, 0)
			}
			s.markCode(line, s.line)

		case c == '}' && len(templates) > 0:
			templates[len(templates)-1]--
			s.pos++
			s.emit(tokPunct, "}", line)

		default:
			op := string(c)
			for _, p := range bracePuncts {
				if strings.HasPrefix(s.src[s.pos:], p) {
					op = p
					break
				}
			}
			s.pos += len(op)
			s.emit(tokPunct, op, line)
		}
	}
	return lx
}

func (s *scanner) blockComment(nested bool) {
	startLine := s.line
	s.pos += 2
	depth := 1
	for !s.eof() {
		switch {
		case s.src[s.pos] == '*' && s.peek(1) == '/':
			s.pos += 2
			depth--
			if depth == 0 || !nested {
				s.markComment(startLine, s.line)
				return
			}
		case nested && s.src[s.pos] == '/' && s.peek(1) == '*':
			s.pos += 2
			depth++
		default:
			s.advance()
		}
	}
	s.lx.warn(WarnUnterminatedComment, startLine, "unterminated block comment")
	s.markComment(startLine, s.line)
}

// directive skips a preprocessor line, honouring backslash continuations.
func (s *scanner) directive() {
	startLine := s.line
	for !s.eof() {
		c := s.src[s.pos]
		if c == '\\' && s.peek(1) == '\n' {
			s.pos++
			s.advance()
			continue
		}
		if c == '\n' {
			break
		}
		s.pos++
	}
	s.markCode(startLine, s.line)
}

// template scans a JS template literal body after the opening backtick or a
// closing }. It reports true when it stopped at a ${ expression.
func (s *scanner) template() bool {
	startLine := s.line
	for !s.eof() {
		c := s.src[s.pos]
		switch {
		case c == '\\':
			s.pos++
			if !s.eof() {
				s.advance()
			}
		case c == '`':
			s.pos++
			s.markCode(startLine, s.line)
			return false
		case c == '$' && s.peek(1) == '{':
			s.pos += 2
			s.markCode(startLine, s.line)
			return true
		default:
			s.advance()
		}
	}
	s.lx.warn(WarnUnterminatedString, startLine, "unterminated template literal")
	s.markCode(startLine, s.line)
	return false
}

// regex scans a JS regex literal. It returns false, leaving the cursor alone,
// when the slash turns out not to start one.
func (s *scanner) regex() bool {
	i := s.pos + 1
	inClass := false
	for i < len(s.src) {
		switch c := s.src[i]; {
		case c == '\n':
			return false
		case c == '\\':
			i += 2
			continue
		case c == '[':
			inClass = true
		case c == ']':
			inClass = false
		case c == '/' && !inClass:
			i++
			for i < len(s.src) && isIdentPart(s.src[i]) {
				i++
			}
			s.pos = i
			return true
		}
		i++
	}
	return false
}

func regexAllowed(toks []token) bool {
	if len(toks) == 0 {
		return true
	}
	prev := toks[len(toks)-1]
	switch prev.kind {
	case tokPunct:
		return prev.text != ")" && prev.text != "]" && prev.text != "}"
	case tokIdent:
		return regexPrecedingWords[prev.text]
	}
	return false
}

// rustCharLiteral distinguishes 'x' from a 'lifetime. On a char literal it
// consumes it and reports true.
func (s *scanner) rustCharLiteral() bool {
	if s.peek(1) == '\\' {
		s.quoted('\'')
		return true
	}
	_, size := utf8.DecodeRuneInString(s.src[s.pos+1:])
	if size > 0 && s.peek(1+size) == '\'' {
		s.pos += 2 + size
		return true
	}
	return false
}

// rawQuotes scans a C# """raw""" literal with three or more quotes.
func (s *scanner) rawQuotes() {
	startLine := s.line
	n := 0
	for s.peek(n) == '"' {
		n++
	}
	s.pos += n
	s.until(strings.Repeat(`"`, n), startLine, "raw string literal")
}

// csharpPrefixed handles @"verbatim", $"interpolated" and their combinations.
func (s *scanner) csharpPrefixed() bool {
	i := 0
	verbatim := false
	for i < 3 && (s.peek(i) == '@' || s.peek(i) == '$') {
		if s.peek(i) == '@' {
			verbatim = true
		}
		i++
	}
	if s.peek(i) != '"' {
		return false
	}
	s.pos += i
	if s.peek(1) == '"' && s.peek(2) == '"' {
		s.rawQuotes()
		return true
	}
	if !verbatim {
		s.quoted('"')
		return true
	}

	startLine := s.line
	s.pos++
	for !s.eof() {
		if s.src[s.pos] == '"' {
			if s.peek(1) == '"' {
				s.pos += 2
				continue
			}
			s.pos++
			s.markCode(startLine, s.line)
			return true
		}
		s.advance()
	}
	s.lx.warn(WarnUnterminatedString, startLine, "unterminated verbatim string")
	s.markCode(startLine, s.line)
	return true
}

// prefixedLiteral handles literals introduced by an identifier-like prefix:
// Rust r#"raw"# and b"bytes", C++ R"d(raw)d" and u8"text". The identifier has
// already been consumed.
func (s *scanner) prefixedLiteral(word string, lang *Language, line int) bool {
	next := s.peek(0)
	switch {
	case lang.rustRaw && (word == "r" || word == "br") && (next == '"' || next == '#'):
		hashes := 0
		for s.peek(hashes) == '#' {
			hashes++
		}
		if s.peek(hashes) != '"' {
			// r#ident raw identifier
			return false
		}
		s.pos += hashes + 1
		s.until(`"`+strings.Repeat("#", hashes), line, "raw string")
		return true

	case lang.rustRaw && word == "b" && (next == '"' || next == '\''):
		s.quoted(next)
		return true

	case lang.cppRaw && strings.HasSuffix(word, "R") && next == '"' &&
		(word == "R" || word == "u8R" || word == "uR" || word == "UR" || word == "LR"):
		open := strings.IndexByte(s.src[s.pos:], '(')
		if open < 0 || open > 17 {
			return false
		}
		delim := s.src[s.pos+1 : s.pos+open]
		s.pos += open + 1
		s.until(")"+delim+`"`, line, "raw string")
		return true

	case (lang.cppRaw || lang.preprocessor) && (word == "u8" || word == "u" || word == "U" || word == "L") &&
		(next == '"' || next == '\''):
		s.quoted(next)
		return true
	}
	return false
}
