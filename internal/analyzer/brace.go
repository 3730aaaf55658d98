package analyzer

type headKind uint8

const (
	headFunc headKind = iota + 1
	headClosure
	headClass
	headContainer
)

// head describes the construct that owns a body brace. For functions, start
// is the first token of the declaration; tokens from start up to the body
// brace are its header.
type head struct {
	kind  headKind
	name  string
	line  int
	start int
}

type frameKind uint8

const (
	frameBlock frameKind = iota
	frameControl
	frameFunc
	frameClass
)

type frame struct {
	kind frameKind
	unit int
	name string
	line int
}

// Words that look like name(...) { but are statements.
var notFunctionNames = set("if", "for", "foreach", "while", "switch", "catch", "return", "sizeof",
	"new", "typeof", "function", "using", "lock", "fixed", "synchronized", "await", "yield",
	"else", "do", "try", "when", "nameof", "default", "checked", "unchecked", "with", "match",
	"throw", "case", "alignof", "decltype", "static_assert", "super", "this")

var braceControl = set("if", "else", "for", "foreach", "while", "do", "switch", "try", "catch",
	"finally", "match", "loop", "select")

func analyzeBrace(lx *lexResult, lang *Language) *structure {
	st := newStructure()
	toks := lx.tokens
	heads := findHeads(toks, lang)
	starts := make(map[int]int, len(heads))
	for body, h := range heads {
		if (h.kind == headFunc || h.kind == headClosure) && h.start < body {
			starts[h.start] = body
		}
	}

	var (
		stack        []frame
		parens       int
		pendingParen = -1 // paren depth of a control keyword still waiting for its {

		// header of the function being declared: decisions in parameter
		// lists and qualifiers are charged to it once its body opens
		header      = -1
		headerDepth int
		headerCount int
	)

	innermostFunc := func() int {
		for i := len(stack) - 1; i >= 0; i-- {
			if stack[i].kind == frameFunc {
				return stack[i].unit
			}
		}
		return 0
	}
	inClass := func() bool {
		for i := len(stack) - 1; i >= 0; i-- {
			switch stack[i].kind {
			case frameClass:
				return true
			case frameFunc:
				return false
			}
		}
		return false
	}
	scope := func() []string {
		var names []string
		for _, f := range stack {
			if (f.kind == frameFunc || f.kind == frameClass) && f.name != "" {
				names = append(names, f.name)
			}
		}
		return names
	}
	controlDepth := func() int {
		d := 0
		for i := len(stack) - 1; i >= 0 && stack[i].kind != frameFunc; i-- {
			if stack[i].kind == frameControl {
				d++
			}
		}
		return d
	}

	for i, t := range toks {
		if body, ok := starts[i]; ok && header < 0 {
			header, headerDepth, headerCount = body, len(stack), 0
		}
		if t.kind == tokPunct {
			switch t.text {
			case "{":
				h, ok := heads[i]
				switch {
				case ok && (h.kind == headFunc || h.kind == headClosure):
					kind := KindClosure
					if h.kind == headFunc {
						kind = KindFunction
						if inClass() {
							kind = KindMethod
						}
					}
					unit := st.addUnit(qualify(scope(), h.name), kind, h.line)
					if i == header {
						st.decide(unit, headerCount)
					}
					stack = append(stack, frame{kind: frameFunc, unit: unit, name: h.name, line: t.line})
				case ok && h.kind == headClass:
					st.classes++
					stack = append(stack, frame{kind: frameClass, name: h.name, line: t.line})
				case ok && h.kind == headContainer:
					stack = append(stack, frame{kind: frameClass, name: h.name, line: t.line})
				case pendingParen >= 0 && pendingParen == parens:
					stack = append(stack, frame{kind: frameControl, line: t.line})
					st.depth(controlDepth())
				default:
					stack = append(stack, frame{kind: frameBlock, line: t.line})
				}
				if i == header {
					header = -1
				}
				pendingParen = -1
				continue
			case "}":
				if len(stack) == 0 {
					st.warn(WarnUnbalanced, t.line, "unmatched '}'")
				} else {
					stack = stack[:len(stack)-1]
				}
				continue
			case "(", "[":
				parens++
			case ")", "]":
				if parens > 0 {
					parens--
				}
			case ";":
				if lang.semicolonEnd && pendingParen == parens {
					pendingParen = -1
				}
			}
		}

		if t.kind == tokIdent && braceControl[t.text] {
			pendingParen = parens
		}
		if !isBraceDecision(toks, i, lang) {
			continue
		}
		if header > i && len(stack) == headerDepth {
			// && in a declaration is a reference declarator (C++ T&&, Rust &&T)
			if t.text != "&&" {
				headerCount++
			}
			continue
		}
		st.decide(innermostFunc(), 1)
	}

	if len(stack) > 0 {
		st.warn(WarnUnbalanced, stack[0].line, "'{' opened here is never closed")
	}
	return st
}

func isBraceDecision(toks []token, i int, lang *Language) bool {
	t := toks[i]
	switch t.kind {
	case tokIdent:
		return lang.decisions[t.text] && !precededBy(toks, i, ".")
	case tokPunct:
	default:
		return false
	}

	switch t.text {
	case "&&":
		return true
	case "||":
		// Rust closures without parameters: `|| expr`
		if lang.matchArms && i > 0 {
			switch toks[i-1].text {
			case "(", ",", "=", "move", "{", ";", "=>", "return":
				return false
			}
		}
		return true
	case "?":
		return lang.ternary && isTernary(toks, i, lang)
	case "=>":
		return lang.matchArms && !precededBy(toks, i, "_")
	}
	return false
}

// isTernary rules out TypeScript optional markers, Java generic wildcards and
// C# nullable types.
func isTernary(toks []token, i int, lang *Language) bool {
	if i+1 >= len(toks) {
		return false
	}
	next := toks[i+1]
	switch next.text {
	case ":", ")", ",", ";", "]", ">", "=", ".", "extends", "super":
		return false
	}
	if i > 0 && toks[i-1].text == "<" {
		return false
	}
	if lang.Name == "csharp" {
		if next.text == "[" {
			return false
		}
		if next.kind == tokIdent && i+2 < len(toks) {
			switch toks[i+2].text {
			case "=", ";", ",", ")", "{":
				return false
			}
		}
	}
	return true
}

func precededBy(toks []token, i int, text string) bool {
	return i > 0 && toks[i-1].kind != tokString && toks[i-1].text == text
}

// findHeads maps the token index of each body brace to the construct that
// owns it.
func findHeads(toks []token, lang *Language) map[int]head {
	heads := make(map[int]head)
	put := func(body int, h head) {
		if body < 0 {
			return
		}
		if _, ok := heads[body]; !ok {
			heads[body] = h
		}
	}

	typeGroup := -1 // paren depth inside a Go `type (` group
	parens := 0

	for i, t := range toks {
		if t.kind == tokPunct {
			switch t.text {
			case "(":
				parens++
			case ")":
				if parens > 0 {
					parens--
				}
				if parens < typeGroup {
					typeGroup = -1
				}
			case "=>", "->":
				if t.text == lang.arrow {
					body, name := arrowHead(toks, i, lang)
					kind := headClosure
					if name != "" {
						kind = headFunc
					} else {
						name = "<anonymous>"
					}
					put(body, head{kind: kind, name: name, line: t.line, start: body})
				}
			}
			continue
		}
		if t.kind != tokIdent || precededBy(toks, i, ".") {
			continue
		}

		switch {
		case lang.Name == "go" && t.text == "type":
			if i+1 < len(toks) && toks[i+1].text == "(" {
				typeGroup = parens + 1
				continue
			}
			if body, name := goTypeHead(toks, i+1); body >= 0 {
				put(body, head{kind: headClass, name: name, line: t.line})
			}

		case lang.Name == "go" && typeGroup == parens && t.kind == tokIdent &&
			(i == 0 || toks[i-1].line < t.line):
			if body, name := goTypeHead(toks, i); body >= 0 {
				put(body, head{kind: headClass, name: name, line: t.line})
			}

		case lang.funcKeyword != "" && t.text == lang.funcKeyword:
			body, name, named := funcKeywordHead(toks, i, lang)
			kind := headFunc
			if !named {
				kind = headClosure
			}
			put(body, head{kind: kind, name: name, line: t.line, start: i})

		case lang.Name != "go" && lang.classWords[t.text]:
			if body, name := classHead(toks, i, lang); body >= 0 {
				put(body, head{kind: headClass, name: name, line: t.line})
			}

		case lang.containers[t.text]:
			if body, name := containerHead(toks, i); body >= 0 {
				put(body, head{kind: headContainer, name: name, line: t.line})
			}

		case lang.methodHeads && i+1 < len(toks) && toks[i+1].text == "(" && !notFunctionNames[t.text] &&
			!precededBy(toks, i, "new"):
			if body := methodHead(toks, i+1, lang); body >= 0 {
				put(body, head{kind: headFunc, name: t.text, line: t.line, start: i})
			}
		}
	}
	return heads
}

// skipGroup returns the index just past the group opened at toks[i].
func skipGroup(toks []token, i int, open, closing string) int {
	depth := 0
	for ; i < len(toks); i++ {
		switch toks[i].text {
		case open:
			depth++
		case closing:
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return len(toks)
}

func at(toks []token, i int) string {
	if i >= 0 && i < len(toks) && toks[i].kind != tokString {
		return toks[i].text
	}
	return ""
}

// goTypeHead recognises `Name [T any] struct {` starting at the name.
func goTypeHead(toks []token, i int) (int, string) {
	if i >= len(toks) || toks[i].kind != tokIdent {
		return -1, ""
	}
	name := toks[i].text
	j := i + 1
	if at(toks, j) == "[" {
		j = skipGroup(toks, j, "[", "]")
	}
	if (at(toks, j) == "struct" || at(toks, j) == "interface") && at(toks, j+1) == "{" {
		return j + 1, name
	}
	return -1, ""
}

// funcKeywordHead handles `func`, `fn` and `function`. named is false for
// anonymous function literals.
func funcKeywordHead(toks []token, i int, lang *Language) (body int, name string, named bool) {
	j := i + 1
	switch lang.funcKeyword {
	case "func":
		if at(toks, j) == "(" {
			k := skipGroup(toks, j, "(", ")")
			if k < len(toks) && toks[k].kind == tokIdent && at(toks, k+1) == "(" {
				// method with receiver
				name, named, j = toks[k].text, true, k+1
			}
		} else if j < len(toks) && toks[j].kind == tokIdent {
			name, named, j = toks[j].text, true, j+1
			if at(toks, j) == "[" {
				j = skipGroup(toks, j, "[", "]")
			}
		}
	case "function":
		if at(toks, j) == "*" {
			j++
		}
		if j < len(toks) && toks[j].kind == tokIdent {
			name, named, j = toks[j].text, true, j+1
		}
	default: // fn
		if j < len(toks) && toks[j].kind == tokIdent {
			name, named, j = toks[j].text, true, j+1
		}
	}
	if !named {
		name = "<anonymous>"
	}
	if at(toks, j) != "(" && lang.funcKeyword != "fn" {
		return -1, name, named
	}
	return bodyBrace(toks, j, lang), name, named
}

// bodyBrace scans from a parameter list to the { that opens the body.
func bodyBrace(toks []token, j int, lang *Language) int {
	prevLine := -1
	for steps := 0; j < len(toks) && steps < 256; steps++ {
		t := toks[j]
		if t.kind == tokString {
			return -1
		}
		// Go requires the body brace on the line where the signature ends.
		if lang.Name == "go" && prevLine >= 0 && t.line > prevLine {
			return -1
		}
		switch t.text {
		case "(":
			end := skipGroup(toks, j, "(", ")")
			prevLine = toks[end-1].line
			j = end
			continue
		case "[":
			end := skipGroup(toks, j, "[", "]")
			prevLine = toks[end-1].line
			j = end
			continue
		case "struct", "interface":
			if lang.Name == "go" && at(toks, j+1) == "{" {
				end := skipGroup(toks, j+1, "{", "}")
				prevLine = toks[end-1].line
				j = end
				continue
			}
		case "{":
			return j
		case ";", "}", ")", "=", "=>":
			return -1
		case ",":
			if lang.Name == "go" {
				return -1
			}
		}
		prevLine = t.line
		j++
	}
	return -1
}

// methodHead recognises name(...) qualifiers { for C-family and JS methods.
func methodHead(toks []token, open int, lang *Language) int {
	j := skipGroup(toks, open, "(", ")")
	for steps := 0; j < len(toks) && steps < 64; steps++ {
		t := toks[j]
		switch {
		case t.kind == tokString:
			return -1
		case t.text == "{":
			return j
		case t.text == "(":
			j = skipGroup(toks, j, "(", ")")
			continue
		case t.text == "[":
			j = skipGroup(toks, j, "[", "]")
			continue
		case t.kind == tokIdent:
			if notFunctionNames[t.text] || lang.decisions[t.text] {
				return -1
			}
		default:
			switch t.text {
			case ":", "::", ".", ",", "<", ">", "&", "*", "->", "|", "?", "&&":
			default:
				return -1
			}
		}
		j++
	}
	return -1
}

// classHead recognises `class Name ... {`. The keyword must be followed by a
// name, except for anonymous C structs.
func classHead(toks []token, i int, lang *Language) (int, string) {
	j := i + 1
	// enum class / enum struct
	if lang.classWords[at(toks, j)] && toks[i].text == "enum" {
		j++
	}
	name := "<anonymous>"
	switch {
	case at(toks, j) == "extends" || at(toks, j) == "implements":
		// anonymous class expression
	case j < len(toks) && toks[j].kind == tokIdent:
		name = toks[j].text
		j++
	case at(toks, j) == "{" && (lang.Name == "c" || lang.Name == "cpp"):
		return j, name
	default:
		return -1, ""
	}

	angle := 0
	for steps := 0; j < len(toks) && steps < 128; steps++ {
		t := toks[j]
		if t.kind == tokString {
			return -1, ""
		}
		switch t.text {
		case "{":
			return j, name
		case "(":
			// records and primary constructors
			if lang.Name != "java" && lang.Name != "csharp" {
				return -1, ""
			}
			j = skipGroup(toks, j, "(", ")")
			continue
		case "<":
			angle++
		case ">":
			angle--
			if angle < 0 {
				return -1, ""
			}
		case ";", "=", ")", "}", "=>":
			return -1, ""
		default:
			if lang.classWords[t.text] && at(toks, j+1) != "" && j+1 < len(toks) && toks[j+1].kind == tokIdent {
				// another declaration starts here
				return -1, ""
			}
		}
		j++
	}
	return -1, ""
}

// containerHead recognises impl/mod/namespace bodies. The name is the last
// identifier outside generic brackets and before any where clause.
func containerHead(toks []token, i int) (int, string) {
	name := ""
	angle := 0
	where := false
	for j := i + 1; j < len(toks) && j < i+64; j++ {
		t := toks[j]
		switch {
		case t.kind == tokString || t.text == ";" || t.text == "}":
			return -1, ""
		case t.text == "{":
			return j, name
		case t.text == "<":
			angle++
		case t.text == ">":
			angle--
		case t.text == "where":
			where = true
		case t.kind == tokIdent && angle == 0 && !where && t.text != "for":
			name = t.text
		}
	}
	return -1, ""
}

// arrowHead finds a block-bodied lambda: params => { or params -> {. The
// name is empty unless the lambda is assigned to one.
func arrowHead(toks []token, i int, lang *Language) (int, string) {
	if at(toks, i+1) != "{" {
		return -1, ""
	}
	// Java switch rules: case X -> {
	if lang.arrow == "->" {
		for j := i - 1; j >= 0; j-- {
			switch toks[j].text {
			case "case", "default":
				return -1, ""
			case ";", "{", "}":
				j = -1
			}
			if j < 0 {
				break
			}
		}
	}

	// find the start of the parameters
	j := i - 1
	if at(toks, j) == ")" {
		depth := 0
		for ; j >= 0; j-- {
			switch at(toks, j) {
			case ")":
				depth++
			case "(":
				depth--
			}
			if depth == 0 {
				break
			}
		}
	}
	j--
	if at(toks, j) == "async" {
		j--
	}
	// const name = (...) => {   or   name: (...) => {
	if (at(toks, j) == "=" || at(toks, j) == ":") && j > 0 && toks[j-1].kind == tokIdent {
		return i + 1, toks[j-1].text
	}
	return i + 1, ""
}
