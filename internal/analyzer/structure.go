package analyzer

import (
	"fmt"
	"strings"
)

// structure accumulates units while a structure pass walks the tokens.
// Unit 0 is always the module.
type structure struct {
	units           []Unit
	classes         int
	maxDepth        int
	moduleDecisions int
	warnings        []Warning
}

func newStructure() *structure {
	return &structure{
		units: []Unit{{Name: "<module>", Kind: KindModule, Line: 1, Complexity: 1}},
	}
}

func (st *structure) addUnit(name, kind string, line int) int {
	st.units = append(st.units, Unit{Name: name, Kind: kind, Line: line, Complexity: 1})
	return len(st.units) - 1
}

func (st *structure) decide(unit, n int) {
	if n == 0 {
		return
	}
	st.units[unit].Complexity += n
	if unit == 0 {
		st.moduleDecisions += n
	}
}

func (st *structure) depth(d int) {
	if d > st.maxDepth {
		st.maxDepth = d
	}
}

func (st *structure) warn(kind string, line int, format string, args ...any) {
	st.warnings = append(st.warnings, Warning{Kind: kind, Line: line, Message: fmt.Sprintf(format, args...)})
}

// finish fills the unit-derived metrics. The module unit is only counted when
// it has decision points of its own or there are no function units at all.
func (st *structure) finish(rep *Report) {
	m := &rep.Metrics
	m.ClassCount = st.classes
	m.MaxNestingDepth = st.maxDepth

	functions := 0
	for _, u := range st.units[1:] {
		if u.Kind == KindFunction || u.Kind == KindMethod {
			m.FunctionCount++
		}
		functions++
	}

	counted := st.units[1:]
	if m.CodeLines > 0 && (st.moduleDecisions > 0 || functions == 0) {
		counted = st.units
	}

	rep.Units = make([]Unit, 0, len(counted))
	for _, u := range counted {
		m.CyclomaticComplexity += u.Complexity
		if u.Complexity > m.MaxComplexity {
			m.MaxComplexity = u.Complexity
		}
		rep.Units = append(rep.Units, u)
	}
}

func qualify(scope []string, name string) string {
	if len(scope) == 0 {
		return name
	}
	return strings.Join(scope, ".") + "." + name
}

// ---- Python ----

var pythonDecisions = set("if", "elif", "for", "while", "except", "and", "or")

var pythonControl = set("if", "elif", "else", "for", "while", "try", "except", "finally", "with", "match", "case")

type pyBlockKind uint8

const (
	pyOther pyBlockKind = iota
	pyControl
	pyFunc
	pyClass
)

type pyBlock struct {
	indent int
	kind   pyBlockKind
	unit   int
	name   string
}

func analyzePython(lx *lexResult) *structure {
	st := newStructure()

	var (
		blocks     []pyBlock
		levels     = []int{0}
		prevOpened bool
	)

	enclosing := func() (unit int, inClass bool, scope []string) {
		for i := len(blocks) - 1; i >= 0; i-- {
			b := blocks[i]
			if b.kind == pyFunc || b.kind == pyClass {
				scope = append([]string{b.name}, scope...)
				if unit == 0 && b.kind == pyFunc {
					unit = b.unit
				}
			}
		}
		for i := len(blocks) - 1; i >= 0; i-- {
			if blocks[i].kind == pyFunc || blocks[i].kind == pyClass {
				inClass = blocks[i].kind == pyClass
				break
			}
		}
		return unit, inClass, scope
	}

	controlDepth := func() int {
		d := 0
		for i := len(blocks) - 1; i >= 0 && blocks[i].kind != pyFunc; i-- {
			if blocks[i].kind == pyControl {
				d++
			}
		}
		return d
	}

	for _, toks := range logicalLines(lx.tokens) {
		line := toks[0].line
		indent := lx.indentOf(line)

		switch top := levels[len(levels)-1]; {
		case indent > top:
			if !prevOpened {
				st.warn(WarnIndentation, line, "unexpected indent")
			}
			levels = append(levels, indent)
		case indent < top:
			for len(levels) > 1 && levels[len(levels)-1] > indent {
				levels = levels[:len(levels)-1]
			}
			if levels[len(levels)-1] != indent {
				st.warn(WarnIndentation, line, "dedent does not match any outer indentation level")
				levels = append(levels, indent)
			}
		}
		for len(blocks) > 0 && blocks[len(blocks)-1].indent >= indent {
			blocks = blocks[:len(blocks)-1]
		}

		k := 0
		if toks[0].text == "async" && len(toks) > 1 {
			k = 1
		}
		opens := toks[len(toks)-1].kind == tokPunct && toks[len(toks)-1].text == ":"
		prevOpened = opens
		unit, inClass, scope := enclosing()

		switch first := toks[k]; {
		case first.kind == tokIdent && (first.text == "def" || first.text == "class"):
			name := "<anonymous>"
			if k+1 < len(toks) && toks[k+1].kind == tokIdent {
				name = toks[k+1].text
			}
			colon := headerColon(toks, k+1)
			header, body := toks, []token(nil)
			if colon >= 0 {
				header, body = toks[:colon], toks[colon+1:]
			}
			// default values belong to the enclosing scope
			st.decide(unit, countPython(header[k:], false))

			if first.text == "class" {
				st.classes++
				st.decide(unit, countPython(body, false))
				if opens {
					blocks = append(blocks, pyBlock{indent: indent, kind: pyClass, unit: unit, name: name})
				}
				continue
			}

			kind := KindFunction
			if inClass {
				kind = KindMethod
			}
			fn := st.addUnit(qualify(scope, name), kind, line)
			st.decide(fn, countPython(body, false))
			if opens {
				blocks = append(blocks, pyBlock{indent: indent, kind: pyFunc, unit: fn, name: name})
			}

		default:
			st.decide(unit, countPython(toks, true))
			if opens {
				kind := pyOther
				if first.kind == tokIdent && pythonControl[first.text] {
					kind = pyControl
				}
				blocks = append(blocks, pyBlock{indent: indent, kind: kind, unit: unit})
				if kind == pyControl {
					st.depth(controlDepth())
				}
			}
		}
	}
	return st
}

// logicalLines splits the token stream at tokNewline markers.
func logicalLines(toks []token) [][]token {
	var (
		out   [][]token
		start int
	)
	for i, t := range toks {
		if t.kind != tokNewline {
			continue
		}
		if i > start {
			out = append(out, toks[start:i])
		}
		start = i + 1
	}
	if start < len(toks) {
		out = append(out, toks[start:])
	}
	return out
}

// headerColon finds the : that ends a def/class header, skipping annotations
// inside brackets.
func headerColon(toks []token, from int) int {
	depth := 0
	for i := from; i < len(toks); i++ {
		if toks[i].kind != tokPunct {
			continue
		}
		switch toks[i].text {
		case "(", "[", "{":
			depth++
		case ")", "]", "}":
			depth--
		case ":":
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// countPython counts decision points. lineStart enables the soft keyword
// `case`, which only counts as a match arm at the start of a logical line
// and not as the `case _:` wildcard.
func countPython(toks []token, lineStart bool) int {
	n := 0
	for i, t := range toks {
		if t.kind != tokIdent {
			continue
		}
		if pythonDecisions[t.text] {
			n++
			continue
		}
		if t.text == "case" && lineStart && i == 0 && len(toks) > 2 &&
			toks[len(toks)-1].text == ":" && !(len(toks) == 3 && toks[1].text == "_") {
			n++
		}
	}
	return n
}
