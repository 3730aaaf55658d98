package analyzer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func hasWarning(rep Report, kind string) bool {
	for _, w := range rep.Warnings {
		if w.Kind == kind {
			return true
		}
	}
	return false
}

func TestMeasure_PythonNestedLoops(t *testing.T) {
	code := `def process(items):
    for item in items:
        for sub in item:
            if sub > 0:
                print(sub)
`
	rep := Measure(code, "python")

	assert.Equal(t, 5, rep.Metrics.TotalLines)
	assert.Equal(t, 1, rep.Metrics.FunctionCount)
	assert.GreaterOrEqual(t, rep.Metrics.CyclomaticComplexity, 4)
	assert.Equal(t, 4, rep.Metrics.CyclomaticComplexity)
	assert.Equal(t, 3, rep.Metrics.MaxNestingDepth)
	require.Len(t, rep.Units, 1)
	assert.Equal(t, Unit{Name: "process", Kind: KindFunction, Line: 1, Complexity: 4}, rep.Units[0])
	assert.Empty(t, rep.Warnings)
}

func TestMeasure_PythonClass(t *testing.T) {
	code := `class Greeter:
    """Says hello."""

    def __init__(self, name):
        self.name = name

    def greet(self, loud=False):
        # shout if asked
        if loud and self.name:
            return self.name.upper()
        return self.name
`
	rep := Measure(code, "py")
	m := rep.Metrics

	assert.Equal(t, 11, m.TotalLines)
	assert.Equal(t, 8, m.CodeLines)
	assert.Equal(t, 1, m.CommentLines)
	assert.Equal(t, 2, m.BlankLines)
	assert.Equal(t, 1, m.ClassCount)
	assert.Equal(t, 2, m.FunctionCount)
	assert.Equal(t, 4, m.CyclomaticComplexity)
	assert.Equal(t, 3, m.MaxComplexity)

	require.Len(t, rep.Units, 2)
	assert.Equal(t, "Greeter.__init__", rep.Units[0].Name)
	assert.Equal(t, KindMethod, rep.Units[0].Kind)
	assert.Equal(t, "Greeter.greet", rep.Units[1].Name)
	assert.Equal(t, 3, rep.Units[1].Complexity)
}

func TestMeasure_PythonModuleUnit(t *testing.T) {
	code := "x = 1\nif x > 0:\n    print('pos')\nelif x < 0:\n    print('neg')\n"
	rep := Measure(code, "python")

	require.Len(t, rep.Units, 1)
	assert.Equal(t, KindModule, rep.Units[0].Kind)
	assert.Equal(t, 3, rep.Metrics.CyclomaticComplexity)
	assert.Equal(t, 0, rep.Metrics.FunctionCount)
}

func TestMeasure_PythonStringsAndCommentsIgnored(t *testing.T) {
	code := `def f():
    """
    if this and that or while
    """
    s = "for x in y if z"  # if and or
    return f'{s}' + r'\d if'
`
	rep := Measure(code, "python")

	assert.Equal(t, 1, rep.Metrics.CyclomaticComplexity)
	assert.Equal(t, 6, rep.Metrics.CodeLines)
	assert.Empty(t, rep.Warnings)
}

func TestMeasure_PythonMatchAndComprehension(t *testing.T) {
	code := `def kind(v):
    match v:
        case 1:
            return "one"
        case _:
            return [x for x in range(v) if x] if v else None
`
	rep := Measure(code, "python")

	// case 1, for, if (comprehension), if (conditional expression)
	assert.Equal(t, 5, rep.Metrics.CyclomaticComplexity)
}

func TestMeasure_TotalLines(t *testing.T) {
	tests := []struct {
		code  string
		total int
		blank int
	}{
		{"", 0, 0},
		{"a = 1", 1, 0},
		{"a = 1\n", 1, 0},
		{"a = 1\nb = 2", 2, 0},
		{"\n\n", 2, 2},
		{"a = 1\n\n\nb = 2\n", 4, 2},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			m := Measure(tt.code, "python").Metrics
			assert.Equal(t, tt.total, m.TotalLines)
			assert.Equal(t, tt.blank, m.BlankLines)
			assert.Equal(t, m.TotalLines, m.CodeLines+m.CommentLines+m.BlankLines)
		})
	}
}

func TestMeasure_EmptyInput(t *testing.T) {
	rep := Measure("", "python")
	assert.Equal(t, Metrics{}, rep.Metrics)
	assert.Empty(t, rep.Units)
}

func TestMeasure_Go(t *testing.T) {
	code := "package main\n\nimport \"fmt\"\n\ntype Point struct {\n\tX, Y int\n}\n\n" +
		"func (p Point) Quadrant() int {\n" +
		"\tif p.X > 0 && p.Y > 0 {\n\t\treturn 1\n\t}\n" +
		"\tswitch {\n\tcase p.X < 0:\n\t\treturn 2\n\tcase p.Y < 0:\n\t\treturn 3\n\t}\n" +
		"\treturn 4\n}\n\n" +
		"func main() {\n\tfor i := 0; i < 3; i++ {\n\t\tfmt.Println(Point{i, i}.Quadrant())\n\t}\n}\n"

	rep := Measure(code, "go")
	m := rep.Metrics

	assert.Equal(t, "go", rep.Language)
	assert.Equal(t, 1, m.ClassCount)
	assert.Equal(t, 2, m.FunctionCount)
	assert.Equal(t, 7, m.CyclomaticComplexity)
	assert.Equal(t, 5, m.MaxComplexity)
	assert.Equal(t, 1, m.MaxNestingDepth)
	require.Len(t, rep.Units, 2)
	assert.Equal(t, "Quadrant", rep.Units[0].Name)
	assert.Equal(t, "main", rep.Units[1].Name)
	assert.Empty(t, rep.Warnings)
}

func TestMeasure_GoFuncLiteralIsClosure(t *testing.T) {
	code := "package main\n\nfunc run() {\n\tgo func() {\n\t\tif true {\n\t\t}\n\t}()\n}\n"
	rep := Measure(code, "golang")

	assert.Equal(t, 1, rep.Metrics.FunctionCount)
	require.Len(t, rep.Units, 2)
	assert.Equal(t, KindClosure, rep.Units[1].Kind)
	assert.Equal(t, "run.<anonymous>", rep.Units[1].Name)
	assert.Equal(t, 2, rep.Units[1].Complexity)
	assert.Equal(t, 1, rep.Units[0].Complexity)
}

func TestMeasure_JavaScript(t *testing.T) {
	code := "const classify = (n) => {\n" +
		"  const label = `value ${n > 0 ? \"pos\" : \"neg\"} if`;\n" +
		"  return /a|b/.test(label) || n === 0 ? label : \"none\";\n" +
		"};\n\n" +
		"class Counter {\n" +
		"  increment(step) {\n" +
		"    if (step?.value) {\n" +
		"      this.count += step.value;\n" +
		"    }\n" +
		"  }\n" +
		"}\n"

	rep := Measure(code, "js")
	m := rep.Metrics

	assert.Equal(t, "javascript", rep.Language)
	assert.Equal(t, 1, m.ClassCount)
	assert.Equal(t, 2, m.FunctionCount)
	assert.Equal(t, 6, m.CyclomaticComplexity)
	require.Len(t, rep.Units, 2)
	assert.Equal(t, Unit{Name: "classify", Kind: KindFunction, Line: 1, Complexity: 4}, rep.Units[0])
	assert.Equal(t, Unit{Name: "Counter.increment", Kind: KindMethod, Line: 7, Complexity: 2}, rep.Units[1])
	assert.Empty(t, rep.Warnings)
}

func TestMeasure_Rust(t *testing.T) {
	code := `struct Stack<T> {
    items: Vec<T>,
}

impl<T> Stack<T> {
    fn pop(&mut self) -> Option<T> {
        match self.items.len() {
            0 => None,
            _ => self.items.pop(),
        }
    }
}

fn main() {
    let s: Stack<i32> = Stack { items: vec![] };
    let label = 'x';
    if s.items.is_empty() || label == 'y' {
        println!("empty // not a comment");
    }
}
`
	rep := Measure(code, "rust")
	m := rep.Metrics

	assert.Equal(t, 1, m.ClassCount)
	assert.Equal(t, 2, m.FunctionCount)
	assert.Equal(t, 5, m.CyclomaticComplexity)
	require.Len(t, rep.Units, 2)
	assert.Equal(t, Unit{Name: "Stack.pop", Kind: KindMethod, Line: 6, Complexity: 2}, rep.Units[0])
	assert.Equal(t, Unit{Name: "main", Kind: KindFunction, Line: 14, Complexity: 3}, rep.Units[1])
	assert.Empty(t, rep.Warnings)
}

func TestMeasure_Java(t *testing.T) {
	code := `public class Util {
    public static int max(List<? extends Number> xs, int d) {
        int best = d;
        for (Number x : xs) {
            best = x.intValue() > best ? x.intValue() : best;
        }
        return best;
    }
}
`
	rep := Measure(code, "java")

	assert.Equal(t, 1, rep.Metrics.ClassCount)
	assert.Equal(t, 1, rep.Metrics.FunctionCount)
	assert.Equal(t, 3, rep.Metrics.CyclomaticComplexity)
	require.Len(t, rep.Units, 1)
	assert.Equal(t, "Util.max", rep.Units[0].Name)
	assert.Equal(t, KindMethod, rep.Units[0].Kind)
}

func TestMeasure_C(t *testing.T) {
	code := `#include <stdio.h>
#define MAX(a, b) ((a) > (b) ? (a) : (b))

struct point { int x; int y; };

/* clamp keeps v
   inside the range */
int clamp(int v) {
    if (v < 0) return 0;
    return v > 10 ? 10 : v;
}
`
	rep := Measure(code, "c")
	m := rep.Metrics

	assert.Equal(t, 1, m.ClassCount)
	assert.Equal(t, 1, m.FunctionCount)
	assert.Equal(t, 3, m.CyclomaticComplexity)
	assert.Equal(t, 2, m.CommentLines)
	assert.Equal(t, 0, m.MaxNestingDepth)
}

func TestMeasure_HeaderTokensBelongToFunction(t *testing.T) {
	t.Run("cpp rvalue reference parameter", func(t *testing.T) {
		code := "namespace n { class A { int m(int&& x) const { return x ? 1 : 0; } }; }\n"
		rep := Measure(code, "cpp")

		require.Len(t, rep.Units, 1)
		assert.Equal(t, Unit{Name: "n.A.m", Kind: KindMethod, Line: 1, Complexity: 2}, rep.Units[0])
		assert.Equal(t, 2, rep.Metrics.CyclomaticComplexity)
	})

	t.Run("javascript default parameter", func(t *testing.T) {
		rep := Measure("function pick(a = b || c) {\n  return a;\n}\n", "javascript")

		require.Len(t, rep.Units, 1)
		assert.Equal(t, "pick", rep.Units[0].Name)
		assert.Equal(t, 2, rep.Units[0].Complexity)
	})
}

func TestMeasure_Warnings(t *testing.T) {
	t.Run("unterminated string", func(t *testing.T) {
		rep := Measure("x = \"abc\nprint(1)\n", "python")
		assert.True(t, hasWarning(rep, WarnUnterminatedString))
		assert.Equal(t, 2, rep.Metrics.TotalLines)
	})

	t.Run("unclosed brace", func(t *testing.T) {
		rep := Measure("package main\n\nfunc main() {\n\tif x {\n", "go")
		assert.True(t, hasWarning(rep, WarnUnbalanced))
		assert.Equal(t, 1, rep.Metrics.FunctionCount)
		assert.Equal(t, 2, rep.Metrics.CyclomaticComplexity)
	})

	t.Run("unterminated comment", func(t *testing.T) {
		rep := Measure("int f() { return 1; }\n/* never closed\n", "c")
		assert.True(t, hasWarning(rep, WarnUnterminatedComment))
		assert.Equal(t, 1, rep.Metrics.FunctionCount)
	})

	t.Run("inconsistent dedent", func(t *testing.T) {
		rep := Measure("if x:\n        a = 1\n    b = 2\n", "python")
		assert.True(t, hasWarning(rep, WarnIndentation))
	})

	t.Run("unknown language", func(t *testing.T) {
		rep := Measure("print(1)\n", "cobol")
		assert.Equal(t, "python", rep.Language)
		assert.True(t, hasWarning(rep, WarnUnknownLanguage))
	})
}

func TestAnalyze_Breakdown(t *testing.T) {
	code := "def a():\n    pass\n\ndef b():\n    pass\n"

	res := Analyze(AnalysisRequest{Code: code})
	assert.Nil(t, res.Units)
	assert.Equal(t, 2, res.Metrics.CyclomaticComplexity)
	assert.GreaterOrEqual(t, res.DurationMs, 0.0)

	res = Analyze(AnalysisRequest{Code: code, Breakdown: true})
	assert.Len(t, res.Units, 2)
}

func TestAnalyze_Idempotent(t *testing.T) {
	code := "def f(x):\n    return x if x else -x\n"
	first := Analyze(AnalysisRequest{Code: code, Breakdown: true})
	second := Analyze(AnalysisRequest{Code: code, Breakdown: true})
	assert.Equal(t, first.Report, second.Report)
}

func TestLookupLanguage(t *testing.T) {
	for alias, want := range map[string]string{
		"":           "python",
		"Python3":    "python",
		"golang":     "go",
		"TSX":        "typescript",
		"c++":        "cpp",
		"C#":         "csharp",
		" rs ":       "rust",
		"javascript": "javascript",
	} {
		lang, ok := LookupLanguage(alias)
		assert.True(t, ok, alias)
		assert.Equal(t, want, lang.Name, alias)
	}
	assert.Contains(t, Languages(), "rust")
}

var fragments = []string{
	"def f(x):\n", "    ", "\t", "if x:\n", "for i in y:\n", "return x\n", "'", "\"", "\"\"\"", "#", "\n",
	"{", "}", "(", ")", "[", "]", "func g() {", "fn h() {", "class C", "&&", "||", "?", ":", ";",
	"/*", "*/", "//", "`", "${", "r#\"", "'a", "=>", "->", "\\", "@\"", "x", "1", " ",
}

func TestMeasure_DeterministicAndTotal(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		parts := rapid.SliceOfN(rapid.SampledFrom(fragments), 0, 60).Draw(t, "parts")
		code := strings.Join(parts, "")
		lang := rapid.SampledFrom(append(Languages(), "unknown")).Draw(t, "lang")

		a := Measure(code, lang)
		b := Measure(code, lang)
		if !assert.ObjectsAreEqual(a, b) {
			t.Fatalf("non-deterministic result for %q", code)
		}
		if hasWarning(a, WarnInternal) {
			t.Fatalf("analysis panicked on %q (%s): %v", code, lang, a.Warnings)
		}
		m := a.Metrics
		if m.TotalLines != m.CodeLines+m.CommentLines+m.BlankLines {
			t.Fatalf("line partition broken: %+v", m)
		}
	})
}
