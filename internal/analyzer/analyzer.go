// Package analyzer derives structural metrics from source text without
// executing it.
//
// PIPELINE:
//
//	code → lexer (strings and comments stripped, per-line flags)
//	     → structure pass (python: indentation; brace family: { } frames)
//	     → units with cyclomatic complexity → Metrics
//
// Everything here is a pure function of (code, language). No clock, no
// environment and no map iteration order leaks into the results.
package analyzer

import (
	"fmt"
	"strings"
	"time"
)

// AnalysisRequest is one analysis invocation.
type AnalysisRequest struct {
	Code     string `json:"code"`
	Language string `json:"language,omitempty"`
	// Breakdown asks for per-unit complexity in the result.
	Breakdown bool `json:"breakdown,omitempty"`
}

// Metrics are the structural counts of one source text.
type Metrics struct {
	TotalLines           int `json:"total_lines"`
	CodeLines            int `json:"code_lines"`
	CommentLines         int `json:"comment_lines"`
	BlankLines           int `json:"blank_lines"`
	FunctionCount        int `json:"function_count"`
	ClassCount           int `json:"class_count"`
	CyclomaticComplexity int `json:"cyclomatic_complexity"`
	MaxComplexity        int `json:"max_complexity"`
	MaxNestingDepth      int `json:"max_nesting_depth"`
}

// Unit kinds.
const (
	KindModule   = "module"
	KindFunction = "function"
	KindMethod   = "method"
	KindClosure  = "closure"
)

// Unit is one complexity-bearing scope: a function, method, closure, or the
// module's top-level code.
type Unit struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Line       int    `json:"line"`
	Complexity int    `json:"complexity"`
}

// Warning kinds. Warnings mark best-effort results; they never fail a call.
const (
	WarnUnknownLanguage     = "unknown_language"
	WarnUnterminatedString  = "unterminated_string"
	WarnUnterminatedComment = "unterminated_comment"
	WarnUnbalanced          = "unbalanced_brackets"
	WarnIndentation         = "inconsistent_indentation"
	WarnInternal            = "internal_error"
)

// Warning is a ParseFailure marker.
type Warning struct {
	Kind    string `json:"kind"`
	Line    int    `json:"line,omitempty"`
	Message string `json:"message"`
}

// Report is the deterministic part of an analysis.
type Report struct {
	Language string    `json:"language"`
	Metrics  Metrics   `json:"metrics"`
	Units    []Unit    `json:"units,omitempty"`
	Warnings []Warning `json:"warnings,omitempty"`
}

// AnalysisResult is a Report plus how long it took.
type AnalysisResult struct {
	Report
	DurationMs float64 `json:"duration_ms"`
}

// Analyze measures req.Code. It never fails: malformed input yields partial
// metrics plus warnings.
func Analyze(req AnalysisRequest) AnalysisResult {
	start := time.Now()
	rep := Measure(req.Code, req.Language)
	if !req.Breakdown {
		rep.Units = nil
	}
	return AnalysisResult{
		Report:     rep,
		DurationMs: float64(time.Since(start).Microseconds()) / 1000,
	}
}

// Measure is the pure core of Analyze. Units are always included.
func Measure(code, language string) (rep Report) {
	lang, known := LookupLanguage(language)
	rep.Language = lang.Name

	var warnings []Warning
	if !known {
		warnings = append(warnings, Warning{
			Kind:    WarnUnknownLanguage,
			Message: fmt.Sprintf("unknown language %q, analyzed as %s", language, lang.Name),
		})
	}

	defer func() {
		if r := recover(); r != nil {
			rep = Report{
				Language: lang.Name,
				Metrics:  Metrics{TotalLines: countLines(code)},
				Warnings: append(warnings, Warning{
					Kind:    WarnInternal,
					Message: fmt.Sprintf("analysis aborted: %v", r),
				}),
			}
		}
	}()

	var (
		lx *lexResult
		st *structure
	)
	if lang.family == familyPython {
		lx = lexPython(code)
		st = analyzePython(lx)
	} else {
		lx = lexBrace(code, lang)
		st = analyzeBrace(lx, lang)
	}

	rep.Metrics = lineMetrics(lx)
	st.finish(&rep)
	rep.Warnings = append(warnings, append(lx.warnings, st.warnings...)...)
	return rep
}

func lineMetrics(lx *lexResult) Metrics {
	m := Metrics{TotalLines: lx.lines}
	for ln := 1; ln <= lx.lines; ln++ {
		switch {
		case lx.code[ln]:
			m.CodeLines++
		case lx.comment[ln]:
			m.CommentLines++
		default:
			m.BlankLines++
		}
	}
	return m
}

// countLines counts terminated lines plus a final unterminated one.
func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
