package analyzer

import (
	"sort"
	"strings"
)

type family uint8

const (
	familyPython family = iota
	familyBrace
)

// Language describes how one language is lexed and which constructs count.
type Language struct {
	Name   string
	family family

	// lexing
	rustQuotes     bool // 'x' char literal or 'a lifetime
	rawBacktick    bool // Go `raw strings`
	templates      bool // JS `template ${literals}`
	regex          bool // JS /regex/ literals
	preprocessor   bool // # directives at line start
	verbatim       bool // C# @"..." $"..." """..."""
	cppRaw         bool // R"delim(...)delim"
	rustRaw        bool // r#"..."#
	nestedComments bool

	// structure
	funcKeyword  string          // "func", "fn", "function"
	methodHeads  bool            // name(...) { is a function definition
	arrow        string          // "=>" or "->" lambdas with block bodies
	classWords   map[string]bool // keywords introducing a type body
	containers   map[string]bool // bodies that host methods but are not counted as classes
	decisions    map[string]bool
	ternary      bool
	matchArms    bool // Rust: each non-wildcard => arm adds one
	semicolonEnd bool // a ; ends a brace-less control statement
}

func set(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

var braceDecisions = set("if", "for", "while", "case", "catch")

var languages = map[string]*Language{
	"python": {
		Name:   "python",
		family: familyPython,
	},
	"go": {
		Name:        "go",
		family:      familyBrace,
		rawBacktick: true,
		funcKeyword: "func",
		classWords:  set("struct", "interface"),
		decisions:   braceDecisions,
	},
	"javascript": {
		Name:         "javascript",
		family:       familyBrace,
		templates:    true,
		regex:        true,
		funcKeyword:  "function",
		methodHeads:  true,
		arrow:        "=>",
		classWords:   set("class"),
		decisions:    braceDecisions,
		ternary:      true,
		semicolonEnd: true,
	},
	"typescript": {
		Name:         "typescript",
		family:       familyBrace,
		templates:    true,
		regex:        true,
		funcKeyword:  "function",
		methodHeads:  true,
		arrow:        "=>",
		classWords:   set("class", "interface", "enum"),
		decisions:    braceDecisions,
		ternary:      true,
		semicolonEnd: true,
	},
	"java": {
		Name:         "java",
		family:       familyBrace,
		methodHeads:  true,
		arrow:        "->",
		classWords:   set("class", "interface", "enum", "record"),
		decisions:    braceDecisions,
		ternary:      true,
		semicolonEnd: true,
	},
	"c": {
		Name:         "c",
		family:       familyBrace,
		preprocessor: true,
		methodHeads:  true,
		classWords:   set("struct", "union", "enum"),
		decisions:    braceDecisions,
		ternary:      true,
		semicolonEnd: true,
	},
	"cpp": {
		Name:         "cpp",
		family:       familyBrace,
		preprocessor: true,
		cppRaw:       true,
		methodHeads:  true,
		classWords:   set("class", "struct", "union", "enum"),
		containers:   set("namespace"),
		decisions:    braceDecisions,
		ternary:      true,
		semicolonEnd: true,
	},
	"csharp": {
		Name:         "csharp",
		family:       familyBrace,
		preprocessor: true,
		verbatim:     true,
		methodHeads:  true,
		arrow:        "=>",
		classWords:   set("class", "struct", "interface", "enum", "record"),
		containers:   set("namespace"),
		decisions:    set("if", "for", "foreach", "while", "case", "catch"),
		ternary:      true,
		semicolonEnd: true,
	},
	"rust": {
		Name:           "rust",
		family:         familyBrace,
		rustQuotes:     true,
		rustRaw:        true,
		nestedComments: true,
		funcKeyword:    "fn",
		classWords:     set("struct", "enum", "trait", "union"),
		containers:     set("impl", "mod"),
		decisions:      set("if", "for", "while"),
		matchArms:      true,
	},
}

var languageAliases = map[string]string{
	"":        "python",
	"py":      "python",
	"python3": "python",
	"golang":  "go",
	"js":      "javascript",
	"jsx":     "javascript",
	"node":    "javascript",
	"ts":      "typescript",
	"tsx":     "typescript",
	"h":       "c",
	"c++":     "cpp",
	"cc":      "cpp",
	"cxx":     "cpp",
	"hpp":     "cpp",
	"c#":      "csharp",
	"cs":      "csharp",
	"rs":      "rust",
}

// LookupLanguage resolves a language name or alias. Unknown names resolve to
// Python and report false.
func LookupLanguage(name string) (*Language, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := languageAliases[key]; ok {
		key = alias
	}
	if l, ok := languages[key]; ok {
		return l, true
	}
	return languages["python"], false
}

// Languages lists the canonical language names in sorted order.
func Languages() []string {
	names := make([]string, 0, len(languages))
	for name := range languages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
