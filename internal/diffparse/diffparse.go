// Package diffparse extracts the touched file paths from unified diff text.
//
// Parsing is advisory: it never fails. Input it cannot make sense of simply
// contributes no paths.
package diffparse

import (
	"bufio"
	"strconv"
	"strings"
)

const devNull = "/dev/null"

// fileBlock collects the headers of one file section.
type fileBlock struct {
	oldPath, newPath string
	headerOld        string // from `diff --git a/x b/y`
	headerNew        string
	renameTo         string
	copyTo           string
	deleted          bool
	sawPlus          bool
}

// path picks the reported path: the post-image, or the pre-image when the
// file was deleted.
func (b *fileBlock) path() string {
	for _, p := range []string{b.renameTo, b.copyTo} {
		if p != "" {
			return p
		}
	}
	if b.newPath != "" && b.newPath != devNull && !b.deleted {
		return b.newPath
	}
	if b.oldPath != "" && b.oldPath != devNull {
		return b.oldPath
	}
	if b.headerNew != "" && !b.deleted {
		return b.headerNew
	}
	if b.headerOld != "" {
		return b.headerOld
	}
	if b.newPath != "" && b.newPath != devNull {
		return b.newPath
	}
	return ""
}

type parser struct {
	files []string
	seen  map[string]struct{}
	cur   *fileBlock

	// remaining hunk lines; -1 when not inside a hunk
	oldLeft, newLeft int
	combined         int // parent count of a combined-diff hunk, 0 otherwise
}

// ParseDiff returns the unique paths touched by diffText in first-seen
// order. It never returns nil.
func ParseDiff(diffText string) []string {
	p := &parser{
		files:   []string{},
		seen:    make(map[string]struct{}),
		oldLeft: -1,
		newLeft: -1,
	}

	var lines []string
	sc := bufio.NewScanner(strings.NewReader(diffText))
	sc.Buffer(make([]byte, 0, 64*1024), len(diffText)+1)
	for sc.Scan() {
		lines = append(lines, strings.TrimSuffix(sc.Text(), "\r"))
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if p.inHunk() && p.consumeHunkLine(line) {
			continue
		}
		p.endHunk()

		switch {
		case strings.HasPrefix(line, "diff --git "):
			p.flush()
			p.cur = &fileBlock{}
			p.cur.headerOld, p.cur.headerNew = splitGitHeader(line[len("diff --git "):])

		case strings.HasPrefix(line, "diff --cc "), strings.HasPrefix(line, "diff --combined "):
			p.flush()
			name := line[strings.Index(line, " ")+1:]
			name = name[strings.Index(name, " ")+1:]
			p.cur = &fileBlock{headerNew: unquote(name)}

		case strings.HasPrefix(line, "--- ") && i+1 < len(lines) && strings.HasPrefix(lines[i+1], "+++ "):
			// A ---/+++ pair either completes a git block or starts a plain one.
			if p.cur == nil || p.cur.sawPlus {
				p.flush()
				p.cur = &fileBlock{}
			}
			p.cur.oldPath = headerPath(line[4:])
			p.cur.newPath = headerPath(lines[i+1][4:])
			p.cur.sawPlus = true
			i++

		case p.cur == nil:
			// preamble (commit message, index lines of a mail) is ignored

		case strings.HasPrefix(line, "rename to "):
			p.cur.renameTo = unquote(line[len("rename to "):])
		case strings.HasPrefix(line, "copy to "):
			p.cur.copyTo = unquote(line[len("copy to "):])
		case strings.HasPrefix(line, "rename from "), strings.HasPrefix(line, "copy from "):
			if p.cur.oldPath == "" {
				p.cur.oldPath = unquote(line[strings.Index(line, "from ")+5:])
			}
		case strings.HasPrefix(line, "deleted file mode"):
			p.cur.deleted = true

		case strings.HasPrefix(line, "@@"):
			p.startHunk(line)
		}
	}
	p.flush()
	return p.files
}

func (p *parser) flush() {
	if p.cur == nil {
		return
	}
	path := p.cur.path()
	p.cur = nil
	if path == "" {
		return
	}
	if _, dup := p.seen[path]; dup {
		return
	}
	p.seen[path] = struct{}{}
	p.files = append(p.files, path)
}

func (p *parser) inHunk() bool { return p.newLeft >= 0 }

func (p *parser) endHunk() {
	p.oldLeft, p.newLeft, p.combined = -1, -1, 0
}

// startHunk reads the line counts from `@@ -a,b +c,d @@` or the combined form
// `@@@ -a,b -c,d +e,f @@@`.
func (p *parser) startHunk(line string) {
	marker := 0
	for marker < len(line) && line[marker] == '@' {
		marker++
	}
	end := strings.Index(line[marker:], strings.Repeat("@", marker))
	if marker < 2 || end < 0 {
		return
	}

	oldLeft, newLeft, parents := 0, -1, 0
	for _, field := range strings.Fields(line[marker : marker+end]) {
		switch field[0] {
		case '-':
			parents++
			oldLeft = max(oldLeft, rangeCount(field[1:]))
		case '+':
			newLeft = rangeCount(field[1:])
		}
	}
	if newLeft < 0 || parents == 0 {
		return
	}
	p.oldLeft, p.newLeft = oldLeft, newLeft
	if marker > 2 {
		p.combined = parents
	}
}

// rangeCount parses "start,count" or "start" (count 1).
func rangeCount(r string) int {
	_, count, found := strings.Cut(r, ",")
	if !found {
		return 1
	}
	n, err := strconv.Atoi(count)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// consumeHunkLine reports whether line belongs to the current hunk body.
func (p *parser) consumeHunkLine(line string) bool {
	if p.oldLeft <= 0 && p.newLeft <= 0 {
		return false
	}
	if strings.HasPrefix(line, `\`) {
		// "\ No newline at end of file"
		return true
	}

	if p.combined > 0 {
		if len(line) < p.combined {
			return false
		}
		prefix := line[:p.combined]
		if strings.Trim(prefix, " +-") != "" {
			return false
		}
		if !strings.Contains(prefix, "-") {
			p.newLeft--
		}
		if !strings.Contains(prefix, "+") {
			p.oldLeft--
		}
		return true
	}

	if line == "" {
		// some tools strip the space of empty context lines
		p.oldLeft--
		p.newLeft--
		return true
	}
	switch line[0] {
	case ' ':
		p.oldLeft--
		p.newLeft--
	case '-':
		p.oldLeft--
	case '+':
		p.newLeft--
	default:
		return false
	}
	return true
}

// headerPath extracts the path of a ---/+++ line: drops a trailing
// timestamp, unquotes, and strips the a/ or b/ prefix.
func headerPath(s string) string {
	if strings.HasPrefix(s, `"`) {
		return stripPrefix(unquote(s))
	}
	if tab := strings.IndexByte(s, '\t'); tab >= 0 {
		s = s[:tab]
	}
	s = strings.TrimRight(s, " ")
	if s == devNull {
		return devNull
	}
	return stripPrefix(s)
}

func stripPrefix(s string) string {
	if strings.HasPrefix(s, "a/") || strings.HasPrefix(s, "b/") {
		return s[2:]
	}
	return s
}

// splitGitHeader splits the `a/x b/y` part of a `diff --git` line. Paths may
// be C-quoted or contain spaces.
func splitGitHeader(s string) (string, string) {
	if strings.HasPrefix(s, `"`) {
		first, rest, ok := cutQuoted(s)
		if !ok {
			return "", ""
		}
		rest = strings.TrimPrefix(rest, " ")
		second := rest
		if strings.HasPrefix(rest, `"`) {
			second, _, _ = cutQuoted(rest)
		}
		return stripPrefix(first), stripPrefix(second)
	}
	if i := strings.LastIndex(s, ` "`); i >= 0 && strings.HasSuffix(s, `"`) {
		second, _, _ := cutQuoted(s[i+1:])
		return stripPrefix(s[:i]), stripPrefix(second)
	}

	// Unquoted: prefer the split where both sides name the same file.
	var candidates []int
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			candidates = append(candidates, i)
		}
	}
	for _, i := range candidates {
		a, b := stripPrefix(s[:i]), stripPrefix(s[i+1:])
		if a == b {
			return a, b
		}
	}
	if i := strings.LastIndex(s, " b/"); i >= 0 {
		return stripPrefix(s[:i]), stripPrefix(s[i+1:])
	}
	if len(candidates) > 0 {
		i := candidates[len(candidates)/2]
		return stripPrefix(s[:i]), stripPrefix(s[i+1:])
	}
	return stripPrefix(s), stripPrefix(s)
}

// cutQuoted reads one C-quoted string at the start of s.
func cutQuoted(s string) (string, string, bool) {
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			return unquote(s[:i+1]), s[i+1:], true
		}
	}
	return "", s, false
}

// unquote decodes git's C-style quoting (octal escapes for non-ASCII bytes).
// Unquoted input is returned as is.
func unquote(s string) string {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return s
	}
	if u, err := strconv.Unquote(s); err == nil {
		return u
	}
	return s[1 : len(s)-1]
}
