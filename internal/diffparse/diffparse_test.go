package diffparse

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const singleFile = `diff --git a/test.py b/test.py
index 83db48f..bf269f4 100644
--- a/test.py
+++ b/test.py
@@ -1,3 +1,4 @@
 def f():
-    return 1
+    x = 1
+    return x
 print(f())
`

func TestParseDiff_SingleFile(t *testing.T) {
	assert.Equal(t, []string{"test.py"}, ParseDiff(singleFile))
}

func TestParseDiff(t *testing.T) {
	tests := []struct {
		name string
		diff string
		want []string
	}{
		{
			name: "empty",
			diff: "",
			want: []string{},
		},
		{
			name: "not a diff",
			diff: "hello\nworld\n",
			want: []string{},
		},
		{
			name: "duplicate headers collapse",
			diff: singleFile + singleFile,
			want: []string{"test.py"},
		},
		{
			name: "multiple files keep first-seen order",
			diff: strings.ReplaceAll(singleFile, "test.py", "b.py") + singleFile +
				strings.ReplaceAll(singleFile, "test.py", "b.py"),
			want: []string{"b.py", "test.py"},
		},
		{
			name: "hunk lines that look like headers",
			diff: `diff --git a/a.sql b/a.sql
--- a/a.sql
+++ b/a.sql
@@ -1,2 +1,2 @@
--- old comment
+++ new comment
 SELECT 1;
`,
			want: []string{"a.sql"},
		},
		{
			name: "rename with spaces",
			diff: `diff --git a/old name.py b/new name.py
similarity index 90%
rename from old name.py
rename to new name.py
`,
			want: []string{"new name.py"},
		},
		{
			name: "copy",
			diff: `diff --git a/src.go b/dst.go
similarity index 100%
copy from src.go
copy to dst.go
`,
			want: []string{"dst.go"},
		},
		{
			name: "deleted file reports the pre-image",
			diff: `diff --git a/gone.txt b/gone.txt
deleted file mode 100644
index e69de29..0000000
--- a/gone.txt
+++ /dev/null
@@ -1 +0,0 @@
-bye
`,
			want: []string{"gone.txt"},
		},
		{
			name: "new file",
			diff: `diff --git a/new.go b/new.go
new file mode 100644
--- /dev/null
+++ b/new.go
@@ -0,0 +1 @@
+package main
`,
			want: []string{"new.go"},
		},
		{
			name: "same path with spaces on both sides",
			diff: "diff --git a/my file.txt b/my file.txt\n" +
				"--- a/my file.txt\t\n" +
				"+++ b/my file.txt\t\n" +
				"@@ -1 +1 @@\n-a\n+b\n",
			want: []string{"my file.txt"},
		},
		{
			name: "quoted non-ascii path",
			diff: `diff --git "a/caf\303\251.txt" "b/caf\303\251.txt"
index 1..2 100644
Binary files "a/caf\303\251.txt" and "b/caf\303\251.txt" differ
`,
			want: []string{"café.txt"},
		},
		{
			name: "binary without ---/+++ lines",
			diff: `diff --git a/img.png b/img.png
index 1..2 100644
Binary files a/img.png and b/img.png differ
`,
			want: []string{"img.png"},
		},
		{
			name: "plain unified diff with timestamps",
			diff: "--- foo.c\t2024-01-01 00:00:00\n" +
				"+++ foo.c\t2024-01-02 00:00:00\n" +
				"@@ -1 +1 @@\n-a\n+b\n" +
				"--- bar.c\n+++ bar.c\n" +
				"@@ -1 +1 @@\n-a\n+b\n",
			want: []string{"foo.c", "bar.c"},
		},
		{
			name: "combined merge diff",
			diff: `diff --cc merged.txt
index abc,def..123
--- a/merged.txt
+++ b/merged.txt
@@@ -1,1 -1,1 +1,1 @@@
- a
 -b
++c
`,
			want: []string{"merged.txt"},
		},
		{
			name: "crlf line endings",
			diff: strings.ReplaceAll(singleFile, "\n", "\r\n"),
			want: []string{"test.py"},
		},
		{
			name: "mail preamble is ignored",
			diff: "From 1234 Mon Sep 17 00:00:00 2001\nSubject: [PATCH] fix\n---\n test.py | 2 +-\n\n" + singleFile,
			want: []string{"test.py"},
		},
		{
			name: "missing newline marker",
			diff: `diff --git a/x.txt b/x.txt
--- a/x.txt
+++ b/x.txt
@@ -1 +1 @@
-old
\ No newline at end of file
+new
\ No newline at end of file
diff --git a/y.txt b/y.txt
--- a/y.txt
+++ b/y.txt
`,
			want: []string{"x.txt", "y.txt"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseDiff(tt.diff)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSplitGitHeader(t *testing.T) {
	tests := []struct {
		in       string
		old, new string
	}{
		{"a/x.py b/x.py", "x.py", "x.py"},
		{"a/dir/a b.py b/dir/a b.py", "dir/a b.py", "dir/a b.py"},
		{"a/one b/two", "one", "two"},
		{`"a/x y" "b/x y"`, "x y", "x y"},
		{`a/plain "b/quo\"ted"`, "plain", `quo"ted`},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			o, n := splitGitHeader(tt.in)
			assert.Equal(t, tt.old, o)
			assert.Equal(t, tt.new, n)
		})
	}
}

// Generated git diffs round-trip to their file list, whatever the hunk bodies
// contain.
func TestParseDiff_Generated(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		names := rapid.SliceOfN(
			rapid.StringMatching(`[a-z][a-z0-9_]{0,6}(/[a-z0-9_ ]{1,6}){0,2}\.(py|go|txt)`), 1, 6,
		).Draw(t, "names")

		var (
			b    strings.Builder
			want []string
			seen = map[string]bool{}
		)
		for _, name := range names {
			if !seen[name] {
				seen[name] = true
				want = append(want, name)
			}
			fmt.Fprintf(&b, "diff --git a/%s b/%s\n--- a/%s\n+++ b/%s\n", name, name, name, name)

			body := rapid.SliceOfN(rapid.SampledFrom([]string{
				"-- comment", "++ x", "-- a/evil.py", "diff --git a/q b/q", "@@ -1 +1 @@", "", "code",
			}), 1, 5).Draw(t, "body")

			var (
				hunk       strings.Builder
				oldN, newN int
			)
			for _, l := range body {
				prefix := rapid.SampledFrom([]string{" ", "-", "+"}).Draw(t, "prefix")
				switch prefix {
				case " ":
					oldN++
					newN++
				case "-":
					oldN++
				case "+":
					newN++
				}
				hunk.WriteString(prefix + l + "\n")
			}
			fmt.Fprintf(&b, "@@ -1,%d +1,%d @@\n%s", oldN, newN, hunk.String())
		}

		assert.Equal(t, want, ParseDiff(b.String()))
	})
}

func TestParseDiff_ArbitraryInput(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		got := ParseDiff(rapid.String().Draw(t, "text"))
		require.NotNil(t, got)

		seen := map[string]bool{}
		for _, p := range got {
			assert.NotEmpty(t, p)
			assert.False(t, seen[p], "duplicate %q", p)
			seen[p] = true
		}
	})
}
