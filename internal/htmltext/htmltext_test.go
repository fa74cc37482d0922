package htmltext

import (
	"strings"
	"testing"
)

func TestStripHTML_Breaks(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"br becomes one line break", "first<br>second", "first\r\nsecond"},
		{"self-closing br", "first<br />second", "first\r\nsecond"},
		{"li becomes one line break", "<ul><li>one<li>two</ul>", "one\r\ntwo"},
		{"p becomes paragraph break", "intro<p>body", "intro\r\n\r\nbody"},
		{"div becomes paragraph break", "a<div class=\"x\">b</div>", "a\r\n\r\nb"},
		{"tr becomes paragraph break", "<table><tr>x</tr></table>", "x"},
		{"td becomes tab", "<tr><td>a</td><td>b</td></tr>", "a\tb"},
	}

	for _, tt := range tests {
		if got := StripHTML(tt.in); got != tt.want {
			t.Errorf("%s: StripHTML(%q) = %q, want %q", tt.name, tt.in, got, tt.want)
		}
	}
}

func TestStripHTML_RemovedBlocks(t *testing.T) {
	in := "<html><head><title>hidden</title></head><body>visible" +
		"<script>alert(1)</script><style>.x{color:red}</style></body></html>"
	got := StripHTML(in)
	if got != "visible" {
		t.Errorf("StripHTML = %q, want %q", got, "visible")
	}
}

func TestStripHTML_Entities(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"a&nbsp;b", "a b"},
		{"&bull;item", "* item"},
		{"1&lt;2 and 3&gt;2", "1<2 and 3>2"},
		{"Tom&amp;Jerry", "Tom&Jerry"},
		{"&copy;2024 &reg; &trade;", "(c)2024 (r) (tm)"},
		// Unknown entities of 2-6 chars are dropped.
		{"a&eacute;b", "ab"},
		{"a&#160;b", "ab"},
	}

	for _, tt := range tests {
		if got := StripHTML(tt.in); got != tt.want {
			t.Errorf("StripHTML(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStripHTML_CollapsesRepeats(t *testing.T) {
	in := "a<p><p><p><p>b"
	got := StripHTML(in)
	if strings.Contains(got, "\r\n\r\n\r\n\r\n") {
		t.Errorf("expected at most two blank lines, got %q", got)
	}
	if !strings.Contains(got, "a") || !strings.Contains(got, "b") {
		t.Errorf("content lost: %q", got)
	}

	tabs := StripHTML("<td><td><td><td><td><td>x")
	if strings.Contains(tabs, "\t\t\t\t\t") {
		t.Errorf("expected at most four tabs, got %q", tabs)
	}
}

func TestStripHTML_CRLFOutput(t *testing.T) {
	got := StripHTML("line1\nline2<br>line3")
	if strings.Contains(strings.ReplaceAll(got, "\r\n", ""), "\n") {
		t.Errorf("found bare newline in %q", got)
	}
	if got != "line1\r\nline2\r\nline3" {
		t.Errorf("StripHTML = %q", got)
	}
}

func TestStripHTML_PlainTextUnchanged(t *testing.T) {
	in := "no markup here"
	if got := StripHTML(in); got != in {
		t.Errorf("StripHTML(%q) = %q", in, got)
	}
}
