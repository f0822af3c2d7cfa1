package tgui

import "testing"

func TestLinkEscapesTextAndHref(t *testing.T) {
	t.Parallel()

	got := Link(`a<b`, `https://x.test/?q="1"&r=2`).String()
	want := `<a href="https://x.test/?q=&#34;1&#34;&amp;r=2">a&lt;b</a>`
	if got != want {
		t.Fatalf("Link() = %q, want %q", got, want)
	}
}

func TestJoinHSkipsBlankParts(t *testing.T) {
	t.Parallel()

	got := JoinH("\n", B("x"), "", "  ", Esc("y&z")).String()
	if got != "<b>x</b>\ny&amp;z" {
		t.Fatalf("JoinH() = %q", got)
	}
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 3, "hel…"},
		{"héllo", 2, "hé…"},
		{"x", 0, ""},
	}
	for _, tc := range cases {
		if got := TruncRunes(tc.in, tc.n); got != tc.want {
			t.Fatalf("TruncRunes(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}

func TestLines(t *testing.T) {
	t.Parallel()

	var l Lines
	l.Add(B("title")).Blank().Textf("%d < %d", 1, 2)
	if l.Len() != 3 {
		t.Fatalf("Len() = %d", l.Len())
	}
	if got := l.String(); got != "<b>title</b>\n\n1 &lt; 2" {
		t.Fatalf("String() = %q", got)
	}
}
