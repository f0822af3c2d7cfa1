package tgui

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// TruncRunes returns s truncated to at most n runes.
// It appends an ellipsis "…" when truncated.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	cut := 0
	for i, r := range s {
		count++
		if count == n {
			cut = i + utf8.RuneLen(r)
			continue
		}
		if count > n {
			if cut <= 0 {
				cut = i
			}
			return s[:cut] + "…"
		}
	}
	return s
}

// Lines accumulates HTML lines. The zero value is ready to use.
type Lines struct {
	b []string
}

// Add appends one line of already-safe HTML.
func (l *Lines) Add(h H) *Lines {
	l.b = append(l.b, h.String())
	return l
}

// Text appends one escaped line.
func (l *Lines) Text(s string) *Lines { return l.Add(Esc(s)) }

// Textf appends one escaped, formatted line.
func (l *Lines) Textf(format string, args ...any) *Lines {
	return l.Text(fmt.Sprintf(format, args...))
}

// Blank appends an empty line.
func (l *Lines) Blank() *Lines { return l.Add("") }

func (l *Lines) Len() int { return len(l.b) }

func (l *Lines) H() H { return H(strings.Join(l.b, "\n")) }

func (l *Lines) String() string { return strings.Join(l.b, "\n") }
