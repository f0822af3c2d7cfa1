package post

import (
	"strings"

	"chanpost/pkg/tgui"
)

// Template controls the wording of rendered announcements. Rendering is
// pure: the same Template and Content always yield the same text.
type Template struct {
	Title             string
	DownloadLabel     string
	InstructionsLabel string
	Closing           string
	Footer            string
}

func DefaultTemplate() Template {
	return Template{
		Title:             "🎥 NEW VIDEO ALERT",
		DownloadLabel:     "Download",
		InstructionsLabel: "How to Open",
		Closing:           "WATCH NOW! 🎬",
	}
}

// withDefaults fills blank fields from DefaultTemplate. Footer stays optional.
func (t Template) withDefaults() Template {
	d := DefaultTemplate()
	if strings.TrimSpace(t.Title) == "" {
		t.Title = d.Title
	}
	if strings.TrimSpace(t.DownloadLabel) == "" {
		t.DownloadLabel = d.DownloadLabel
	}
	if strings.TrimSpace(t.InstructionsLabel) == "" {
		t.InstructionsLabel = d.InstructionsLabel
	}
	if strings.TrimSpace(t.Closing) == "" {
		t.Closing = d.Closing
	}
	return t
}

// Render produces the Telegram HTML body (or caption) for c.
func (t Template) Render(c Content) string {
	t = t.withDefaults()

	var l tgui.Lines
	l.Add(tgui.B(t.Title))
	l.Text("┃")
	l.Add("┣⊳ 📥 " + tgui.Link(t.DownloadLabel, strings.TrimSpace(c.LinkURL)))
	switch {
	case strings.TrimSpace(c.InstructionsURL) != "":
		l.Add("┣⊳ 🔗 " + tgui.Link(t.InstructionsLabel, strings.TrimSpace(c.InstructionsURL)))
	case strings.TrimSpace(c.InstructionsText) != "":
		l.Add("┣⊳ 🔗 " + tgui.Esc(t.InstructionsLabel))
		for _, line := range strings.Split(strings.TrimSpace(c.InstructionsText), "\n") {
			l.Add("┃   " + tgui.Esc(strings.TrimRight(line, "\r")))
		}
	}
	l.Text("┃")
	l.Add("┗⊳ " + tgui.Esc(t.Closing))
	if f := strings.TrimSpace(t.Footer); f != "" {
		l.Blank()
		l.Text(f)
	}
	return l.String()
}
