// Package compose turns an operator's finished draft into deliveries or
// scheduled records, one per selected destination.
package compose

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"chanpost/internal/post"
)

var ErrNoValidDestination = errors.New("compose: no valid destination selected")

// Draft is a fully populated announcement ready to hand off.
// ScheduledFor nil means "deliver now".
type Draft struct {
	OperatorID   int64        `validate:"required"`
	Content      post.Content `validate:"-"`
	EntryIDs     []string     `validate:"required,min=1,dive,required"`
	ScheduledFor *time.Time   `validate:"-"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (d Draft) Validate() error {
	if err := validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return post.Invalid(strings.ToLower(f.Field()), fmt.Sprintf("failed %q check", f.Tag()))
		}
		return err
	}
	return d.Content.Validate()
}

// QuickHours are the one-tap scheduling offsets offered to operators.
var QuickHours = []int{1, 2, 4, 8, 12, 24}

// CustomTimeLayout is the operator-facing schedule format (DD-MM-YYYY HH:MM).
const CustomTimeLayout = "02-01-2006 15:04"

// ParseScheduleTime reads a custom schedule time in loc and requires it to
// be strictly after now.
func ParseScheduleTime(s string, loc *time.Location, now time.Time) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(CustomTimeLayout, strings.TrimSpace(s), loc)
	if err != nil {
		return time.Time{}, post.Invalid("scheduled_for", "use DD-MM-YYYY HH:MM")
	}
	if !t.After(now) {
		return time.Time{}, post.Invalid("scheduled_for", "must be in the future")
	}
	return t, nil
}

// ParseQuickOffset accepts "+4", "+4h", "4h" for any of QuickHours.
func ParseQuickOffset(s string, now time.Time) (time.Time, bool) {
	s = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(strings.ToLower(s)), "+"), "h")
	for _, h := range QuickHours {
		if s == fmt.Sprint(h) {
			return now.Add(time.Duration(h) * time.Hour), true
		}
	}
	return time.Time{}, false
}

// ClassifyInstructions treats input that parses as an http(s) URL as a link
// and everything else as free text.
func ClassifyInstructions(s string) (link, text string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	if post.IsHTTPURL(s) && !strings.ContainsAny(s, " \n\t") {
		if u, err := url.Parse(s); err == nil && u.Host != "" {
			return s, ""
		}
	}
	return "", s
}

// Selection is the set of destination entries toggled on in one session.
type Selection struct {
	on map[string]bool
}

func (s *Selection) Toggle(id string) bool {
	if s.on == nil {
		s.on = map[string]bool{}
	}
	if s.on[id] {
		delete(s.on, id)
		return false
	}
	s.on[id] = true
	return true
}

func (s *Selection) Has(id string) bool { return s.on[id] }

func (s *Selection) Len() int { return len(s.on) }

func (s *Selection) SetAll(ids []string) {
	s.on = make(map[string]bool, len(ids))
	for _, id := range ids {
		s.on[id] = true
	}
}

func (s *Selection) Clear() { s.on = nil }

// IDs returns the selected ids in sorted order.
func (s *Selection) IDs() []string {
	out := make([]string, 0, len(s.on))
	for id := range s.on {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
