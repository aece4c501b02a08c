// Package slug keeps a project's URL path segment in sync with its title
// until the user takes manual control of it.
package slug

import "strings"

// Make derives a URL-safe slug from a title: lowercase, with every run of
// non-alphanumeric characters collapsed to a single hyphen.
func Make(title string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(title) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !isAlnum {
			if b.Len() > 0 {
				pendingSep = true
			}
			continue
		}
		if pendingSep {
			b.WriteByte('-')
			pendingSep = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Mode says whether the slug tracks the title or is frozen by a user edit.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeManual Mode = "manual"
)

// Tracker is the slug state machine for one editing session.
//
// It starts in auto unless the loaded project already carries a slug that the
// title would not have produced, which means someone customized it earlier.
// Any direct edit moves it to manual for the rest of the session, until an
// explicit reset back to auto.
type Tracker struct {
	mode  Mode
	value string
}

func NewTracker(title, current string) *Tracker {
	t := &Tracker{mode: ModeAuto, value: current}
	if current != "" && current != Make(title) {
		t.mode = ModeManual
	}
	return t
}

func (t *Tracker) Mode() Mode    { return t.mode }
func (t *Tracker) Value() string { return t.value }

// TitleChanged recomputes the slug from the new title while in auto mode.
// It reports whether the slug actually changed.
func (t *Tracker) TitleChanged(title string) bool {
	if t.mode != ModeAuto {
		return false
	}
	next := Make(title)
	if next == t.value {
		return false
	}
	t.value = next
	return true
}

// SetManual records a direct user edit of the slug field.
func (t *Tracker) SetManual(value string) {
	t.mode = ModeManual
	t.value = value
}

// ResetAuto returns the tracker to title-tracking and recomputes immediately.
func (t *Tracker) ResetAuto(title string) string {
	t.mode = ModeAuto
	t.value = Make(title)
	return t.value
}

// Reconcile adopts the authoritative slug returned by a save. The server may
// have adjusted it (collision suffixing the client cannot predict); when the
// value differs the session must navigate to the new path. Reconciliation
// never flips the mode: a server adjustment is not a user edit.
func (t *Tracker) Reconcile(serverSlug string) (navigate bool) {
	if serverSlug == "" || serverSlug == t.value {
		return false
	}
	t.value = serverSlug
	return true
}
