package automator

import (
	"strings"
	"unicode"

	"github.com/example/slotwatch/internal/appointment"
)

// normalize lowercases, drops punctuation and collapses whitespace.
func normalize(s string) string {
	var b strings.Builder
	space := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '/':
			b.WriteRune(r)
			space = false
		case !space:
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// Target describes the location the automator has to pick.
type Target struct {
	ID    string
	Names []string
}

func TargetFor(b appointment.PendingBooking) Target {
	t := Target{ID: b.LocationID}
	if b.LocationName != "" {
		t.Names = append(t.Names, b.LocationName)
		// sites often drop the "Global Entry Enrollment Center" tail
		if short, _, ok := strings.Cut(b.LocationName, " Global Entry"); ok && short != "" {
			t.Names = append(t.Names, short)
		}
	}
	return t
}

// Matches reports whether visible text names this location.
func (t Target) Matches(text string) bool {
	n := normalize(text)
	if n == "" {
		return false
	}
	for _, name := range t.Names {
		nn := normalize(name)
		if len(nn) >= 3 && strings.Contains(n, nn) {
			return true
		}
	}
	return t.ID != "" && n == normalize(t.ID)
}

var (
	dateLayouts = []string{
		"Monday, January 2, 2006",
		"January 2, 2006",
		"Jan 2, 2006",
		"Mon Jan 2",
		"January 2",
		"Jan 2",
		"01/02/2006",
		"1/2/2006",
		"2006-01-02",
	}
	timeLayouts = []string{
		"3:04 PM",
		"03:04 PM",
		"3:04PM",
		"15:04",
	}
)

// SlotCandidates are the strings that may identify the booked slot on the page.
type SlotCandidates struct {
	Display string
	Dates   []string
	Times   []string
}

// CandidatesFor renders the slot in the location's zone in every format the
// booking site is known to use.
func CandidatesFor(b appointment.PendingBooking) SlotCandidates {
	ts := b.SlotTimestamp.In(appointment.LoadLocation(b.TimezoneID))
	c := SlotCandidates{Display: b.DisplayText}
	seen := map[string]bool{}
	for _, l := range dateLayouts {
		if s := normalize(ts.Format(l)); !seen[s] {
			seen[s] = true
			c.Dates = append(c.Dates, s)
		}
	}
	for _, l := range timeLayouts {
		if s := normalize(ts.Format(l)); !seen[s] {
			seen[s] = true
			c.Times = append(c.Times, s)
		}
	}
	return c
}

type matchKind int

const (
	noMatch matchKind = iota
	timeOnly
	dateOnly
	fullMatch
)

func (c SlotCandidates) classify(text string) matchKind {
	n := normalize(text)
	if n == "" {
		return noMatch
	}
	if c.Display != "" && strings.Contains(n, normalize(c.Display)) {
		return fullMatch
	}
	hasDate := containsToken(n, c.Dates)
	hasTime := containsToken(n, c.Times)
	switch {
	case hasDate && hasTime:
		return fullMatch
	case hasDate:
		return dateOnly
	case hasTime:
		return timeOnly
	}
	return noMatch
}

// containsToken matches subs only at digit boundaries, so "1:00 pm" does not
// hit "11:00 pm" and "mar 1" does not hit "mar 15".
func containsToken(s string, subs []string) bool {
	for _, x := range subs {
		if x == "" {
			continue
		}
		for i := 0; i < len(s); {
			j := strings.Index(s[i:], x)
			if j < 0 {
				break
			}
			at, end := i+j, i+j+len(x)
			if (at == 0 || !isDigit(s[at-1])) && (end == len(s) || !isDigit(s[end])) {
				return true
			}
			i = at + 1
		}
	}
	return false
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
