// Package policy holds the non-risk gates: which symbols may trade and when.
package policy

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingAllowlist = errors.New("policy allowlist is not configured")
	ErrMissingWindow    = errors.New("trading window is not configured")
	ErrInvalidWindow    = errors.New("invalid trading window")
)

var windowRe = regexp.MustCompile(`(?i)^(\d{2}):(\d{2})-(\d{2}):(\d{2})(?:\s+UTC)?$`)

// FilterSymbols keeps the symbols present in allowlist, in input order.
// A nil allowlist is a configuration error; an empty one allows everything.
func FilterSymbols(symbols, allowlist []string) ([]string, error) {
	if allowlist == nil {
		return nil, ErrMissingAllowlist
	}
	if len(allowlist) == 0 {
		return append([]string{}, symbols...), nil
	}

	allowed := make(map[string]struct{}, len(allowlist))
	for _, s := range allowlist {
		allowed[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if _, ok := allowed[strings.ToUpper(s)]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// Window is a daily UTC interval in minutes since midnight. Start > End
// means the window spans midnight.
type Window struct {
	Start int
	End   int
}

// ParseWindow reads "HH:MM-HH:MM", optionally suffixed with " UTC".
func ParseWindow(expr string) (Window, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Window{}, ErrMissingWindow
	}
	m := windowRe.FindStringSubmatch(expr)
	if m == nil {
		return Window{}, fmt.Errorf("%w: %q", ErrInvalidWindow, expr)
	}
	parts := make([]int, 4)
	for i := range parts {
		parts[i], _ = strconv.Atoi(m[i+1])
	}
	if parts[0] > 23 || parts[2] > 23 || parts[1] > 59 || parts[3] > 59 {
		return Window{}, fmt.Errorf("%w: %q", ErrInvalidWindow, expr)
	}
	return Window{Start: parts[0]*60 + parts[1], End: parts[2]*60 + parts[3]}, nil
}

// Contains reports whether t (converted to UTC) falls in the window. Both
// bounds are inclusive.
func (w Window) Contains(t time.Time) bool {
	t = t.UTC()
	m := t.Hour()*60 + t.Minute()
	if w.Start <= w.End {
		return m >= w.Start && m <= w.End
	}
	return m >= w.Start || m <= w.End
}

func (w Window) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d UTC", w.Start/60, w.Start%60, w.End/60, w.End%60)
}

// WindowOpen parses expr and checks now against it.
func WindowOpen(now time.Time, expr string) (bool, error) {
	w, err := ParseWindow(expr)
	if err != nil {
		return false, err
	}
	return w.Contains(now), nil
}
