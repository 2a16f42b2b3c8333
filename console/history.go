package console

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrEventNotFound = errors.New("event not found")

// History numbers entered lines from 1 and expands '!' references to them.
type History struct {
	entries []string
	first   int
	max     int
}

func NewHistory(max int) *History {
	if max <= 0 {
		max = 500
	}
	return &History{first: 1, max: max}
}

func (h *History) Add(line string) {
	if line == "" {
		return
	}
	h.entries = append(h.entries, line)
	if len(h.entries) > h.max {
		drop := len(h.entries) - h.max
		h.entries = h.entries[drop:]
		h.first += drop
	}
}

// Len is the number of the most recent entry.
func (h *History) Len() int {
	return h.first + len(h.entries) - 1
}

// Lines returns the retained entries prefixed with their numbers.
func (h *History) Lines() []string {
	out := make([]string, len(h.entries))
	for i, e := range h.entries {
		out[i] = fmt.Sprintf("%5d  %s", h.first+i, e)
	}
	return out
}

// Expand resolves a leading history reference:
//
//	! or !!   the previous line
//	!N        line number N
//	!-N       the Nth previous line
//	!prefix   the most recent line starting with prefix
//
// Anything after the reference is appended. Lines not starting with '!'
// come back unchanged.
func (h *History) Expand(line string) (string, error) {
	if !strings.HasPrefix(line, "!") {
		return line, nil
	}
	ref, rest, _ := strings.Cut(line[1:], " ")
	if rest != "" {
		rest = " " + rest
	}
	var (
		found string
		ok    bool
	)
	switch {
	case ref == "" || ref == "!":
		found, ok = h.at(h.Len())
	case strings.HasPrefix(ref, "-"):
		if n, err := strconv.Atoi(ref[1:]); err == nil && n > 0 {
			found, ok = h.at(h.Len() - n + 1)
		}
	default:
		if n, err := strconv.Atoi(ref); err == nil {
			found, ok = h.at(n)
		} else {
			found, ok = h.latest(ref)
		}
	}
	if !ok {
		return "", fmt.Errorf("!%s: %w", ref, ErrEventNotFound)
	}
	return found + rest, nil
}

func (h *History) at(n int) (string, bool) {
	i := n - h.first
	if i < 0 || i >= len(h.entries) {
		return "", false
	}
	return h.entries[i], true
}

func (h *History) latest(prefix string) (string, bool) {
	prefix = strings.ToLower(prefix)
	for i := len(h.entries) - 1; i >= 0; i-- {
		if strings.HasPrefix(strings.ToLower(h.entries[i]), prefix) {
			return h.entries[i], true
		}
	}
	return "", false
}
