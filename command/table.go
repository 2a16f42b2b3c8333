// Package command holds the verb table shared by every agent and the
// dispatcher that runs one command to completion and shapes its reply.
package command

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/w1xm/instrument_interface/wire"
)

// Request is what a handler receives.
type Request struct {
	Verb   string
	Args   string
	Origin Origin
}

// Fields splits the argument text on white space.
func (r Request) Fields() []string {
	return strings.Fields(r.Args)
}

// Executive reports whether the request carries executive privilege.
func (r Request) Executive() bool {
	return r.Origin.Executive()
}

// Handler runs one command.
type Handler func(ctx context.Context, req Request) Outcome

// Entry registers a verb. An empty Usage hides the verb from help while
// keeping it dispatchable.
type Entry struct {
	Verb        string
	Handler     Handler
	Usage       string
	Description string
	// Executive restricts the verb to executive origins.
	Executive bool
}

// Table maps verbs to entries. It is read-only once built.
type Table struct {
	entries map[string]Entry
}

// NewTable builds a table from entries plus the built-in help verb.
// Verbs are matched case-insensitively; duplicates are rejected.
func NewTable(entries ...Entry) (*Table, error) {
	t := &Table{entries: make(map[string]Entry, len(entries)+1)}
	all := append(append([]Entry(nil), entries...), t.helpEntry())
	for _, e := range all {
		key := strings.ToLower(strings.TrimSpace(e.Verb))
		if key == "" || strings.ContainsAny(key, " \t") {
			return nil, fmt.Errorf("invalid verb %q", e.Verb)
		}
		if e.Handler == nil {
			return nil, fmt.Errorf("verb %q has no handler", e.Verb)
		}
		if _, ok := t.entries[key]; ok {
			return nil, fmt.Errorf("duplicate verb %q", e.Verb)
		}
		t.entries[key] = e
	}
	return t, nil
}

// Lookup finds the entry for verb. There is no abbreviation matching.
func (t *Table) Lookup(verb string) (Entry, bool) {
	e, ok := t.entries[strings.ToLower(verb)]
	return e, ok
}

// Entries returns the visible entries sorted by verb.
func (t *Table) Entries() []Entry {
	var out []Entry
	for _, e := range t.entries {
		if e.Usage != "" {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Verb) < strings.ToLower(out[j].Verb)
	})
	return out
}

func (t *Table) helpEntry() Entry {
	return Entry{
		Verb:        "help",
		Usage:       "help [verb]",
		Description: "list commands, or show the usage of one",
		Handler: func(ctx context.Context, req Request) Outcome {
			verb, _ := wire.SplitVerb(req.Args)
			if verb == "" {
				var lines []string
				for _, e := range t.Entries() {
					lines = append(lines, fmt.Sprintf("%-28s %s", e.Usage, e.Description))
				}
				return OK(strings.Join(lines, "\n"))
			}
			e, ok := t.Lookup(verb)
			if !ok || e.Usage == "" {
				return Errorf(CodeUnknownVerb, "unknown command")
			}
			text := "usage: " + e.Usage
			if e.Description != "" {
				text += "\n" + e.Description
			}
			if e.Executive {
				text += "\n(executive only)"
			}
			return OK(text)
		},
	}
}
