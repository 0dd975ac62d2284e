// Package scope names the tiers a model selection can apply to.
package scope

import (
	"fmt"
	"strings"
)

// Scope is a single persistence tier.
type Scope string

const (
	Session Scope = "session" // process lifetime, not persisted
	User    Scope = "user"
	Room    Scope = "room"
	Global  Scope = "global" // alias for the session-wide default
	All     Scope = "all"
)

var order = []Scope{Session, User, Room, Global, All}

// Set is a combination of scopes, e.g. "user+session".
type Set uint8

func bit(s Scope) Set {
	for i, o := range order {
		if o == s {
			return 1 << i
		}
	}
	return 0
}

// Of builds a set from scopes. Unknown scopes are ignored.
func Of(scopes ...Scope) Set {
	var s Set
	for _, sc := range scopes {
		s |= bit(sc)
	}
	return s
}

// Has reports whether sc is a member of the set.
func (s Set) Has(sc Scope) bool {
	b := bit(sc)
	return b != 0 && s&b != 0
}

// SessionTier reports whether the set touches the in-process session default.
func (s Set) SessionTier() bool {
	return s.Has(Session) || s.Has(Global) || s.Has(All)
}

// Empty reports whether no scope is set.
func (s Set) Empty() bool { return s == 0 }

// Scopes returns members in canonical order.
func (s Set) Scopes() []Scope {
	var out []Scope
	for _, o := range order {
		if s.Has(o) {
			out = append(out, o)
		}
	}
	return out
}

func (s Set) String() string {
	parts := make([]string, 0, len(order))
	for _, sc := range s.Scopes() {
		parts = append(parts, string(sc))
	}
	return strings.Join(parts, "+")
}

// Parse reads "user", "user+session", "room,user" or "all".
// An empty string yields the session scope.
func Parse(s string) (Set, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return Of(Session), nil
	}
	var set Set
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '+' || r == ',' || r == ' ' }) {
		b := bit(Scope(part))
		if b == 0 {
			return 0, fmt.Errorf("unknown scope %q", part)
		}
		set |= b
	}
	return set, nil
}
