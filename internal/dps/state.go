package dps

import (
	"fmt"
	"sort"
)

// ID identifies a data point slot on a device. Device firmwares number
// their slots ("1", "2", "101"); the identifier is kept as the string the
// protocol uses on the wire.
type ID string

// State maps data point identifiers to values.
type State map[ID]Value

// Clone returns a shallow copy of s. A nil State clones to an empty one.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Merge returns a new State holding s overlaid with other.
// Keys present in both take the value from other.
func (s State) Merge(other State) State {
	out := make(State, len(s)+len(other))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Has reports whether id is present.
func (s State) Has(id ID) bool {
	_, ok := s[id]
	return ok
}

// Equal reports whether s and other hold exactly the same entries.
func (s State) Equal(other State) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// IDs returns the identifiers in s in ascending order. Numeric
// identifiers sort numerically ("2" before "10").
func (s State) IDs() []ID {
	ids := make([]ID, 0, len(s))
	for k := range s {
		ids = append(ids, k)
	}
	sort.Slice(ids, func(i, j int) bool { return lessID(ids[i], ids[j]) })
	return ids
}

func lessID(a, b ID) bool {
	if len(a) != len(b) && isDigits(a) && isDigits(b) {
		return len(a) < len(b)
	}
	return a < b
}

func isDigits(id ID) bool {
	if id == "" {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return false
		}
	}
	return true
}

// FromMap converts a map of raw scalars (decoded JSON or YAML) into a State.
func FromMap(raw map[string]any) (State, error) {
	out := make(State, len(raw))
	for k, rv := range raw {
		v, err := FromAny(rv)
		if err != nil {
			return nil, fmt.Errorf("dp %s: %w", k, err)
		}
		out[ID(k)] = v
	}
	return out, nil
}

// ToMap converts s into plain Go values keyed by string, suitable for
// JSON encoding or persistence.
func (s State) ToMap() map[string]any {
	out := make(map[string]any, len(s))
	for k, v := range s {
		out[string(k)] = v.Interface()
	}
	return out
}
