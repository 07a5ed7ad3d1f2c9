package models

import (
	"bytes"
	"encoding/json"
)

// Votes maps candidate names to vote counts and remembers insertion order.
type Votes struct {
	names  []string
	counts map[string]int
}

// NewVotes returns an empty vote mapping.
func NewVotes() *Votes {
	return &Votes{counts: make(map[string]int)}
}

// Set stores count under name. A repeated name keeps its first position.
func (v *Votes) Set(name string, count int) {
	if v.counts == nil {
		v.counts = make(map[string]int)
	}
	if _, ok := v.counts[name]; !ok {
		v.names = append(v.names, name)
	}
	v.counts[name] = count
}

// Get returns the count for name and whether it was present.
func (v *Votes) Get(name string) (int, bool) {
	if v == nil {
		return 0, false
	}
	count, ok := v.counts[name]
	return count, ok
}

// Names returns candidate names in insertion order.
func (v *Votes) Names() []string {
	if v == nil {
		return nil
	}
	out := make([]string, len(v.names))
	copy(out, v.names)
	return out
}

// Len returns the number of candidates.
func (v *Votes) Len() int {
	if v == nil {
		return 0
	}
	return len(v.names)
}

// Clone returns an independent copy.
func (v *Votes) Clone() *Votes {
	out := NewVotes()
	if v == nil {
		return out
	}
	for _, name := range v.names {
		out.Set(name, v.counts[name])
	}
	return out
}

// MarshalJSON encodes the votes as an object preserving insertion order.
func (v *Votes) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if v != nil {
		for i, name := range v.names {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(name)
			if err != nil {
				return nil, err
			}
			buf.Write(key)
			buf.WriteByte(':')
			value, err := json.Marshal(v.counts[name])
			if err != nil {
				return nil, err
			}
			buf.Write(value)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
