package module

import (
	"fmt"
	"sort"
	"strings"
)

// Type is the role a module plays in a stream.
type Type string

const (
	TypeSource    Type = "source"
	TypeProcessor Type = "processor"
	TypeSink      Type = "sink"
	// TypeJob only appears in the primitive catalog. Composites never resolve to it.
	TypeJob Type = "job"
)

// Types lists every module type in rank order.
var Types = []Type{TypeSource, TypeProcessor, TypeSink, TypeJob}

// ParseType converts a case-insensitive type name.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w %q (want one of source, processor, sink, job)", ErrInvalidType, s)
	}
	return t, nil
}

// Valid reports whether t is one of the known types.
func (t Type) Valid() bool {
	return t.Rank() >= 0
}

// Rank is the position of t in the fixed order source < processor < sink < job.
// Unknown types rank -1.
func (t Type) Rank() int {
	switch t {
	case TypeSource:
		return 0
	case TypeProcessor:
		return 1
	case TypeSink:
		return 2
	case TypeJob:
		return 3
	}
	return -1
}

func (t Type) String() string { return string(t) }

// Reference identifies a module by name and type.
type Reference struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
}

// Ref is shorthand for Reference{Name: name, Type: t}.
func Ref(name string, t Type) Reference {
	return Reference{Name: name, Type: t}
}

// Key returns the "type:name" identity of the reference.
func (r Reference) Key() string {
	return Key(r.Name, r.Type)
}

func (r Reference) String() string { return r.Key() }

// Key builds the "type:name" identity used for storage keys and dependency edges.
func Key(name string, t Type) string {
	return string(t) + ":" + name
}

// ParseKey splits a "type:name" identity.
func ParseKey(key string) (Reference, error) {
	typ, name, ok := strings.Cut(key, ":")
	if !ok || name == "" {
		return Reference{}, fmt.Errorf("malformed module key %q", key)
	}
	t, err := ParseType(typ)
	if err != nil {
		return Reference{}, err
	}
	return Reference{Name: name, Type: t}, nil
}

// Less orders references by type rank, then by name.
func Less(a, b Reference) bool {
	if a.Type.Rank() != b.Type.Rank() {
		return a.Type.Rank() < b.Type.Rank()
	}
	return a.Name < b.Name
}

// SortReferences returns a sorted copy of refs. The input is left untouched.
func SortReferences(refs []Reference) []Reference {
	out := append([]Reference(nil), refs...)
	sort.SliceStable(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}
