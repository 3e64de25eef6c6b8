package path

import "strings"

// Separator joins segments when a path is canonicalized.
const Separator = "/"

// Path identifies a node in the hierarchical store as an ordered
// sequence of string segments. The zero value is the root path.
//
// Examples: ["idea"], ["idea", "abc"], ["session", "42", "cursor"].
type Path struct {
	segments []string
}

// New builds a path from the given segments.
func New(segments ...string) Path {
	if len(segments) == 0 {
		return Path{}
	}
	segs := make([]string, len(segments))
	copy(segs, segments)
	return Path{segments: segs}
}

// FromString parses a canonical string back into a path.
//
// Example: "idea/abc" -> ["idea", "abc"]
func FromString(s string) Path {
	if s == "" {
		return Path{}
	}
	return Path{segments: strings.Split(s, Separator)}
}

// Canonical returns the segments joined by the separator. Two paths
// are equal iff their canonical strings are equal; refcount bookkeeping
// keys on this string.
func (p Path) Canonical() string {
	return strings.Join(p.segments, Separator)
}

// String returns the canonical form.
func (p Path) String() string {
	return p.Canonical()
}

// Segments returns a copy of the path's segments.
func (p Path) Segments() []string {
	if len(p.segments) == 0 {
		return nil
	}
	segs := make([]string, len(p.segments))
	copy(segs, p.segments)
	return segs
}

// Len returns the number of segments.
func (p Path) Len() int {
	return len(p.segments)
}

// IsRoot returns true for the empty path.
func (p Path) IsRoot() bool {
	return len(p.segments) == 0
}

// Parent returns the path with the last segment removed.
// The parent of the root is the root.
func (p Path) Parent() Path {
	if len(p.segments) == 0 {
		return Path{}
	}
	return New(p.segments[:len(p.segments)-1]...)
}

// Child returns the path with one segment appended.
func (p Path) Child(segment string) Path {
	segs := make([]string, 0, len(p.segments)+1)
	segs = append(segs, p.segments...)
	segs = append(segs, segment)
	return Path{segments: segs}
}

// Base returns the last segment, or "" for the root.
func (p Path) Base() string {
	if len(p.segments) == 0 {
		return ""
	}
	return p.segments[len(p.segments)-1]
}

// Equal returns true if both paths have identical segments.
func (p Path) Equal(other Path) bool {
	if len(p.segments) != len(other.segments) {
		return false
	}
	for i, seg := range p.segments {
		if other.segments[i] != seg {
			return false
		}
	}
	return true
}

// HasPrefix returns true if prefix is an ancestor of (or equal to) p.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix.segments) > len(p.segments) {
		return false
	}
	for i, seg := range prefix.segments {
		if p.segments[i] != seg {
			return false
		}
	}
	return true
}

// IsValid returns true if the path has no empty segments and no segment
// contains the separator. The root path is valid.
func (p Path) IsValid() bool {
	for _, seg := range p.segments {
		if seg == "" || strings.Contains(seg, Separator) {
			return false
		}
	}
	return true
}
