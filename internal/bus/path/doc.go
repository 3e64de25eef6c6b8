// Package path provides hierarchical path types for the data bus.
//
// # Path Format
//
// A path is an ordered sequence of string segments addressing a node in
// the bus's tree:
//
//	["idea"]
//	["idea", "abc"]
//	["session", "42", "cursor"]
//
// # Canonical Form
//
// Paths are canonicalized to a single slash-joined string for refcount
// bookkeeping:
//
//	["idea", "abc"] -> "idea/abc"
//
// Two paths are equal iff their canonical strings are equal. Segments
// may not be empty and may not contain the separator; there is no
// wildcard syntax: every path addresses exactly one node.
//
// # Usage
//
//	p := path.New("idea", "abc")
//	key := p.Canonical() // "idea/abc"
//	parent := p.Parent() // ["idea"]
package path
