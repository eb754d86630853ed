package model

import "strings"

// Nesting tracks the qualified-name prefix built by StepInto and StepOut.
type Nesting struct {
	separator string
	segments  []string
}

func NewNesting(separator string) *Nesting {
	return &Nesting{separator: separator}
}

// Push appends one segment to the prefix.
func (n *Nesting) Push(segment string) {
	n.segments = append(n.segments, segment)
}

// Pop removes the innermost segment. It reports false when already at the root.
func (n *Nesting) Pop() bool {
	if len(n.segments) == 0 {
		return false
	}
	n.segments = n.segments[:len(n.segments)-1]
	return true
}

func (n *Nesting) Depth() int {
	return len(n.segments)
}

func (n *Nesting) Reset() {
	n.segments = n.segments[:0]
}

// Prefix returns the joined segments, empty at the root.
func (n *Nesting) Prefix() string {
	return strings.Join(n.segments, n.separator)
}

// Resolve qualifies qName with the current prefix.
func (n *Nesting) Resolve(qName string) string {
	if len(n.segments) == 0 {
		return qName
	}
	if qName == "" {
		return n.Prefix()
	}
	return n.Prefix() + n.separator + qName
}
