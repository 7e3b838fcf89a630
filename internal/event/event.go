// Package event validates the structured event labels used across logs,
// audit entries, and progress callbacks.
//
// A label is UPPER_SNAKE_CASE with at least two components, at most 50
// characters, and its final component must be one of the canonical
// past-participle terminators. Labels are created through Name or MustName
// so the lint pass (see lint.go) can verify every label in the tree.
package event

import (
	"fmt"
	"regexp"
	"slices"
)

// MaxLen is the maximum length of an event label.
const MaxLen = 50

var shapeRe = regexp.MustCompile(`^[A-Z][A-Z0-9]*(_[A-Z0-9]+)+$`)

// terminators is the approved past-participle vocabulary. REMOVED exists in
// older label sets but is excluded here: the no-mutation policy leaves
// nothing for it to describe. TRANSITIONED is a deliberate vocabulary
// addition carried by the job status audit trail.
var terminators = []string{
	"ADDED",
	"APPENDED",
	"BLOCKED",
	"CANCELLED",
	"COMPLETED",
	"DETECTED",
	"DISPATCHED",
	"ENQUEUED",
	"FAILED",
	"INITIALIZED",
	"RESUMED",
	"ROUTED",
	"SKIPPED",
	"STARTED",
	"THROTTLED",
	"TRANSITIONED",
	"VALIDATED",
	"VERIFIED",
}

// Name is a validated event label.
type Name string

func (n Name) String() string { return string(n) }

// Canonical returns the approved terminator vocabulary, sorted.
func Canonical() []string {
	return slices.Clone(terminators)
}

// Validate checks shape, length, component count, and terminator.
func Validate(label string) error {
	if len(label) > MaxLen {
		return fmt.Errorf("event label %q exceeds %d characters", label, MaxLen)
	}
	if !shapeRe.MatchString(label) {
		return fmt.Errorf("event label %q is not UPPER_SNAKE_CASE with two or more components", label)
	}
	idx := lastUnderscore(label)
	final := label[idx+1:]
	if !slices.Contains(terminators, final) {
		return fmt.Errorf("event label %q does not end in a canonical terminator (got %q)", label, final)
	}
	return nil
}

// Valid reports whether label passes Validate.
func Valid(label string) bool {
	return Validate(label) == nil
}

// NewName validates label and returns it as a Name.
func NewName(label string) (Name, error) {
	if err := Validate(label); err != nil {
		return "", err
	}
	return Name(label), nil
}

// MustName is NewName for labels fixed at startup. It panics on an invalid
// label; the lint pass catches these before they can panic in production.
func MustName(label string) Name {
	n, err := NewName(label)
	if err != nil {
		panic(err)
	}
	return n
}

func lastUnderscore(label string) int {
	for i := len(label) - 1; i >= 0; i-- {
		if label[i] == '_' {
			return i
		}
	}
	return -1
}
