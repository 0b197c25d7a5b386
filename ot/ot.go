// Package ot implements operational transformation for collaborative
// plain-text editing.
//
// An Operation is an ordered sequence of components applied to a document
// from offset 0 onward:
//   - Retain(n): advance n code units over unchanged text
//   - Insert(s): insert the string s at the current position
//   - Delete(n): remove n code units starting at the current position
//
// All offsets and lengths are measured in UTF-16 code units so that server
// positions match the indexing used by browser-based editors. A character
// outside the Basic Multilingual Plane counts as two units.
//
// Operations are pure values: the package has no state and no I/O. Transform
// resolves concurrent operations so that every participant converges on the
// same document, and Compose merges sequential operations for history
// compaction.
package ot

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"
)

var (
	// ErrBaseLenMismatch is returned when an operation is applied to a
	// document whose length does not match the operation's base length.
	ErrBaseLenMismatch = errors.New("operation base length does not match document length")

	// ErrIncompatibleLengths is returned when two operations passed to
	// Transform or Compose do not fit together.
	ErrIncompatibleLengths = errors.New("incompatible operation lengths")

	// ErrOutOfBounds is returned when a component would step past the end
	// of the document buffer.
	ErrOutOfBounds = errors.New("component exceeds document bounds")

	// ErrInvalidComponent is returned when a wire-format component list
	// contains anything other than non-zero integers and strings.
	ErrInvalidComponent = errors.New("invalid operation component")
)

// Component is a single step of an operation. The three concrete types are
// Retain, Insert and Delete.
type Component interface {
	isComponent()
}

// Retain advances n code units without modifying the document.
type Retain struct {
	N int
}

func (Retain) isComponent() {}

// Insert adds text at the current position.
type Insert struct {
	Text string
}

func (Insert) isComponent() {}

// Delete removes n code units at the current position.
type Delete struct {
	N int
}

func (Delete) isComponent() {}

// Len returns the length of s in UTF-16 code units.
func Len(s string) int {
	n := 0
	for _, r := range s {
		n++
		if r > 0xFFFF {
			n++
		}
	}
	return n
}

// Units converts s to its UTF-16 code unit sequence.
func Units(s string) []uint16 {
	return utf16.Encode([]rune(s))
}

// Text converts a UTF-16 code unit sequence back to a string.
func Text(units []uint16) string {
	return string(utf16.Decode(units))
}

// Operation is a normalized sequence of components together with the
// document length it applies to (base length) and the length it produces
// (target length). The zero value is not usable; construct with New.
type Operation struct {
	comps     []Component
	baseLen   int
	targetLen int
}

// New creates an empty operation. Components are added with the chainable
// Retain, Insert and Delete builder methods, which normalize as they append:
// adjacent same-type components merge, zero-length components are dropped,
// and an Insert is always ordered before an adjacent Delete so that equal
// operations have exactly one representation.
func New() *Operation {
	return &Operation{comps: make([]Component, 0, 8)}
}

// BaseLen returns the document length, in code units, this operation
// applies to.
func (op *Operation) BaseLen() int { return op.baseLen }

// TargetLen returns the document length, in code units, after applying
// this operation.
func (op *Operation) TargetLen() int { return op.targetLen }

// Components returns the underlying component slice. The slice must not be
// mutated by the caller.
func (op *Operation) Components() []Component { return op.comps }

// IsNoop reports whether the operation leaves any document unchanged.
func (op *Operation) IsNoop() bool {
	if len(op.comps) == 0 {
		return true
	}
	if len(op.comps) == 1 {
		_, ok := op.comps[0].(Retain)
		return ok
	}
	return false
}

// Retain appends a retain of n code units.
func (op *Operation) Retain(n int) *Operation {
	if n <= 0 {
		return op
	}
	op.baseLen += n
	op.targetLen += n
	if last := len(op.comps) - 1; last >= 0 {
		if r, ok := op.comps[last].(Retain); ok {
			op.comps[last] = Retain{N: r.N + n}
			return op
		}
	}
	op.comps = append(op.comps, Retain{N: n})
	return op
}

// Insert appends an insertion of s.
func (op *Operation) Insert(s string) *Operation {
	if s == "" {
		return op
	}
	op.targetLen += Len(s)
	n := len(op.comps)
	if n == 0 {
		op.comps = append(op.comps, Insert{Text: s})
		return op
	}
	if ins, ok := op.comps[n-1].(Insert); ok {
		op.comps[n-1] = Insert{Text: ins.Text + s}
		return op
	}
	if _, ok := op.comps[n-1].(Delete); ok {
		// Keep Insert before an adjacent Delete: the pair is order
		// independent and the swap makes the encoding canonical.
		if n >= 2 {
			if ins, ok := op.comps[n-2].(Insert); ok {
				op.comps[n-2] = Insert{Text: ins.Text + s}
				return op
			}
		}
		del := op.comps[n-1]
		op.comps[n-1] = Insert{Text: s}
		op.comps = append(op.comps, del)
		return op
	}
	op.comps = append(op.comps, Insert{Text: s})
	return op
}

// Delete appends a deletion of n code units.
func (op *Operation) Delete(n int) *Operation {
	if n <= 0 {
		return op
	}
	op.baseLen += n
	if last := len(op.comps) - 1; last >= 0 {
		if d, ok := op.comps[last].(Delete); ok {
			op.comps[last] = Delete{N: d.N + n}
			return op
		}
	}
	op.comps = append(op.comps, Delete{N: n})
	return op
}

// add appends any component through the normalizing builders.
func (op *Operation) add(c Component) {
	switch v := c.(type) {
	case Retain:
		op.Retain(v.N)
	case Insert:
		op.Insert(v.Text)
	case Delete:
		op.Delete(v.N)
	}
}

// Apply runs the operation against doc and returns the resulting text.
func (op *Operation) Apply(doc string) (string, error) {
	out, err := op.ApplyUnits(Units(doc))
	if err != nil {
		return "", err
	}
	return Text(out), nil
}

// ApplyUnits runs the operation against a UTF-16 code unit buffer. It fails
// with ErrBaseLenMismatch when the operation is not well-formed for the
// buffer (sum of retains and deletes must equal the buffer length) and with
// ErrOutOfBounds when a component steps past the end of the buffer.
func (op *Operation) ApplyUnits(units []uint16) ([]uint16, error) {
	if op.baseLen != len(units) {
		return nil, fmt.Errorf("%w: base %d, document %d", ErrBaseLenMismatch, op.baseLen, len(units))
	}
	out := make([]uint16, 0, op.targetLen)
	pos := 0
	for _, c := range op.comps {
		switch v := c.(type) {
		case Retain:
			if pos+v.N > len(units) {
				return nil, ErrOutOfBounds
			}
			out = append(out, units[pos:pos+v.N]...)
			pos += v.N
		case Insert:
			out = append(out, Units(v.Text)...)
		case Delete:
			if pos+v.N > len(units) {
				return nil, ErrOutOfBounds
			}
			pos += v.N
		}
	}
	if pos != len(units) {
		return nil, ErrOutOfBounds
	}
	return out, nil
}

// Equals reports whether two operations have identical normalized components.
func (op *Operation) Equals(other *Operation) bool {
	if op.baseLen != other.baseLen || op.targetLen != other.targetLen {
		return false
	}
	if len(op.comps) != len(other.comps) {
		return false
	}
	for i := range op.comps {
		if op.comps[i] != other.comps[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the operation.
func (op *Operation) Clone() *Operation {
	dup := &Operation{
		comps:     make([]Component, len(op.comps)),
		baseLen:   op.baseLen,
		targetLen: op.targetLen,
	}
	copy(dup.comps, op.comps)
	return dup
}

// String renders the operation for logging, e.g. `retain 2, insert "X", delete 1`.
func (op *Operation) String() string {
	parts := make([]string, len(op.comps))
	for i, c := range op.comps {
		switch v := c.(type) {
		case Retain:
			parts[i] = fmt.Sprintf("retain %d", v.N)
		case Insert:
			parts[i] = fmt.Sprintf("insert %q", v.Text)
		case Delete:
			parts[i] = fmt.Sprintf("delete %d", v.N)
		}
	}
	return strings.Join(parts, ", ")
}

// compCursor walks a component slice, allowing a partially consumed
// component to be pushed back during Transform and Compose.
type compCursor struct {
	comps   []Component
	idx     int
	pending Component
}

func newCompCursor(comps []Component) *compCursor {
	return &compCursor{comps: comps}
}

func (c *compCursor) next() Component {
	if c.pending != nil {
		p := c.pending
		c.pending = nil
		return p
	}
	if c.idx < len(c.comps) {
		v := c.comps[c.idx]
		c.idx++
		return v
	}
	return nil
}

// splitText cuts s at the given UTF-16 code unit offset.
func splitText(s string, units int) (head, tail string) {
	u := Units(s)
	return Text(u[:units]), Text(u[units:])
}
