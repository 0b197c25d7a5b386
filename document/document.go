// Package document holds the per-document server state: the text buffer,
// the monotonic version counter and the bounded operation history needed to
// transform late arriving client operations.
//
// The text buffer is kept as UTF-16 code units so that every offset in the
// system shares the indexing used by client editors. A Document has no
// internal locking: it is owned and mutated exclusively by one session
// actor.
package document

import (
	"errors"
	"fmt"

	"docsync/ot"
)

var (
	// ErrInvalidOperation is returned when an operation fails
	// well-formedness against the document. The client must resync.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrOutOfBounds is returned when a component steps past the end of
	// the buffer. The client must resync.
	ErrOutOfBounds = errors.New("operation out of bounds")

	// ErrVersionTooOld is returned when the operation's base version has
	// left the history window. The client must resync.
	ErrVersionTooOld = errors.New("base version below history window")

	// ErrFutureVersion is returned when a client claims a base version
	// the server has not produced. The client is broken.
	ErrFutureVersion = errors.New("base version ahead of document")
)

const newline = uint16('\n')

// Document is the authoritative state of one collaborative document.
type Document struct {
	id      string
	units   []uint16
	version uint64
	history *History
	dirty   bool
}

// New creates a document from loaded text and version. window bounds the
// operation history (values below 1 fall back to DefaultHistoryWindow).
func New(id, text string, version uint64, window int) *Document {
	return &Document{
		id:      id,
		units:   ot.Units(text),
		version: version,
		history: NewHistory(window, version),
	}
}

// ID returns the document id.
func (d *Document) ID() string { return d.id }

// Text returns the current text.
func (d *Document) Text() string { return ot.Text(d.units) }

// Version returns the current version.
func (d *Document) Version() uint64 { return d.version }

// Len returns the current length in UTF-16 code units.
func (d *Document) Len() int { return len(d.units) }

// History returns the operation history window.
func (d *Document) History() *History { return d.history }

// Dirty reports whether the document changed since the last MarkClean.
func (d *Document) Dirty() bool { return d.dirty }

// MarkClean clears the dirty flag after a successful persist.
func (d *Document) MarkClean() { d.dirty = false }

// Snapshot returns the text and version to persist together.
func (d *Document) Snapshot() (string, uint64) { return d.Text(), d.version }

// ApplyClient transforms and applies a client operation that was authored
// against baseVersion:
//
//  1. A base version ahead of the document fails with ErrFutureVersion.
//  2. A base version behind the history window fails with ErrVersionTooOld.
//  3. The operation is transformed against every history entry newer than
//     baseVersion, in order. When an entry and the operation insert at the
//     same position, the lexicographically smaller author id goes first.
//  4. The transformed operation is applied, the version is incremented by
//     one and the history is extended.
//
// On success it returns the transformed operation and the new version; the
// returned operation is what peers must apply on top of their state at the
// previous version.
func (d *Document) ApplyClient(op *ot.Operation, authorID string, baseVersion uint64) (*ot.Operation, uint64, error) {
	if op == nil {
		return nil, 0, ErrInvalidOperation
	}
	if baseVersion > d.version {
		return nil, 0, fmt.Errorf("%w: base %d, current %d", ErrFutureVersion, baseVersion, d.version)
	}
	missing, ok := d.history.Since(baseVersion)
	if !ok {
		return nil, 0, fmt.Errorf("%w: base %d, window floor %d", ErrVersionTooOld, baseVersion, d.history.Floor())
	}

	transformed := op
	var err error
	for _, entry := range missing {
		if authorID < entry.AuthorID {
			transformed, _, err = ot.Transform(transformed, entry.Op)
		} else {
			_, transformed, err = ot.Transform(entry.Op, transformed)
		}
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
		}
	}

	units, err := transformed.ApplyUnits(d.units)
	if err != nil {
		if errors.Is(err, ot.ErrOutOfBounds) {
			return nil, 0, fmt.Errorf("%w: %v", ErrOutOfBounds, err)
		}
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}

	d.units = units
	d.version++
	d.history.Append(d.version, transformed, authorID)
	d.dirty = true
	return transformed, d.version, nil
}

// OffsetOf converts a line and column into an absolute code unit offset.
// Line starts are resolved against the current text; the line is clamped to
// the last line and the column to the line's length.
func (d *Document) OffsetOf(line, column int) int {
	if line < 0 {
		line = 0
	}
	if column < 0 {
		column = 0
	}
	start := 0
	for start < len(d.units) && line > 0 {
		if d.units[start] == newline {
			line--
		}
		start++
	}
	end := start
	for end < len(d.units) && d.units[end] != newline {
		end++
	}
	if column > end-start {
		column = end - start
	}
	return start + column
}

// PositionAt converts an absolute code unit offset into a line and column.
func (d *Document) PositionAt(offset int) (line, column int) {
	if offset > len(d.units) {
		offset = len(d.units)
	}
	for i := 0; i < offset; i++ {
		if d.units[i] == newline {
			line++
			column = 0
		} else {
			column++
		}
	}
	return line, column
}

// RebaseOffset maps a cursor offset reported at fromVersion onto the
// current version by transforming it through every intervening operation.
// Presence is advisory: when fromVersion has left the history window the
// offset is clamped into the current document instead of failing.
func (d *Document) RebaseOffset(offset int, fromVersion uint64) int {
	if offset < 0 {
		offset = 0
	}
	entries, ok := d.history.Since(fromVersion)
	if ok && len(entries) > 0 {
		// The reported offset lives in the coordinate space of
		// fromVersion, whose length is the first entry's base length.
		if base := entries[0].Op.BaseLen(); offset > base {
			offset = base
		}
		for _, e := range entries {
			offset = ot.TransformIndex(e.Op, offset)
		}
	}
	if offset > len(d.units) {
		offset = len(d.units)
	}
	return offset
}

// Rebase maps a line/column position reported at fromVersion onto the
// current version.
func (d *Document) Rebase(line, column int, fromVersion uint64) (int, int) {
	return d.PositionAt(d.RebaseOffset(d.OffsetOf(line, column), fromVersion))
}
