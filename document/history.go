package document

import (
	"docsync/ot"
)

// DefaultHistoryWindow is the number of recent operations kept
// transformable. A client whose base version falls behind the window is
// forced to resync from a full snapshot.
const DefaultHistoryWindow = 2000

// Entry is one applied operation. Version is the document version the
// operation produced; the operation is immutable once appended.
type Entry struct {
	Version  uint64
	Op       *ot.Operation
	AuthorID string
}

// History is the bounded deque of recently applied operations. Entries are
// contiguous and ascending by version. When the deque overflows its window
// the oldest entries are compacted: composed onto a single prefix operation
// and dropped from the transformable range.
type History struct {
	window    int
	head      uint64
	entries   []Entry
	compacted *ot.Operation
}

// NewHistory creates an empty history for a document currently at version
// head. window values below 1 fall back to DefaultHistoryWindow.
func NewHistory(window int, head uint64) *History {
	if window < 1 {
		window = DefaultHistoryWindow
	}
	return &History{
		window:  window,
		head:    head,
		entries: make([]Entry, 0, 64),
	}
}

// Head returns the newest version covered by the history.
func (h *History) Head() uint64 { return h.head }

// Floor returns the oldest base version that can still be transformed.
func (h *History) Floor() uint64 { return h.head - uint64(len(h.entries)) }

// Len returns the number of individually transformable entries.
func (h *History) Len() int { return len(h.entries) }

// Window returns the configured retention window.
func (h *History) Window() int { return h.window }

// Compacted returns the composed prefix of all evicted entries, or nil if
// nothing has been evicted yet. Applying it to the text the history started
// from yields the text at Floor().
func (h *History) Compacted() *ot.Operation { return h.compacted }

// Append records an applied operation. version must be exactly Head()+1;
// the document guarantees this by construction.
func (h *History) Append(version uint64, op *ot.Operation, authorID string) {
	h.entries = append(h.entries, Entry{Version: version, Op: op, AuthorID: authorID})
	h.head = version
	if overflow := len(h.entries) - h.window; overflow > 0 {
		h.compact(overflow)
	}
}

// Since returns the entries strictly newer than base, oldest first. ok is
// false when base is ahead of the history or behind its floor.
func (h *History) Since(base uint64) ([]Entry, bool) {
	if base > h.head {
		return nil, false
	}
	if base == h.head {
		return nil, true
	}
	first := h.head - uint64(len(h.entries)) + 1
	if base+1 < first {
		return nil, false
	}
	return h.entries[base+1-first:], true
}

// compact evicts the oldest n entries, folding them into the composed
// prefix. A contiguous history always composes; if it ever does not, the
// entries are corrupt and the prefix trail is abandoned instead of kept
// wrong.
func (h *History) compact(n int) {
	prefix := h.compacted
	broken := false
	for _, e := range h.entries[:n] {
		if broken {
			continue
		}
		if prefix == nil {
			prefix = e.Op
			continue
		}
		composed, err := ot.Compose(prefix, e.Op)
		if err != nil {
			broken = true
			prefix = nil
			continue
		}
		prefix = composed
	}
	h.compacted = prefix
	h.entries = h.entries[n:]
}
