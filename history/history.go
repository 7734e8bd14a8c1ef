// Package history implements local undo/redo over the replicated text.
// Only locally originated operations are ever recorded; remote edits are
// never undone by this replica. Undoing a delete restores the retained
// tombstone payload as a brand-new insert, even if another replica has
// concurrently deleted the same element — per-replica undo restores your
// own edit regardless of what others did to it, which can reintroduce
// text a peer intentionally removed. That trade-off is accepted and
// deliberate.
package history

import (
	"errors"
	"sync"
	"time"

	"textsync/common"
	"textsync/crdt"
	"textsync/crdtpatch"
)

// Common errors for history operations.
var (
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrNothingToRedo = errors.New("nothing to redo")
)

// DefaultCoalesceWindow groups consecutive same-kind edits into one
// transaction when they arrive within this interval.
const DefaultCoalesceWindow = 500 * time.Millisecond

// Kind distinguishes insert runs from delete runs; only same-kind edits
// coalesce.
type Kind int

const (
	// KindInsert marks a transaction of locally inserted characters.
	KindInsert Kind = iota + 1
	// KindDelete marks a transaction of locally deleted characters.
	KindDelete
)

// Edit is the editor-visible change produced by applying one step of an
// undo or redo, expressed as an editor delta.
type Edit struct {
	Offset     int
	Inserted   string
	DeletedLen int
}

type txnEntry struct {
	id    common.LogicalTimestamp
	value rune
}

// transaction is one reversible unit: an ordered run of same-kind local
// edits opened within the coalescing window.
type transaction struct {
	kind     Kind
	entries  []txnEntry
	openedAt time.Time
}

// Manager maintains the undo and redo stacks for one session.
type Manager struct {
	mu sync.Mutex

	undoStack []*transaction
	redoStack []*transaction

	window     time.Duration
	maxEntries int
}

// NewManager creates a history manager. A non-positive window falls back
// to DefaultCoalesceWindow; a non-positive maxEntries defaults to 1000.
func NewManager(window time.Duration, maxEntries int) *Manager {
	if window <= 0 {
		window = DefaultCoalesceWindow
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &Manager{
		window:     window,
		maxEntries: maxEntries,
	}
}

// Record adds locally originated elements to the history. If the most
// recent transaction has the same kind and was opened within the
// coalescing window, the elements join it; otherwise a new transaction
// opens. Recording clears the redo stack.
func (m *Manager) Record(kind Kind, elements []crdt.Element) {
	if len(elements) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]txnEntry, len(elements))
	for i, el := range elements {
		entries[i] = txnEntry{id: el.ID, value: el.Value}
	}

	if n := len(m.undoStack); n > 0 {
		top := m.undoStack[n-1]
		if top.kind == kind && time.Since(top.openedAt) <= m.window {
			top.entries = append(top.entries, entries...)
			m.redoStack = nil
			return
		}
	}

	m.undoStack = append(m.undoStack, &transaction{
		kind:     kind,
		entries:  entries,
		openedAt: time.Now(),
	})
	m.redoStack = nil

	if len(m.undoStack) > m.maxEntries {
		excess := len(m.undoStack) - m.maxEntries
		m.undoStack = m.undoStack[excess:]
	}
}

// Undo reverses the most recent transaction. It returns the operations to
// broadcast and the editor deltas to deliver to the local view.
func (m *Manager) Undo(doc *crdt.Document) ([]crdtpatch.Operation, []Edit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.undoStack)
	if n == 0 {
		return nil, nil, ErrNothingToUndo
	}
	txn := m.undoStack[n-1]
	m.undoStack = m.undoStack[:n-1]

	var ops []crdtpatch.Operation
	var edits []Edit
	switch txn.kind {
	case KindInsert:
		ops, edits = removeEntries(doc, txn)
	case KindDelete:
		var aliases map[common.LogicalTimestamp]common.LogicalTimestamp
		ops, edits, aliases = restoreEntries(doc, txn)
		m.applyAliasesLocked(aliases)
	}

	m.redoStack = append(m.redoStack, txn)
	return ops, edits, nil
}

// Redo re-applies the most recently undone transaction.
func (m *Manager) Redo(doc *crdt.Document) ([]crdtpatch.Operation, []Edit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.redoStack)
	if n == 0 {
		return nil, nil, ErrNothingToRedo
	}
	txn := m.redoStack[n-1]
	m.redoStack = m.redoStack[:n-1]

	var ops []crdtpatch.Operation
	var edits []Edit
	switch txn.kind {
	case KindInsert:
		var aliases map[common.LogicalTimestamp]common.LogicalTimestamp
		ops, edits, aliases = restoreEntries(doc, txn)
		m.applyAliasesLocked(aliases)
	case KindDelete:
		ops, edits = removeEntries(doc, txn)
	}

	m.undoStack = append(m.undoStack, txn)
	return ops, edits, nil
}

// CanUndo reports whether the undo stack is non-empty.
func (m *Manager) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undoStack) > 0
}

// CanRedo reports whether the redo stack is non-empty.
func (m *Manager) CanRedo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redoStack) > 0
}

// Clear drops both stacks.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.undoStack = nil
	m.redoStack = nil
}

// removeEntries tombstones the transaction's elements. An entry already
// tombstoned by a concurrent remote delete produces no operation and no
// editor delta.
func removeEntries(doc *crdt.Document, txn *transaction) ([]crdtpatch.Operation, []Edit) {
	var ops []crdtpatch.Operation
	var edits []Edit
	for i := len(txn.entries) - 1; i >= 0; i-- {
		e := txn.entries[i]
		offset, err := doc.MaterializeOffset(e.id)
		if err != nil {
			continue
		}
		applied, err := doc.IntegrateDelete(e.id)
		if err != nil || !applied {
			continue
		}
		ops = append(ops, &crdtpatch.DeleteOperation{
			ID:       doc.NextID(),
			TargetID: e.id,
		})
		edits = append(edits, Edit{Offset: offset, DeletedLen: 1})
	}
	return ops, edits
}

// restoreEntries re-creates the transaction's elements as new inserts
// wedged between their own tombstones and the elements immediately
// following them, so the text reappears exactly where it used to be even
// if concurrent edits shifted the visible offsets. The transaction's
// entries are rewritten to the fresh identifiers, and the old-to-new
// mapping is returned so the Manager can rewrite every other stacked
// transaction that still references the replaced elements.
func restoreEntries(doc *crdt.Document, txn *transaction) ([]crdtpatch.Operation, []Edit, map[common.LogicalTimestamp]common.LogicalTimestamp) {
	var ops []crdtpatch.Operation
	var edits []Edit
	aliases := make(map[common.LogicalTimestamp]common.LogicalTimestamp)
	for i := range txn.entries {
		e := &txn.entries[i]
		right, err := doc.SuccessorID(e.id)
		if err != nil {
			continue
		}

		newID := doc.NextID()
		applied, err := doc.IntegrateInsert(newID, e.value, e.id, right)
		if err != nil || !applied {
			continue
		}
		ops = append(ops, &crdtpatch.InsertOperation{
			ID:          newID,
			Value:       e.value,
			OriginLeft:  e.id,
			OriginRight: right,
		})
		if offset, err := doc.MaterializeOffset(newID); err == nil {
			edits = append(edits, Edit{Offset: offset, Inserted: string(e.value)})
		}
		aliases[e.id] = newID
		e.id = newID
	}
	return ops, edits, aliases
}

// applyAliasesLocked rewrites entries across both stacks after a restore
// re-identified elements. Without this, an older transaction would still
// target the tombstoned originals and a later undo would silently skip
// the restored characters.
func (m *Manager) applyAliasesLocked(aliases map[common.LogicalTimestamp]common.LogicalTimestamp) {
	if len(aliases) == 0 {
		return
	}
	for _, stack := range [][]*transaction{m.undoStack, m.redoStack} {
		for _, txn := range stack {
			for i := range txn.entries {
				if id, ok := aliases[txn.entries[i].id]; ok {
					txn.entries[i].id = id
				}
			}
		}
	}
}
