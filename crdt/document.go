// Package crdt implements the replicated plain-text sequence.
//
// A Document is an ordered arena of elements, one per inserted character.
// Deleted elements are kept as tombstones so that concurrent operations
// referencing them by identifier remain resolvable; this is the invariant
// that makes uncoordinated merging converge. Tombstones are never
// compacted: bounding their growth would require knowing that every
// replica has observed them, which needs a protocol this package does not
// define.
package crdt

import (
	"strings"
	"sync"

	"textsync/common"
)

// Element is one unit of the replicated sequence: a character, its
// identifier, the identifiers of its visible neighbors at insertion time,
// and a tombstone flag. The character value is retained after deletion so
// a local undo can restore it.
type Element struct {
	ID          common.LogicalTimestamp
	Value       rune
	OriginLeft  common.LogicalTimestamp
	OriginRight common.LogicalTimestamp
	Deleted     bool
}

// Document is one replica's copy of a collaborative room's text,
// including tombstones. All mutations go through the local-edit and
// integrate methods; both paths use the same placement algorithm so a
// replica agrees with itself.
type Document struct {
	mu sync.RWMutex

	// sid is the owning replica's session ID.
	sid common.SessionID

	// clock is the replica's monotonic counter for identifier assignment.
	clock uint64

	// elements is the arena, in document order, tombstones included.
	elements []*Element

	// index maps element identifiers to their arena position.
	index map[common.LogicalTimestamp]int
}

// NewDocument creates an empty document owned by the given replica.
func NewDocument(sid common.SessionID) *Document {
	return &Document{
		sid:      sid,
		elements: make([]*Element, 0),
		index:    make(map[common.LogicalTimestamp]int),
	}
}

// SessionID returns the owning replica's session ID.
func (d *Document) SessionID() common.SessionID {
	return d.sid
}

// NextID returns a fresh identifier for a locally created element.
// Monotonic per replica, never reused.
func (d *Document) NextID() common.LogicalTimestamp {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nextIDLocked()
}

func (d *Document) nextIDLocked() common.LogicalTimestamp {
	d.clock++
	return common.LogicalTimestamp{SID: d.sid, Counter: d.clock}
}

// LocalInsert inserts text at a visible offset, assigning fresh
// identifiers and recording the visible neighbors as origins. It returns
// the created elements in document order so the caller can build
// operations for broadcast and record the edit for undo.
func (d *Document) LocalInsert(offset int, text string) ([]Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	visible := d.visibleLengthLocked()
	if offset < 0 || offset > visible {
		return nil, common.ErrOutOfRange{Offset: offset, Length: visible}
	}

	left, right := d.neighborsLocked(offset)

	created := make([]Element, 0, len(text))
	prev := left
	for _, r := range text {
		id := d.nextIDLocked()
		if _, err := d.integrateInsertLocked(id, r, prev, right); err != nil {
			return nil, err
		}
		created = append(created, Element{
			ID:          id,
			Value:       r,
			OriginLeft:  prev,
			OriginRight: right,
		})
		prev = id
	}
	return created, nil
}

// LocalDelete tombstones count visible elements starting at offset and
// returns them (with their retained character values) in document order.
func (d *Document) LocalDelete(offset, count int) ([]Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	visible := d.visibleLengthLocked()
	if offset < 0 || count < 0 || offset+count > visible {
		return nil, common.ErrOutOfRange{Offset: offset + count, Length: visible}
	}

	deleted := make([]Element, 0, count)
	seen := 0
	for _, el := range d.elements {
		if el.Deleted {
			continue
		}
		if seen >= offset && len(deleted) < count {
			el.Deleted = true
			deleted = append(deleted, *el)
		}
		seen++
		if len(deleted) == count {
			break
		}
	}
	return deleted, nil
}

// IntegrateInsert applies a remote insert. It reports whether the
// document changed: re-delivery of an already-integrated element is a
// no-op, not an error. A dangling origin reference yields
// common.ErrUnknownOrigin so the caller can buffer and retry.
func (d *Document) IntegrateInsert(id common.LogicalTimestamp, value rune, originLeft, originRight common.LogicalTimestamp) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.integrateInsertLocked(id, value, originLeft, originRight)
}

// integrateInsertLocked places an element between its origins.
//
// The scan starts just after origin_left and resolves conflicts with the
// YATA rules. An element sharing our left origin is a concurrent
// sibling: a lower identifier sorts before us, and if it also shares our
// right origin the scan can stop, because everything beyond it is
// transitively later. An element anchored to something inside the
// scanned region belongs to a sibling's run and moves with it; the
// insertion point advances past such a run only once its head is no
// longer contested. An element anchored before our left origin ends the
// scan. Running the same rules on every replica yields the same total
// order regardless of delivery order, including when a replica
// integrates one concurrent run before learning of another.
func (d *Document) integrateInsertLocked(id common.LogicalTimestamp, value rune, originLeft, originRight common.LogicalTimestamp) (bool, error) {
	if _, ok := d.index[id]; ok {
		return false, nil
	}

	leftPos := -1
	if !originLeft.IsNil() {
		p, ok := d.index[originLeft]
		if !ok {
			return false, common.ErrUnknownOrigin{ID: originLeft}
		}
		leftPos = p
	}

	rightPos := len(d.elements)
	if !originRight.IsNil() {
		p, ok := d.index[originRight]
		if !ok {
			return false, common.ErrUnknownOrigin{ID: originRight}
		}
		rightPos = p
	}

	if rightPos <= leftPos {
		return false, common.ErrInvalidOperation{Message: "origin_right precedes origin_left"}
	}

	pos := leftPos + 1
	scanned := make(map[common.LogicalTimestamp]struct{})
	conflicting := make(map[common.LogicalTimestamp]struct{})
	for i := leftPos + 1; i < rightPos; i++ {
		x := d.elements[i]
		scanned[x.ID] = struct{}{}
		conflicting[x.ID] = struct{}{}
		if x.OriginLeft.Compare(originLeft) == 0 {
			if x.ID.Compare(id) < 0 {
				pos = i + 1
				conflicting = make(map[common.LogicalTimestamp]struct{})
			} else if x.OriginRight.Compare(originRight) == 0 {
				break
			}
		} else if _, ok := scanned[x.OriginLeft]; ok {
			if _, ok := conflicting[x.OriginLeft]; !ok {
				pos = i + 1
				conflicting = make(map[common.LogicalTimestamp]struct{})
			}
		} else {
			break
		}
	}

	el := &Element{
		ID:          id,
		Value:       value,
		OriginLeft:  originLeft,
		OriginRight: originRight,
	}
	d.elements = append(d.elements, nil)
	copy(d.elements[pos+1:], d.elements[pos:])
	d.elements[pos] = el
	d.reindexFromLocked(pos)

	return true, nil
}

// IntegrateDelete applies a remote delete. Deleting an element that is
// already a tombstone is a no-op; deleting an element never seen locally
// yields common.ErrUnknownOrigin.
func (d *Document) IntegrateDelete(target common.LogicalTimestamp) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.index[target]
	if !ok {
		return false, common.ErrUnknownOrigin{ID: target}
	}
	if d.elements[p].Deleted {
		return false, nil
	}
	d.elements[p].Deleted = true
	return true, nil
}

// VisibleText returns the materialized text with tombstones filtered out.
func (d *Document) VisibleText() string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var b strings.Builder
	for _, el := range d.elements {
		if !el.Deleted {
			b.WriteRune(el.Value)
		}
	}
	return b.String()
}

// VisibleLength returns the number of visible characters.
func (d *Document) VisibleLength() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.visibleLengthLocked()
}

// ElementCount returns the total number of elements, tombstones included.
func (d *Document) ElementCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.elements)
}

// Element returns a copy of the element with the given identifier.
func (d *Document) Element(id common.LogicalTimestamp) (Element, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.index[id]
	if !ok {
		return Element{}, false
	}
	return *d.elements[p], true
}

// SuccessorID returns the identifier of the element immediately after
// the given one in document order, tombstones included, or NilID when
// the element is last.
func (d *Document) SuccessorID(id common.LogicalTimestamp) (common.LogicalTimestamp, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.index[id]
	if !ok {
		return common.NilID, common.ErrElementNotFound{ID: id}
	}
	if p+1 >= len(d.elements) {
		return common.NilID, nil
	}
	return d.elements[p+1].ID, nil
}

// MaterializeOffset translates an element identifier into the visible
// offset it occupies. For a tombstoned element the offset of its former
// position is returned, so cursors anchored to a deleted character stay
// where that character used to be.
func (d *Document) MaterializeOffset(id common.LogicalTimestamp) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.index[id]
	if !ok {
		return 0, common.ErrElementNotFound{ID: id}
	}
	offset := 0
	for _, el := range d.elements[:p] {
		if !el.Deleted {
			offset++
		}
	}
	return offset, nil
}

// IDAtVisibleOffset returns the identifier of the visible element at the
// given offset. The offset equal to the visible length maps to NilID (the
// end-of-document anchor).
func (d *Document) IDAtVisibleOffset(offset int) (common.LogicalTimestamp, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	visible := d.visibleLengthLocked()
	if offset < 0 || offset > visible {
		return common.NilID, common.ErrOutOfRange{Offset: offset, Length: visible}
	}
	if offset == visible {
		return common.NilID, nil
	}
	seen := 0
	for _, el := range d.elements {
		if el.Deleted {
			continue
		}
		if seen == offset {
			return el.ID, nil
		}
		seen++
	}
	return common.NilID, common.ErrOutOfRange{Offset: offset, Length: visible}
}

func (d *Document) visibleLengthLocked() int {
	n := 0
	for _, el := range d.elements {
		if !el.Deleted {
			n++
		}
	}
	return n
}

// neighborsLocked returns the identifiers of the visible elements
// immediately before and after the given visible offset.
func (d *Document) neighborsLocked(offset int) (left, right common.LogicalTimestamp) {
	left, right = common.NilID, common.NilID
	seen := 0
	for _, el := range d.elements {
		if el.Deleted {
			continue
		}
		if seen == offset-1 {
			left = el.ID
		}
		if seen == offset {
			right = el.ID
			break
		}
		seen++
	}
	return left, right
}

func (d *Document) reindexFromLocked(pos int) {
	for i := pos; i < len(d.elements); i++ {
		d.index[d.elements[i].ID] = i
	}
}
