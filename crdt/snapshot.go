package crdt

import (
	"encoding/json"

	"textsync/common"
)

// MarshalJSON returns the full document state, all elements including
// tombstones, suitable for persistence or seeding a new replica.
func (d *Document) MarshalJSON() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	type jsonElement struct {
		ID          common.LogicalTimestamp `json:"id"`
		Value       string                  `json:"value"`
		OriginLeft  common.LogicalTimestamp `json:"left"`
		OriginRight common.LogicalTimestamp `json:"right"`
		Deleted     bool                    `json:"deleted,omitempty"`
	}

	type jsonDocument struct {
		Elements []jsonElement `json:"elements"`
	}

	doc := jsonDocument{
		Elements: make([]jsonElement, len(d.elements)),
	}
	for i, el := range d.elements {
		doc.Elements[i] = jsonElement{
			ID:          el.ID,
			Value:       string(el.Value),
			OriginLeft:  el.OriginLeft,
			OriginRight: el.OriginRight,
			Deleted:     el.Deleted,
		}
	}
	return json.Marshal(doc)
}

// UnmarshalJSON replaces the document's elements with the snapshot
// contents. The replica's clock is advanced past any identifier it had
// issued before the snapshot was taken, so reloading under the same
// session ID never reuses an identifier.
func (d *Document) UnmarshalJSON(data []byte) error {
	type jsonElement struct {
		ID          common.LogicalTimestamp `json:"id"`
		Value       string                  `json:"value"`
		OriginLeft  common.LogicalTimestamp `json:"left"`
		OriginRight common.LogicalTimestamp `json:"right"`
		Deleted     bool                    `json:"deleted,omitempty"`
	}

	type jsonDocument struct {
		Elements []jsonElement `json:"elements"`
	}

	var doc jsonDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.elements = make([]*Element, len(doc.Elements))
	d.index = make(map[common.LogicalTimestamp]int, len(doc.Elements))
	for i, el := range doc.Elements {
		var value rune
		for _, r := range el.Value {
			value = r
			break
		}
		d.elements[i] = &Element{
			ID:          el.ID,
			Value:       value,
			OriginLeft:  el.OriginLeft,
			OriginRight: el.OriginRight,
			Deleted:     el.Deleted,
		}
		d.index[el.ID] = i

		if el.ID.SID.Compare(d.sid) == 0 && el.ID.Counter > d.clock {
			d.clock = el.ID.Counter
		}
	}
	return nil
}

// NewDocumentFromSnapshot creates a document owned by the given replica
// and seeds it from a snapshot produced by MarshalJSON.
func NewDocumentFromSnapshot(sid common.SessionID, data []byte) (*Document, error) {
	doc := NewDocument(sid)
	if err := doc.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return doc, nil
}
