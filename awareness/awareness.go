// Package awareness tracks ephemeral per-replica presence state: cursor
// positions, user names, colors. The engine stays agnostic to payload
// contents; it moves opaque bytes under a {session, clock} envelope.
// Nothing here is persisted — state is rebuilt from a full exchange on
// reconnect, and entries that stop refreshing are evicted.
package awareness

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"textsync/common"
)

// DefaultLivenessWindow is the eviction window used when none is given.
const DefaultLivenessWindow = 30 * time.Second

// Update is the wire form of one replica's awareness state. Merging is
// last-writer-wins per replica using the sender's own monotonic clock,
// not wall time, so clock skew between machines cannot reorder updates.
type Update struct {
	SID     common.SessionID `json:"sid"`
	Clock   uint64           `json:"clock"`
	Payload json.RawMessage  `json:"payload,omitempty"`
}

// Event is delivered to subscribers when a replica's state changes or a
// stale replica is evicted.
type Event struct {
	SID     common.SessionID
	Payload []byte
	Removed bool
}

type entry struct {
	clock    uint64
	payload  []byte
	lastSeen time.Time
}

// Channel holds the awareness states known to one session.
type Channel struct {
	mu sync.Mutex

	localSID common.SessionID
	clock    uint64
	window   time.Duration
	entries  map[common.SessionID]*entry

	subs    map[int]chan Event
	nextSub int

	logger *zap.Logger
}

// NewChannel creates an awareness channel for the given replica. A
// non-positive liveness window falls back to DefaultLivenessWindow.
func NewChannel(localSID common.SessionID, window time.Duration, logger *zap.Logger) *Channel {
	if window <= 0 {
		window = DefaultLivenessWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		localSID: localSID,
		window:   window,
		entries:  make(map[common.SessionID]*entry),
		subs:     make(map[int]chan Event),
		logger:   logger.Named("awareness"),
	}
}

// SetLocalState replaces the local replica's payload, bumps the local
// clock, and returns the update to broadcast. Broadcasting is the
// caller's job and is fire-and-forget.
func (c *Channel) SetLocalState(payload []byte) Update {
	c.mu.Lock()
	c.clock++
	e := c.entries[c.localSID]
	if e == nil {
		e = &entry{}
		c.entries[c.localSID] = e
	}
	e.clock = c.clock
	e.payload = append([]byte(nil), payload...)
	e.lastSeen = time.Now()
	update := Update{SID: c.localSID, Clock: c.clock, Payload: append([]byte(nil), payload...)}
	c.mu.Unlock()

	c.emit(Event{SID: c.localSID, Payload: payload})
	return update
}

// ApplyUpdate merges a remote replica's state. The update is applied only
// if its clock is strictly greater than the stored clock for that
// replica; it reports whether anything changed. Updates for the local
// replica are ignored.
func (c *Channel) ApplyUpdate(u Update) bool {
	if u.SID.Compare(c.localSID) == 0 {
		return false
	}

	c.mu.Lock()
	e := c.entries[u.SID]
	if e != nil && u.Clock <= e.clock {
		// Stale or duplicate; still counts as a liveness signal.
		e.lastSeen = time.Now()
		c.mu.Unlock()
		return false
	}
	if e == nil {
		e = &entry{}
		c.entries[u.SID] = e
	}
	e.clock = u.Clock
	e.payload = append([]byte(nil), u.Payload...)
	e.lastSeen = time.Now()
	payload := append([]byte(nil), u.Payload...)
	c.mu.Unlock()

	c.emit(Event{SID: u.SID, Payload: payload})
	return true
}

// States returns a copy of every live replica's payload.
func (c *Channel) States() map[common.SessionID][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	states := make(map[common.SessionID][]byte, len(c.entries))
	for sid, e := range c.entries {
		states[sid] = append([]byte(nil), e.payload...)
	}
	return states
}

// Snapshot returns every known state as updates, used for the full-state
// exchange when a peer connects or resyncs.
func (c *Channel) Snapshot() []Update {
	c.mu.Lock()
	defer c.mu.Unlock()

	updates := make([]Update, 0, len(c.entries))
	for sid, e := range c.entries {
		updates = append(updates, Update{
			SID:     sid,
			Clock:   e.clock,
			Payload: append([]byte(nil), e.payload...),
		})
	}
	return updates
}

// Subscribe registers a consumer of awareness events. Events are
// delivered best-effort: a slow consumer loses updates rather than
// blocking the session, and staleness self-heals through eviction.
// The returned func cancels the subscription.
func (c *Channel) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

// Start runs the eviction loop until the context is cancelled. A remote
// entry with no refresh inside the liveness window is removed and emitted
// exactly once as a removal.
func (c *Channel) Start(ctx context.Context) {
	ticker := time.NewTicker(c.window / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.evictStale()
		}
	}
}

func (c *Channel) evictStale() {
	cutoff := time.Now().Add(-c.window)

	c.mu.Lock()
	var removed []common.SessionID
	for sid, e := range c.entries {
		if sid.Compare(c.localSID) == 0 {
			continue
		}
		if e.lastSeen.Before(cutoff) {
			delete(c.entries, sid)
			removed = append(removed, sid)
		}
	}
	c.mu.Unlock()

	for _, sid := range removed {
		c.logger.Debug("evicted stale awareness entry", zap.String("sid", sid.String()))
		c.emit(Event{SID: sid, Removed: true})
	}
}

// RemoveRemote drops a remote replica's entry immediately, e.g. when the
// transport reports the peer gone. Emits a removal if the entry existed.
func (c *Channel) RemoveRemote(sid common.SessionID) {
	if sid.Compare(c.localSID) == 0 {
		return
	}

	c.mu.Lock()
	_, ok := c.entries[sid]
	if ok {
		delete(c.entries, sid)
	}
	c.mu.Unlock()

	if ok {
		c.emit(Event{SID: sid, Removed: true})
	}
}

func (c *Channel) emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs {
		select {
		case sub <- ev:
		default:
			// Drop under backpressure; awareness is best-effort.
		}
	}
}

// EncodeUpdates serializes updates for an awareness frame payload.
func EncodeUpdates(updates []Update) ([]byte, error) {
	return json.Marshal(updates)
}

// DecodeUpdates parses an awareness frame payload.
func DecodeUpdates(data []byte) ([]Update, error) {
	var updates []Update
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, common.ErrDecode{Message: err.Error()}
	}
	return updates, nil
}
