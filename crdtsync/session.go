// Package crdtsync binds one replicated document, one awareness channel,
// and one undo/redo history to one transport connection for one
// collaborative room.
//
// Within a session the document is mutated by exactly two call paths:
// local edits from the editor and remote operations from the network. A
// per-session mutex serializes the two; every mutating call is short and
// never blocks on I/O. Broadcasting is fire-and-forget from the
// document's perspective — delivery retries belong to the transport.
package crdtsync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"textsync/awareness"
	"textsync/common"
	"textsync/crdt"
	"textsync/crdtpatch"
	"textsync/crdtwire"
	"textsync/history"
)

// Transport is the session's view of the network: it delivers encoded
// frames to peers and yields received frames. Delivery is assumed
// at-least-once with no ordering guarantee across different peers.
type Transport interface {
	// Send transmits an encoded frame to all peers in the room.
	Send(ctx context.Context, data []byte) error

	// Recv returns the channel of received frames. The channel is closed
	// when the transport shuts down.
	Recv() <-chan []byte

	// Close shuts the transport down.
	Close() error
}

// EditorDelta is the change unit exchanged with the external editor in
// both directions: {offset, insertedText, deletedLength}. A delta with
// Refresh set replaces the editor's entire buffer with Inserted; the
// session emits one when it detects an editor/engine desync.
type EditorDelta struct {
	Offset     int
	Inserted   string
	DeletedLen int
	Refresh    bool
}

// Identity is supplied by the auth collaborator before Connect: the
// replica's session ID and an opaque user payload (name, color) that
// seeds the awareness state.
type Identity struct {
	SID  common.SessionID
	User json.RawMessage
}

// SyncMessage is the resync protocol envelope. On connect (and after a
// session-level error) a replica announces its state vector; a peer
// holding operations above that vector responds with the missing patches.
type SyncMessage struct {
	// Type is "state_vector" or "patches".
	Type string `json:"type"`

	// StateVector is the sender's per-replica counter map.
	StateVector map[string]uint64 `json:"state_vector,omitempty"`

	// Patches carries the patches the receiver is missing.
	Patches []*crdtpatch.Patch `json:"patches,omitempty"`
}

// Sync message types.
const (
	syncTypeStateVector = "state_vector"
	syncTypePatches     = "patches"
)

// Options configures a session.
type Options struct {
	// Format is the patch encoding format. Defaults to binary.
	Format crdtwire.Format

	// CoalesceWindow groups consecutive local edits into one undo
	// transaction.
	CoalesceWindow time.Duration

	// HistoryDepth caps the undo stack.
	HistoryDepth int

	// AwarenessWindow is the liveness window for presence eviction.
	AwarenessWindow time.Duration

	// MaxOriginRetries bounds how many times an operation with a missing
	// dependency is retried before it is dropped and the session is
	// flagged degraded.
	MaxOriginRetries int

	// DeltaBuffer sizes the outbound editor delta channel.
	DeltaBuffer int

	// Logger receives structured session logs. Defaults to a no-op.
	Logger *zap.Logger
}

func (o *Options) withDefaults() Options {
	opts := Options{}
	if o != nil {
		opts = *o
	}
	if opts.Format == "" {
		opts.Format = crdtwire.FormatBinary
	}
	if opts.MaxOriginRetries <= 0 {
		opts.MaxOriginRetries = 8
	}
	if opts.DeltaBuffer <= 0 {
		opts.DeltaBuffer = 256
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return opts
}

type pendingOp struct {
	op      crdtpatch.Operation
	retries int
}

// Session orchestrates one replica's participation in one room.
type Session struct {
	room string
	sid  common.SessionID

	doc     *crdt.Document
	builder *crdtpatch.Builder
	aware   *awareness.Channel
	hist    *history.Manager
	store   *PatchStore
	sv      *StateVector

	transport Transport
	codec     crdtwire.EncoderDecoder
	format    crdtwire.Format

	// mu serializes the two mutation paths (editor and network) so the
	// document sees a single writer.
	mu       sync.Mutex
	pending  []pendingOp
	degraded bool

	maxOriginRetries int

	deltaCh     chan EditorDelta
	deltaMu     sync.Mutex
	refreshOwed bool

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	connected bool

	logger *zap.Logger
}

// NewSession creates a session for the given room and identity. A nil
// identity session ID gets a fresh one.
func NewSession(room string, id Identity, transport Transport, opts *Options) (*Session, error) {
	return newSession(room, id, nil, transport, opts)
}

// NewSessionFromSnapshot creates a session whose document is seeded from
// a snapshot produced by Session.Snapshot before the first connect.
func NewSessionFromSnapshot(room string, id Identity, snapshot []byte, transport Transport, opts *Options) (*Session, error) {
	return newSession(room, id, snapshot, transport, opts)
}

func newSession(room string, id Identity, snapshot []byte, transport Transport, opts *Options) (*Session, error) {
	if transport == nil {
		return nil, errors.New("transport cannot be nil")
	}

	o := opts.withDefaults()

	sid := id.SID
	if sid.IsNil() {
		sid = common.NewSessionID()
	}

	codec, err := crdtwire.GetEncoderDecoder(o.Format)
	if err != nil {
		return nil, err
	}

	var doc *crdt.Document
	if snapshot != nil {
		doc, err = crdt.NewDocumentFromSnapshot(sid, snapshot)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load snapshot")
		}
	} else {
		doc = crdt.NewDocument(sid)
	}

	logger := o.Logger.Named("session").With(
		zap.String("room", room),
		zap.String("sid", sid.String()),
	)

	s := &Session{
		room:             room,
		sid:              sid,
		doc:              doc,
		builder:          crdtpatch.NewBuilder(doc),
		aware:            awareness.NewChannel(sid, o.AwarenessWindow, o.Logger),
		hist:             history.NewManager(o.CoalesceWindow, o.HistoryDepth),
		store:            NewPatchStore(),
		sv:               NewStateVector(),
		transport:        transport,
		codec:            codec,
		format:           o.Format,
		maxOriginRetries: o.MaxOriginRetries,
		deltaCh:          make(chan EditorDelta, o.DeltaBuffer),
		logger:           logger,
	}

	if id.User != nil {
		s.aware.SetLocalState(id.User)
	}
	return s, nil
}

// SessionID returns the replica's session ID.
func (s *Session) SessionID() common.SessionID {
	return s.sid
}

// Room returns the room this session is bound to.
func (s *Session) Room() string {
	return s.room
}

// Text returns the document's current visible text.
func (s *Session) Text() string {
	return s.doc.VisibleText()
}

// Deltas returns the channel of editor deltas the session emits for
// remote changes and undo/redo. The external editor applies them to its
// own buffer. The channel is buffered and the session never blocks on
// it: a consumer that falls behind loses intermediate deltas and
// receives a single Refresh delta carrying the full text once it
// catches up.
func (s *Session) Deltas() <-chan EditorDelta {
	return s.deltaCh
}

// Degraded reports whether the session dropped an operation after
// exhausting dependency retries. A degraded session needs a full resync.
func (s *Session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// StateVector returns the session's current per-replica counter map.
func (s *Session) StateVector() map[string]uint64 {
	return s.sv.Get()
}

// Snapshot serializes the full document state, tombstones included, for
// the external persistence collaborator.
func (s *Session) Snapshot() ([]byte, error) {
	return s.doc.MarshalJSON()
}

// ApplyEditorDelta translates an editor-reported change into document
// operations, broadcasts them, and records them for undo. A delta whose
// offsets fall outside the visible text indicates an editor/engine
// desync: the session answers with a full-buffer refresh delta and
// returns the out-of-range error.
func (s *Session) ApplyEditorDelta(ctx context.Context, delta EditorDelta) error {
	s.mu.Lock()

	if delta.DeletedLen > 0 {
		patch, deleted, err := s.builder.Delete(delta.Offset, delta.DeletedLen)
		if err != nil {
			s.mu.Unlock()
			s.refreshEditor()
			return err
		}
		s.hist.Record(history.KindDelete, deleted)
		s.finishLocalPatchLocked(ctx, patch)
	}

	if delta.Inserted != "" {
		patch, created, err := s.builder.Insert(delta.Offset, delta.Inserted)
		if err != nil {
			s.mu.Unlock()
			s.refreshEditor()
			return err
		}
		s.hist.Record(history.KindInsert, created)
		s.finishLocalPatchLocked(ctx, patch)
	}

	s.mu.Unlock()
	return nil
}

// Undo reverses the most recent local transaction and broadcasts the
// inverse operations. A no-op when there is nothing to undo.
func (s *Session) Undo(ctx context.Context) error {
	return s.timeTravel(ctx, true)
}

// Redo re-applies the most recently undone transaction.
func (s *Session) Redo(ctx context.Context) error {
	return s.timeTravel(ctx, false)
}

func (s *Session) timeTravel(ctx context.Context, undo bool) error {
	s.mu.Lock()

	var ops []crdtpatch.Operation
	var edits []history.Edit
	var err error
	if undo {
		ops, edits, err = s.hist.Undo(s.doc)
	} else {
		ops, edits, err = s.hist.Redo(s.doc)
	}
	if err != nil {
		s.mu.Unlock()
		// An empty stack is a no-op, not a failure.
		return nil
	}

	if len(ops) > 0 {
		patch := crdtpatch.NewPatch(ops[0].OpID())
		for _, op := range ops {
			patch.AddOperation(op)
		}
		s.finishLocalPatchLocked(ctx, patch)
	}
	s.mu.Unlock()

	for _, e := range edits {
		s.pushDelta(EditorDelta{Offset: e.Offset, Inserted: e.Inserted, DeletedLen: e.DeletedLen})
	}
	return nil
}

// finishLocalPatchLocked records a locally produced patch in the store
// and state vector and broadcasts it. Broadcast failures are logged and
// dropped: convergence is restored by the resync protocol, not by
// blocking the editor.
func (s *Session) finishLocalPatchLocked(ctx context.Context, patch *crdtpatch.Patch) {
	if patch == nil || len(patch.Operations()) == 0 {
		return
	}
	for _, op := range patch.Operations() {
		s.sv.Update(op.OpID())
	}
	s.store.StorePatch(patch)

	data, err := s.codec.Encode(patch)
	if err != nil {
		s.logger.Error("failed to encode patch", zap.Error(err))
		return
	}
	s.sendFrame(ctx, &crdtwire.Frame{
		Type:    crdtwire.FrameTypePatch,
		From:    s.sid,
		Format:  s.format,
		Payload: data,
	})
}

// SetAwarenessState replaces the local presence payload (cursor, user
// metadata) and schedules a broadcast. Best-effort by design.
func (s *Session) SetAwarenessState(ctx context.Context, payload []byte) {
	update := s.aware.SetLocalState(payload)
	s.broadcastAwareness(ctx, []awareness.Update{update})
}

// AwarenessEvents subscribes to presence changes for the UI layer.
func (s *Session) AwarenessEvents(buffer int) (<-chan awareness.Event, func()) {
	return s.aware.Subscribe(buffer)
}

// AwarenessStates returns the currently known presence payloads.
func (s *Session) AwarenessStates() map[common.SessionID][]byte {
	return s.aware.States()
}

// Connect starts consuming the transport and performs the full-state
// resync handshake: the session announces its state vector and its
// awareness snapshot, and peers respond with whatever it missed.
func (s *Session) Connect(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.connected {
		return errors.New("session is already connected")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.connected = true

	go s.recvLoop(runCtx)
	go s.aware.Start(runCtx)

	s.sendStateVector(runCtx)
	s.broadcastAwareness(runCtx, s.aware.Snapshot())

	s.logger.Info("session connected")
	return nil
}

// Disconnect stops delivering inbound operations. Applied local state is
// kept; in-flight outbound frames may be lost, which the resync on the
// next connect repairs.
func (s *Session) Disconnect() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if !s.connected {
		return nil
	}
	s.cancel()
	s.connected = false
	s.logger.Info("session disconnected")
	return s.transport.Close()
}

func (s *Session) recvLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-s.transport.Recv():
			if !ok {
				return
			}
			s.handleFrame(ctx, data)
		}
	}
}

// handleFrame decodes and dispatches one inbound frame. No inbound error
// is fatal: malformed frames are dropped and logged, since a single bad
// frame must not desynchronize the session.
func (s *Session) handleFrame(ctx context.Context, data []byte) {
	frame, err := crdtwire.DecodeFrame(data)
	if err != nil {
		s.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}
	if frame.From.Compare(s.sid) == 0 {
		// Our own broadcast echoed back.
		return
	}

	switch frame.Type {
	case crdtwire.FrameTypePatch:
		s.handlePatchFrame(frame)
	case crdtwire.FrameTypeAwareness:
		s.handleAwarenessFrame(frame)
	case crdtwire.FrameTypeSync:
		s.handleSyncFrame(ctx, frame)
	}
}

func (s *Session) handlePatchFrame(frame *crdtwire.Frame) {
	format := frame.Format
	if format == "" {
		format = s.format
	}
	codec, err := crdtwire.GetEncoderDecoder(format)
	if err != nil {
		s.logger.Warn("dropping patch with unknown format", zap.String("format", string(format)))
		return
	}
	patch, err := codec.Decode(frame.Payload)
	if err != nil {
		s.logger.Warn("dropping undecodable patch", zap.Error(err))
		return
	}

	s.mu.Lock()
	deltas := s.applyRemotePatchLocked(patch)
	s.mu.Unlock()

	s.emitDeltas(deltas)
}

func (s *Session) handleAwarenessFrame(frame *crdtwire.Frame) {
	updates, err := awareness.DecodeUpdates(frame.Payload)
	if err != nil {
		s.logger.Warn("dropping undecodable awareness payload", zap.Error(err))
		return
	}
	for _, u := range updates {
		s.aware.ApplyUpdate(u)
	}
}

func (s *Session) handleSyncFrame(ctx context.Context, frame *crdtwire.Frame) {
	var msg SyncMessage
	if err := json.Unmarshal(frame.Payload, &msg); err != nil {
		s.logger.Warn("dropping undecodable sync message", zap.Error(err))
		return
	}

	switch msg.Type {
	case syncTypeStateVector:
		s.mu.Lock()
		missing := s.store.MissingFor(msg.StateVector)
		behind := vectorHasNewsFor(msg.StateVector, s.sv)
		s.mu.Unlock()

		if len(missing) > 0 {
			s.sendSync(ctx, SyncMessage{Type: syncTypePatches, Patches: missing})
		}
		if behind {
			// The announcing peer holds operations we lack; announce our
			// own vector so it pushes them.
			s.sendStateVector(ctx)
		}

	case syncTypePatches:
		var deltas []EditorDelta
		s.mu.Lock()
		for _, patch := range msg.Patches {
			deltas = append(deltas, s.applyRemotePatchLocked(patch)...)
		}
		s.mu.Unlock()
		s.emitDeltas(deltas)

	default:
		s.logger.Warn("dropping sync message with unknown type", zap.String("type", msg.Type))
	}
}

// applyRemotePatchLocked integrates a remote patch and returns the editor
// deltas implied by the changes. Operations with missing dependencies are
// buffered and retried; the state vector only advances for operations
// actually resolved, so a resync can still fetch dropped ones.
func (s *Session) applyRemotePatchLocked(patch *crdtpatch.Patch) []EditorDelta {
	var deltas []EditorDelta
	resolvedAny := false

	for _, op := range patch.Operations() {
		resolved, ds := s.tryApplyOpLocked(op)
		if !resolved {
			s.pending = append(s.pending, pendingOp{op: op})
			continue
		}
		resolvedAny = true
		deltas = append(deltas, ds...)
	}

	if resolvedAny {
		s.store.StorePatch(patch)
		deltas = append(deltas, s.retryPendingLocked()...)
	}
	return deltas
}

// tryApplyOpLocked applies one remote operation. It reports resolved
// when the operation was applied or is a redelivered duplicate; false
// means a dependency is missing and the operation should be retried.
func (s *Session) tryApplyOpLocked(op crdtpatch.Operation) (bool, []EditorDelta) {
	switch o := op.(type) {
	case *crdtpatch.InsertOperation:
		applied, err := s.doc.IntegrateInsert(o.ID, o.Value, o.OriginLeft, o.OriginRight)
		if err != nil {
			var unknown common.ErrUnknownOrigin
			if errors.As(err, &unknown) {
				return false, nil
			}
			s.logger.Warn("dropping invalid insert", zap.Error(err))
			return true, nil
		}
		s.sv.Update(o.ID)
		if !applied {
			return true, nil
		}
		offset, err := s.doc.MaterializeOffset(o.ID)
		if err != nil {
			return true, nil
		}
		return true, []EditorDelta{{Offset: offset, Inserted: string(o.Value)}}

	case *crdtpatch.DeleteOperation:
		offset, offErr := s.doc.MaterializeOffset(o.TargetID)
		applied, err := s.doc.IntegrateDelete(o.TargetID)
		if err != nil {
			var unknown common.ErrUnknownOrigin
			if errors.As(err, &unknown) {
				return false, nil
			}
			s.logger.Warn("dropping invalid delete", zap.Error(err))
			return true, nil
		}
		s.sv.Update(o.ID)
		if !applied || offErr != nil {
			return true, nil
		}
		return true, []EditorDelta{{Offset: offset, DeletedLen: 1}}

	default:
		s.logger.Warn("dropping operation with unknown type")
		return true, nil
	}
}

// retryPendingLocked re-attempts buffered operations until no further
// progress is made. Operations that exhaust their retry budget are
// dropped and the session is flagged degraded.
func (s *Session) retryPendingLocked() []EditorDelta {
	var deltas []EditorDelta
	progress := true
	for progress && len(s.pending) > 0 {
		progress = false
		remaining := s.pending[:0]
		for _, p := range s.pending {
			resolved, ds := s.tryApplyOpLocked(p.op)
			if resolved {
				progress = true
				deltas = append(deltas, ds...)
				continue
			}
			p.retries++
			if p.retries >= s.maxOriginRetries {
				s.degraded = true
				s.logger.Warn("dropping operation after retry budget",
					zap.String("op_id", p.op.OpID().String()),
					zap.Int("retries", p.retries))
				continue
			}
			remaining = append(remaining, p)
		}
		s.pending = remaining
	}
	return deltas
}

func (s *Session) sendStateVector(ctx context.Context) {
	s.sendSync(ctx, SyncMessage{
		Type:        syncTypeStateVector,
		StateVector: s.sv.Get(),
	})
}

func (s *Session) sendSync(ctx context.Context, msg SyncMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to marshal sync message", zap.Error(err))
		return
	}
	s.sendFrame(ctx, &crdtwire.Frame{
		Type:    crdtwire.FrameTypeSync,
		From:    s.sid,
		Payload: payload,
	})
}

func (s *Session) broadcastAwareness(ctx context.Context, updates []awareness.Update) {
	if len(updates) == 0 {
		return
	}
	payload, err := awareness.EncodeUpdates(updates)
	if err != nil {
		s.logger.Error("failed to encode awareness updates", zap.Error(err))
		return
	}
	s.sendFrame(ctx, &crdtwire.Frame{
		Type:    crdtwire.FrameTypeAwareness,
		From:    s.sid,
		Payload: payload,
	})
}

func (s *Session) sendFrame(ctx context.Context, frame *crdtwire.Frame) {
	data, err := crdtwire.EncodeFrame(frame)
	if err != nil {
		s.logger.Error("failed to encode frame", zap.Error(err))
		return
	}
	if err := s.transport.Send(ctx, data); err != nil {
		s.logger.Warn("failed to send frame", zap.Error(err))
	}
}

// refreshEditor pushes the full visible text to the editor after a
// detected desync.
func (s *Session) refreshEditor() {
	s.deltaMu.Lock()
	defer s.deltaMu.Unlock()
	s.refreshOwed = true
	s.pushRefreshLocked()
}

func (s *Session) emitDeltas(deltas []EditorDelta) {
	for _, d := range deltas {
		s.pushDelta(d)
	}
}

// pushDelta offers a delta to the editor without ever blocking the
// caller. When the buffer is full the queued deltas describe states the
// editor has yet to consume, so individual increments stop being useful;
// the delta is dropped and the editor is owed one full-buffer refresh
// instead.
func (s *Session) pushDelta(d EditorDelta) {
	s.deltaMu.Lock()
	defer s.deltaMu.Unlock()

	if s.refreshOwed {
		s.pushRefreshLocked()
		return
	}
	select {
	case s.deltaCh <- d:
	default:
		s.refreshOwed = true
		s.pushRefreshLocked()
	}
}

// pushRefreshLocked hands the editor a full-buffer refresh if there is
// room, clearing the owed flag only on success. While the flag stays set
// every subsequent emission retries the refresh in place of its delta.
func (s *Session) pushRefreshLocked() {
	select {
	case s.deltaCh <- EditorDelta{Inserted: s.doc.VisibleText(), Refresh: true}:
		s.refreshOwed = false
	default:
	}
}

// vectorHasNewsFor reports whether the announced vector claims operations
// above what ours has observed.
func vectorHasNewsFor(announced map[string]uint64, ours *StateVector) bool {
	mine := ours.Get()
	for sidStr, counter := range announced {
		if counter > mine[sidStr] {
			return true
		}
	}
	return false
}
