package session

import (
	"sync"
	"time"

	"github.com/stackmill/agentmux/internal/metrics"
)

/*
EVENT BUFFER - PIN-AWARE BOUNDED STORAGE FOR SESSION EVENTS

The EventBuffer provides bounded storage for session events with support for
client disconnect/reconnect via cursor-based resumption.

IDS AND CURSORS:

    Event IDs start at 1 and increase strictly within a session. A client
    polls with the last ID it has seen (its cursor); the buffer returns every
    retained event with a higher ID plus the next cursor. A nil cursor means
    "from the beginning".

PINNING:

    permission_request, permission_result, result, and error events are
    pinned: they carry decisions and outcomes that a slow client must not
    lose, so eviction prefers everything else first.

EVICTION (two phases):

    Soft cap (1000): evict the oldest unpinned event. If every event is
    pinned, evict the oldest pinned event that is droppable: a
    permission_result, or a permission_request whose request is no longer
    pending.

    Hard cap (2000): evict the oldest droppable pinned event even when
    unpinned events remain, guaranteeing the buffer never grows past the
    hard cap while active permission requests and terminal results survive.

    Eviction can remove from the middle of the buffer, so retained IDs may
    have gaps. The buffer tracks the highest evicted ID; a read whose cursor
    is below that watermark may have missed events, and the response carries
    a cursorResetTo so the client knows its view was truncated.

THREAD SAFETY:

    All methods acquire mu. The activeRequest predicate is invoked while the
    lock is held and must not call back into the buffer.
*/

// Buffer capacity bounds.
const (
	SoftEventCap = 1000
	HardEventCap = 2000
)

// ActiveRequestFunc reports whether a permission request is still pending.
// Pending requests are never evicted.
type ActiveRequestFunc func(requestID string) bool

// ReadResult is the outcome of one cursor read.
type ReadResult struct {
	Events        []Event
	NextCursor    uint64
	CursorResetTo *uint64
}

// EventBuffer stores the events of one session.
type EventBuffer struct {
	mu            sync.Mutex
	events        []Event
	nextID        uint64
	evictedMax    uint64
	activeRequest ActiveRequestFunc
}

// NewEventBuffer creates an empty buffer. activeRequest may be nil, in which
// case every permission_request is treated as inactive.
func NewEventBuffer(activeRequest ActiveRequestFunc) *EventBuffer {
	return &EventBuffer{
		events:        make([]Event, 0, 64),
		nextID:        1,
		activeRequest: activeRequest,
	}
}

// Push appends an event, pinning it automatically by type, and returns its ID.
func (b *EventBuffer) Push(eventType string, data any) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.events = append(b.events, Event{
		ID:        id,
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
		Pinned:    pinnedTypes[eventType],
	})
	metrics.RecordEventPush(eventType)
	b.enforceCaps()
	return id
}

// Read returns retained events after the cursor. A nil cursor reads from the
// beginning. When events after the cursor have been evicted, CursorResetTo
// is set to the highest evicted ID.
func (b *EventBuffer) Read(cursor *uint64) ReadResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	var after uint64
	if cursor != nil {
		after = *cursor
	}

	res := ReadResult{NextCursor: after}
	for _, e := range b.events {
		if e.ID > after {
			res.Events = append(res.Events, e)
		}
	}
	if n := len(res.Events); n > 0 {
		res.NextCursor = res.Events[n-1].ID
	}
	if cursor != nil && *cursor < b.evictedMax {
		reset := b.evictedMax
		res.CursorResetTo = &reset
	}
	return res
}

// Len returns the number of retained events.
func (b *EventBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// LastID returns the ID of the newest event, or 0 when none have been pushed.
func (b *EventBuffer) LastID() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextID - 1
}

// ClearTerminal removes result and error events. Called when a new run
// acquires the session so stale outcomes do not surface alongside the new
// run's stream.
func (b *EventBuffer) ClearTerminal() {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.events[:0]
	for _, e := range b.events {
		if e.Type == EventResult || e.Type == EventError {
			if e.ID > b.evictedMax {
				b.evictedMax = e.ID
			}
			continue
		}
		kept = append(kept, e)
	}
	b.events = kept
}

// enforceCaps applies the two-phase eviction policy. Caller holds mu.
func (b *EventBuffer) enforceCaps() {
	for len(b.events) > SoftEventCap {
		idx := b.oldestUnpinned()
		if idx < 0 {
			idx = b.oldestDroppablePinned()
		}
		if idx < 0 {
			break
		}
		b.evictAt(idx)
	}

	// Hard cap: droppable pinned events go even while unpinned remain.
	for len(b.events) > HardEventCap {
		idx := b.oldestDroppable()
		if idx < 0 {
			break
		}
		b.evictAt(idx)
	}
}

// oldestUnpinned returns the index of the oldest unpinned event, or -1.
func (b *EventBuffer) oldestUnpinned() int {
	for i, e := range b.events {
		if !e.Pinned {
			return i
		}
	}
	return -1
}

// oldestDroppablePinned returns the index of the oldest pinned event that may
// be evicted: a permission_result, or a permission_request that is no longer
// pending. Terminal result/error events and active requests are never
// droppable here.
func (b *EventBuffer) oldestDroppablePinned() int {
	for i, e := range b.events {
		switch e.Type {
		case EventPermissionResult:
			return i
		case EventPermissionRequest:
			if !b.requestActive(e) {
				return i
			}
		}
	}
	return -1
}

// oldestDroppable returns the oldest event evictable under the hard cap:
// any unpinned event or droppable pinned event, whichever is older.
func (b *EventBuffer) oldestDroppable() int {
	for i, e := range b.events {
		if !e.Pinned {
			return i
		}
		switch e.Type {
		case EventPermissionResult:
			return i
		case EventPermissionRequest:
			if !b.requestActive(e) {
				return i
			}
		}
	}
	return -1
}

func (b *EventBuffer) requestActive(e Event) bool {
	if b.activeRequest == nil {
		return false
	}
	req, ok := e.Data.(PermissionRequest)
	if !ok {
		if p, ok := e.Data.(*PermissionRequest); ok && p != nil {
			req = *p
		} else {
			return false
		}
	}
	return b.activeRequest(req.RequestID)
}

func (b *EventBuffer) evictAt(idx int) {
	if id := b.events[idx].ID; id > b.evictedMax {
		b.evictedMax = id
	}
	b.events = append(b.events[:idx], b.events[idx+1:]...)
	metrics.RecordEviction(1)
}
