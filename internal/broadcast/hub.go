// Package broadcast fans events out to room subscribers in publish order.
// Publishing never blocks: each subscriber owns a bounded queue and is
// dropped on overflow, forcing a resubscribe with a fresh snapshot.
package broadcast

import (
	"encoding/json"
	"errors"
	"log"
	"sync"

	"collab-sync/internal/models"
)

// Broadcaster is the per-room publish/subscribe boundary. Implementable over
// any ordered pub/sub transport; Hub is the in-process implementation.
type Broadcaster interface {
	Subscribe(roomID string) (*models.Snapshot, <-chan models.Event, func(), error)
	Publish(roomID string, typ models.EventType, payload any) error
}

// SnapshotFunc builds the bootstrap state handed to a new subscriber.
type SnapshotFunc func(roomID string) (*models.Snapshot, error)

type subscriber struct {
	ch     chan models.Event
	closed bool
}

type room struct {
	mu     sync.Mutex
	seq    int64
	nextID int64
	subs   map[int64]*subscriber
}

type Hub struct {
	mu        sync.Mutex
	rooms     map[string]*room
	queueSize int
	snapshot  SnapshotFunc
}

func NewHub(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Hub{
		rooms:     make(map[string]*room),
		queueSize: queueSize,
	}
}

// SetSnapshotFunc must be called before the first Subscribe. It is separate
// from NewHub because the snapshot composes components that themselves
// publish through the hub.
func (h *Hub) SetSnapshotFunc(fn SnapshotFunc) {
	h.snapshot = fn
}

// room returns the room's fan-out state, creating it on first use. Rooms
// are never evicted: the sequence must stay monotonic for the room's
// lifetime, and an idle entry is just a counter and an empty map.
func (h *Hub) room(roomID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	if !ok {
		r = &room{subs: make(map[int64]*subscriber)}
		h.rooms[roomID] = r
	}
	return r
}

// Subscribe registers a subscriber and returns its bootstrap snapshot and
// event stream. The snapshot is built under the room lock so the stream
// resumes exactly where the snapshot left off with no gap in sequence.
// Delivery is still at-least-once across the boundary: a write committed
// just before the snapshot read may arrive as an event the snapshot
// already reflects, so consumers gate on the versions inside the payload
// (ResultingVersion for changes, ServerSeq for chat) rather than applying
// blindly.
func (h *Hub) Subscribe(roomID string) (*models.Snapshot, <-chan models.Event, func(), error) {
	if h.snapshot == nil {
		return nil, nil, nil, errors.New("broadcast: snapshot func not set")
	}
	r := h.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, err := h.snapshot(roomID)
	if err != nil {
		return nil, nil, nil, err
	}
	snap.RoomID = roomID
	snap.ServerSeq = r.seq

	sub := &subscriber{ch: make(chan models.Event, h.queueSize)}
	id := r.nextID
	r.nextID++
	r.subs[id] = sub

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if s, ok := r.subs[id]; ok && !s.closed {
			s.closed = true
			close(s.ch)
			delete(r.subs, id)
		}
	}
	return snap, sub.ch, cancel, nil
}

// Publish assigns the next room sequence and enqueues the event to every
// subscriber. A subscriber whose queue is full is disconnected rather than
// waited on.
func (h *Hub) Publish(roomID string, typ models.EventType, payload any) error {
	_, err := h.publishLocal(roomID, typ, payload)
	return err
}

func (h *Hub) publishLocal(roomID string, typ models.EventType, payload any) (models.Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.Event{}, err
	}
	r := h.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	evt := models.Event{
		Type:      typ,
		RoomID:    roomID,
		ServerSeq: r.seq,
		Payload:   raw,
	}
	h.deliverLocked(r, roomID, evt)
	return evt, nil
}

// deliverRemote forwards an event sequenced elsewhere to local subscribers.
// The room's home node owns the sequence; this node only fans out.
func (h *Hub) deliverRemote(evt models.Event) {
	r := h.room(evt.RoomID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if evt.ServerSeq > r.seq {
		r.seq = evt.ServerSeq
	}
	h.deliverLocked(r, evt.RoomID, evt)
}

func (h *Hub) deliverLocked(r *room, roomID string, evt models.Event) {
	for id, sub := range r.subs {
		select {
		case sub.ch <- evt:
		default:
			// Slow consumer: drop it so the writer path never waits.
			sub.closed = true
			close(sub.ch)
			delete(r.subs, id)
			log.Printf("broadcast: dropped slow subscriber %d in room %s", id, roomID)
		}
	}
}

// SubscriberCount reports active subscribers for a room.
func (h *Hub) SubscriberCount(roomID string) int {
	r := h.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
