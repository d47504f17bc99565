package broadcast

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"collab-sync/internal/models"
)

const channelPrefix = "collab:room:"

// envelope wraps an event on the wire so a node can skip its own echoes.
type envelope struct {
	Origin string       `json:"origin"`
	Event  models.Event `json:"event"`
}

// RedisRelay extends a Hub across nodes: local publishes are mirrored to a
// per-room Redis channel, and remote events are fed into the local hub.
// Sequencing stays with the room's home node, so deployments must route all
// writers for a room to one node; satellites only fan out.
type RedisRelay struct {
	hub    *Hub
	rdb    *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
	origin string

	mu    sync.Mutex
	rooms map[string]*redis.PubSub
}

func NewRedisRelay(hub *Hub, rdb *redis.Client) *RedisRelay {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisRelay{
		hub:    hub,
		rdb:    rdb,
		ctx:    ctx,
		cancel: cancel,
		origin: uuid.NewString(),
		rooms:  make(map[string]*redis.PubSub),
	}
}

func (r *RedisRelay) Subscribe(roomID string) (*models.Snapshot, <-chan models.Event, func(), error) {
	r.ensureRelay(roomID)
	return r.hub.Subscribe(roomID)
}

func (r *RedisRelay) Publish(roomID string, typ models.EventType, payload any) error {
	evt, err := r.hub.publishLocal(roomID, typ, payload)
	if err != nil {
		return err
	}
	// Mirror to Redis best-effort; local delivery already happened.
	buf, err := json.Marshal(envelope{Origin: r.origin, Event: evt})
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(r.ctx, channelPrefix+roomID, buf).Err(); err != nil {
		log.Printf("broadcast: redis publish for room %s: %v", roomID, err)
	}
	return nil
}

// ensureRelay starts a goroutine pumping the room's Redis channel into the
// local hub, once per room.
func (r *RedisRelay) ensureRelay(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[roomID]; ok {
		return
	}
	ps := r.rdb.Subscribe(r.ctx, channelPrefix+roomID)
	r.rooms[roomID] = ps
	go func() {
		for msg := range ps.Channel() {
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("broadcast: bad relay payload in room %s: %v", roomID, err)
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			r.hub.deliverRemote(env.Event)
		}
	}()
}

func (r *RedisRelay) Close() error {
	r.cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ps := range r.rooms {
		_ = ps.Close()
	}
	r.rooms = map[string]*redis.PubSub{}
	return nil
}
