// Package presence tracks who is active in each room. Sessions move
// online -> away -> offline -> removed as inactivity grows; any activity
// from away or offline snaps back to online, and an explicit leave jumps
// straight to offline.
package presence

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"collab-sync/internal/broadcast"
	"collab-sync/internal/models"
	"collab-sync/internal/repos"
)

// Thresholds are cumulative inactivity cutoffs, Away < Offline < Remove.
type Thresholds struct {
	Away    time.Duration
	Offline time.Duration
	Remove  time.Duration
}

type roomState struct {
	mu       sync.Mutex
	sessions map[string]*models.Session // keyed by session id
	byUser   map[string]string          // user id -> session id
}

type Registry struct {
	store      *repos.Store
	bc         broadcast.Broadcaster
	thresholds Thresholds

	mu    sync.RWMutex
	rooms map[string]*roomState
	index sync.Map // session id -> *roomState
}

func NewRegistry(store *repos.Store, bc broadcast.Broadcaster, t Thresholds) *Registry {
	return &Registry{
		store:      store,
		bc:         bc,
		thresholds: t,
		rooms:      make(map[string]*roomState),
	}
}

func (r *Registry) room(roomID string) *roomState {
	r.mu.RLock()
	rs, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if ok {
		return rs
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rs, ok = r.rooms[roomID]; ok {
		return rs
	}
	rs = &roomState{sessions: make(map[string]*models.Session), byUser: make(map[string]string)}
	r.rooms[roomID] = rs
	return rs
}

// Join creates a session for user+room or reactivates the existing one.
func (r *Registry) Join(roomID, userID, fileID string) (*models.Session, error) {
	rs := r.room(roomID)
	rs.mu.Lock()
	now := time.Now().UTC()

	var sess *models.Session
	if id, ok := rs.byUser[userID]; ok {
		sess = rs.sessions[id]
		sess.Status = models.StatusOnline
		sess.LastActivity = now
		if fileID != "" {
			sess.FileID = fileID
			sess.CursorPos = nil
		}
	} else {
		sess = &models.Session{
			ID:           uuid.NewString(),
			UserID:       userID,
			RoomID:       roomID,
			FileID:       fileID,
			Status:       models.StatusOnline,
			LastActivity: now,
			CreatedAt:    now,
		}
		rs.sessions[sess.ID] = sess
		rs.byUser[userID] = sess.ID
		r.index.Store(sess.ID, rs)
	}
	out := *sess
	rs.mu.Unlock()

	if err := r.store.UpsertSession(&out); err != nil {
		log.Printf("presence: persist session %s: %v", out.ID, err)
	}
	r.publishUpdate(&out, false)
	return &out, nil
}

// Heartbeat refreshes a session's activity. Unknown sessions are a silent
// no-op; the caller is expected to rejoin after being reaped.
func (r *Registry) Heartbeat(sessionID string) {
	r.touch(sessionID, nil)
}

// UpdateCursor records the caller's cursor position and counts as activity.
func (r *Registry) UpdateCursor(sessionID string, pos int, version int64) {
	r.touch(sessionID, func(sess *models.Session) {
		p := pos
		sess.CursorPos = &p
		sess.CursorVersion = version
	})
}

func (r *Registry) touch(sessionID string, mutate func(*models.Session)) {
	v, ok := r.index.Load(sessionID)
	if !ok {
		return
	}
	rs := v.(*roomState)
	rs.mu.Lock()
	sess, ok := rs.sessions[sessionID]
	if !ok {
		rs.mu.Unlock()
		return
	}
	sess.LastActivity = time.Now().UTC()
	revived := sess.Status != models.StatusOnline
	sess.Status = models.StatusOnline
	cursorMoved := mutate != nil
	if mutate != nil {
		mutate(sess)
	}
	out := *sess
	rs.mu.Unlock()

	if revived {
		if err := r.store.UpdateSessionStatus(out.ID, out.Status); err != nil {
			log.Printf("presence: persist status %s: %v", out.ID, err)
		}
	}
	if revived || cursorMoved {
		r.publishUpdate(&out, false)
	}
}

// Leave marks the session offline immediately. The reaper removes it later.
func (r *Registry) Leave(sessionID string) {
	v, ok := r.index.Load(sessionID)
	if !ok {
		return
	}
	rs := v.(*roomState)
	rs.mu.Lock()
	sess, ok := rs.sessions[sessionID]
	if !ok {
		rs.mu.Unlock()
		return
	}
	sess.Status = models.StatusOffline
	sess.LastActivity = time.Now().UTC()
	out := *sess
	rs.mu.Unlock()

	if err := r.store.UpdateSessionStatus(out.ID, out.Status); err != nil {
		log.Printf("presence: persist status %s: %v", out.ID, err)
	}
	r.publishUpdate(&out, false)
}

// Get returns a copy of the session, or nil if unknown.
func (r *Registry) Get(sessionID string) *models.Session {
	v, ok := r.index.Load(sessionID)
	if !ok {
		return nil
	}
	rs := v.(*roomState)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	sess, ok := rs.sessions[sessionID]
	if !ok {
		return nil
	}
	out := *sess
	return &out
}

// RoomSessions lists the room's sessions for snapshot construction.
func (r *Registry) RoomSessions(roomID string) []models.Session {
	rs := r.room(roomID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]models.Session, 0, len(rs.sessions))
	for _, sess := range rs.sessions {
		out = append(out, *sess)
	}
	return out
}

// Sweep applies the inactivity state machine to every session as of now.
// Each session is re-read under its room lock right before demotion, so a
// heartbeat racing the sweep wins on last_activity and is not demoted.
func (r *Registry) Sweep(now time.Time) {
	r.mu.RLock()
	rooms := make([]*roomState, 0, len(r.rooms))
	for _, rs := range r.rooms {
		rooms = append(rooms, rs)
	}
	r.mu.RUnlock()

	for _, rs := range rooms {
		var updated []models.Session
		var removed []models.Session

		rs.mu.Lock()
		for id, sess := range rs.sessions {
			idle := now.Sub(sess.LastActivity)
			next := r.nextStatus(sess.Status, idle)
			if idle >= r.thresholds.Remove {
				delete(rs.sessions, id)
				delete(rs.byUser, sess.UserID)
				r.index.Delete(id)
				removed = append(removed, *sess)
				continue
			}
			if next != sess.Status {
				sess.Status = next
				updated = append(updated, *sess)
			}
		}
		rs.mu.Unlock()

		for i := range updated {
			if err := r.store.UpdateSessionStatus(updated[i].ID, updated[i].Status); err != nil {
				log.Printf("presence: persist status %s: %v", updated[i].ID, err)
			}
			r.publishUpdate(&updated[i], false)
		}
		for i := range removed {
			if err := r.store.DeleteSession(removed[i].ID); err != nil {
				log.Printf("presence: delete session %s: %v", removed[i].ID, err)
			}
			r.publishUpdate(&removed[i], true)
		}
	}
}

// nextStatus only ever demotes; revival happens on activity, not in sweeps.
func (r *Registry) nextStatus(cur models.SessionStatus, idle time.Duration) models.SessionStatus {
	switch {
	case idle >= r.thresholds.Offline:
		return models.StatusOffline
	case idle >= r.thresholds.Away:
		if cur == models.StatusOffline {
			return cur
		}
		return models.StatusAway
	default:
		return cur
	}
}

func (r *Registry) publishUpdate(sess *models.Session, removed bool) {
	payload := models.PresenceUpdatePayload{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Status:    sess.Status,
		FileID:    sess.FileID,
		CursorPos: sess.CursorPos,
		Removed:   removed,
	}
	if err := r.bc.Publish(sess.RoomID, models.EventPresenceUpdate, payload); err != nil {
		log.Printf("presence: publish update for %s: %v", sess.ID, err)
	}
}

// Reaper periodically sweeps the registry.
type Reaper struct {
	registry *Registry
	interval time.Duration
}

func NewReaper(registry *Registry, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Reaper{registry: registry, interval: interval}
}

// Run sweeps until ctx is done. Call in its own goroutine.
func (p *Reaper) Run(done <-chan struct{}) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			p.registry.Sweep(now.UTC())
		}
	}
}
