package models

import (
	"encoding/json"
	"time"
)

// OpKind tags the variant of an edit operation.
type OpKind string

const (
	OpInsert  OpKind = "insert"
	OpDelete  OpKind = "delete"
	OpReplace OpKind = "replace"
)

// Operation is a single edit against a file. Pos is the insertion point for
// inserts; Pos/End delimit the half-open target range [Pos, End) for deletes
// and replaces. Coordinates are byte offsets into the content the operation
// was authored against.
type Operation struct {
	Kind OpKind `json:"kind"`
	Pos  int    `json:"pos"`
	End  int    `json:"end,omitempty"`
	Text string `json:"text,omitempty"`
}

type File struct {
	ID        string    `json:"id"`
	GroupID   string    `json:"group_id"`
	Path      string    `json:"path"`
	Content   string    `json:"content"`
	Language  string    `json:"language,omitempty"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ChangeStatus string

const (
	ChangeApplied  ChangeStatus = "applied"
	ChangeRejected ChangeStatus = "rejected"
)

// Change is one row of the per-file change log. ServerSeq is assigned at
// apply time and orders applied and rejected submissions alike.
type Change struct {
	ID               string       `json:"id"`
	ServerSeq        int64        `json:"server_seq"`
	FileID           string       `json:"file_id"`
	UserID           string       `json:"user_id"`
	BaseVersion      int64        `json:"base_version"`
	Op               Operation    `json:"op"`
	Status           ChangeStatus `json:"status"`
	ResultingVersion int64        `json:"resulting_version,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

type SessionStatus string

const (
	StatusOnline  SessionStatus = "online"
	StatusAway    SessionStatus = "away"
	StatusOffline SessionStatus = "offline"
)

type Session struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	RoomID        string        `json:"room_id"`
	FileID        string        `json:"file_id,omitempty"`
	CursorPos     *int          `json:"cursor_pos,omitempty"`
	CursorVersion int64         `json:"cursor_version,omitempty"`
	Status        SessionStatus `json:"status"`
	LastActivity  time.Time     `json:"last_activity"`
	CreatedAt     time.Time     `json:"created_at"`
}

type ChatMessage struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	ServerSeq int64     `json:"server_seq"`
	CreatedAt time.Time `json:"created_at"`
}

// EventType enumerates what the Broadcaster fans out to room subscribers.
type EventType string

const (
	EventChangeApplied  EventType = "ChangeApplied"
	EventPresenceUpdate EventType = "PresenceUpdate"
	EventChatMessage    EventType = "ChatMessage"
)

// Event is the wire shape delivered to subscribers. ServerSeq is room-scoped
// and strictly increasing so a subscriber can detect gaps and resubscribe.
type Event struct {
	Type      EventType       `json:"type"`
	RoomID    string          `json:"room_id"`
	ServerSeq int64           `json:"server_sequence"`
	Payload   json.RawMessage `json:"payload"`
}

// ChangeAppliedPayload is the payload of a ChangeApplied event. Clients
// apply it only when ResultingVersion is exactly their file version + 1;
// anything lower is already reflected in their snapshot and is skipped.
type ChangeAppliedPayload struct {
	FileID           string    `json:"file_id"`
	UserID           string    `json:"user_id"`
	ClientChangeID   string    `json:"client_change_id"`
	Op               Operation `json:"op"`
	ResultingVersion int64     `json:"resulting_version"`
}

// PresenceUpdatePayload is the payload of a PresenceUpdate event.
type PresenceUpdatePayload struct {
	SessionID string        `json:"session_id"`
	UserID    string        `json:"user_id"`
	Status    SessionStatus `json:"status"`
	FileID    string        `json:"file_id,omitempty"`
	CursorPos *int          `json:"cursor_pos,omitempty"`
	Removed   bool          `json:"removed,omitempty"`
}

// Snapshot bootstraps a late joiner before its incremental event stream.
type Snapshot struct {
	RoomID    string        `json:"room_id"`
	ServerSeq int64         `json:"server_sequence"`
	Files     []File        `json:"files"`
	Sessions  []Session     `json:"sessions"`
	Chat      []ChatMessage `json:"chat"`
}
