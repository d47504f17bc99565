package http

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "modernc.org/sqlite"

	"collab-sync/internal/broadcast"
	"collab-sync/internal/config"
	"collab-sync/internal/handlers"
	"collab-sync/internal/models"
	"collab-sync/internal/presence"
	"collab-sync/internal/repos"
	"collab-sync/internal/services"
)

var testSchema = []string{
	`CREATE TABLE files (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		path TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(group_id, path)
	);`,
	`CREATE TABLE changes (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		file_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		base_version INTEGER NOT NULL,
		op TEXT NOT NULL,
		status TEXT NOT NULL,
		resulting_version INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		UNIQUE(file_id, id)
	);`,
	`CREATE TABLE sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		room_id TEXT NOT NULL,
		file_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		last_activity DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE(room_id, user_id)
	);`,
	`CREATE TABLE chat_messages (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		content TEXT NOT NULL,
		server_seq INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE(room_id, server_seq)
	);`,
}

// routerEnv exposes the wired dependencies so tests can fault the storage
// or observe registry and hub state behind the handler.
type routerEnv struct {
	db       *sql.DB
	registry *presence.Registry
	hub      *broadcast.Hub
}

func setupRouter(t *testing.T) (http.Handler, *routerEnv) {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(1)
	for _, s := range testSchema {
		if _, err := db.Exec(s); err != nil {
			t.Fatal(err)
		}
	}

	store := repos.NewStore(db)
	hub := broadcast.NewHub(64)
	registry := presence.NewRegistry(store, hub, presence.Thresholds{
		Away:    time.Minute,
		Offline: 5 * time.Minute,
		Remove:  30 * time.Minute,
	})
	fileSvc := services.NewFileService(store, hub)
	chatSvc := services.NewChatService(store, hub)
	hub.SetSnapshotFunc(func(roomID string) (*models.Snapshot, error) {
		files, err := fileSvc.ListFiles(roomID)
		if err != nil {
			return nil, err
		}
		chat, err := chatSvc.Recent(roomID, 50)
		if err != nil {
			return nil, err
		}
		return &models.Snapshot{
			Files:    files,
			Sessions: registry.RoomSessions(roomID),
			Chat:     chat,
		}, nil
	})

	h := handlers.NewRoomHandler(fileSvc, chatSvc, registry, hub)
	return NewRouter(config.Config{}, h), &routerEnv{db: db, registry: registry, hub: hub}
}

func doJSON(t *testing.T, r http.Handler, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-User-ID", user)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestCollabFlow(t *testing.T) {
	r, _ := setupRouter(t)

	joinRec := doJSON(t, r, http.MethodPost, "/api/collab/v1/rooms/room1/join", "alice", `{}`)
	if joinRec.Code != http.StatusOK {
		t.Fatalf("join status=%d body=%s", joinRec.Code, joinRec.Body.String())
	}
	var sess models.Session
	if err := json.Unmarshal(joinRec.Body.Bytes(), &sess); err != nil || sess.ID == "" {
		t.Fatalf("bad join response: %s", joinRec.Body.String())
	}

	openRec := doJSON(t, r, http.MethodPost, "/api/collab/v1/rooms/room1/files", "alice",
		`{"path":"/main.go","language":"go","content":"abc"}`)
	if openRec.Code != http.StatusOK {
		t.Fatalf("open status=%d body=%s", openRec.Code, openRec.Body.String())
	}
	var file models.File
	_ = json.Unmarshal(openRec.Body.Bytes(), &file)
	if file.ID == "" || file.Version != 1 {
		t.Fatalf("bad open response: %s", openRec.Body.String())
	}

	changeRec := doJSON(t, r, http.MethodPost, "/api/collab/v1/files/"+file.ID+"/changes", "alice",
		`{"change_id":"c1","base_version":1,"op":{"kind":"insert","pos":1,"text":"X"}}`)
	if changeRec.Code != http.StatusOK {
		t.Fatalf("change status=%d body=%s", changeRec.Code, changeRec.Body.String())
	}

	getRec := doJSON(t, r, http.MethodGet, "/api/collab/v1/files/"+file.ID, "alice", "")
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status=%d body=%s", getRec.Code, getRec.Body.String())
	}
	var cur models.File
	_ = json.Unmarshal(getRec.Body.Bytes(), &cur)
	if cur.Content != "aXbc" || cur.Version != 2 {
		t.Fatalf("got content %q version %d", cur.Content, cur.Version)
	}

	logRec := doJSON(t, r, http.MethodGet, "/api/collab/v1/files/"+file.ID+"/changes?since_version=1", "alice", "")
	if logRec.Code != http.StatusOK || !strings.Contains(logRec.Body.String(), `"c1"`) {
		t.Fatalf("changes status=%d body=%s", logRec.Code, logRec.Body.String())
	}

	chatRec := doJSON(t, r, http.MethodPost, "/api/collab/v1/rooms/room1/chat", "alice", `{"content":"hi"}`)
	if chatRec.Code != http.StatusOK {
		t.Fatalf("chat status=%d body=%s", chatRec.Code, chatRec.Body.String())
	}
	recentRec := doJSON(t, r, http.MethodGet, "/api/collab/v1/rooms/room1/chat?limit=10", "alice", "")
	if recentRec.Code != http.StatusOK || !strings.Contains(recentRec.Body.String(), `"hi"`) {
		t.Fatalf("recent status=%d body=%s", recentRec.Code, recentRec.Body.String())
	}

	hbRec := doJSON(t, r, http.MethodPost, "/api/collab/v1/sessions/"+sess.ID+"/heartbeat", "alice", "")
	if hbRec.Code != http.StatusOK {
		t.Fatalf("heartbeat status=%d", hbRec.Code)
	}
	curRec := doJSON(t, r, http.MethodPost, "/api/collab/v1/sessions/"+sess.ID+"/cursor", "alice",
		`{"position":2,"version":2}`)
	if curRec.Code != http.StatusOK {
		t.Fatalf("cursor status=%d", curRec.Code)
	}
	leaveRec := doJSON(t, r, http.MethodPost, "/api/collab/v1/sessions/"+sess.ID+"/leave", "alice", "")
	if leaveRec.Code != http.StatusOK {
		t.Fatalf("leave status=%d", leaveRec.Code)
	}
}

func TestSubmitChangeConflict409(t *testing.T) {
	r, _ := setupRouter(t)

	openRec := doJSON(t, r, http.MethodPost, "/api/collab/v1/rooms/room1/files", "alice",
		`{"path":"/a","content":"abc"}`)
	var file models.File
	_ = json.Unmarshal(openRec.Body.Bytes(), &file)

	rec1 := doJSON(t, r, http.MethodPost, "/api/collab/v1/files/"+file.ID+"/changes", "alice",
		`{"change_id":"a1","base_version":1,"op":{"kind":"insert","pos":1,"text":"X"}}`)
	if rec1.Code != http.StatusOK {
		t.Fatalf("first change failed: %s", rec1.Body.String())
	}

	rec2 := doJSON(t, r, http.MethodPost, "/api/collab/v1/files/"+file.ID+"/changes", "bob",
		`{"change_id":"b1","base_version":1,"op":{"kind":"delete","pos":1,"end":2}}`)
	if rec2.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%s", rec2.Code, rec2.Body.String())
	}
	var body map[string]any
	_ = json.Unmarshal(rec2.Body.Bytes(), &body)
	if body["server_version"] != float64(2) {
		t.Fatalf("expected server_version 2, got %v", body["server_version"])
	}

	rec3 := doJSON(t, r, http.MethodPost, "/api/collab/v1/files/"+file.ID+"/changes", "bob",
		`{"change_id":"b2","base_version":5,"op":{"kind":"insert","pos":0,"text":"y"}}`)
	if rec3.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for future base version, got %d", rec3.Code)
	}

	rec4 := doJSON(t, r, http.MethodPost, "/api/collab/v1/files/missing/changes", "bob",
		`{"change_id":"b3","base_version":1,"op":{"kind":"insert","pos":0,"text":"y"}}`)
	if rec4.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown file, got %d", rec4.Code)
	}
}

func TestHealthz(t *testing.T) {
	r, _ := setupRouter(t)
	rec := doJSON(t, r, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", rec.Code)
	}
}

// Subscribe over a real websocket: snapshot first, then live events.
func TestSubscribeWebsocket(t *testing.T) {
	r, _ := setupRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	openRec := doJSON(t, r, http.MethodPost, "/api/collab/v1/rooms/room1/files", "alice",
		`{"path":"/a","content":"abc"}`)
	var file models.File
	_ = json.Unmarshal(openRec.Body.Bytes(), &file)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/collab/v1/rooms/room1/subscribe"
	header := http.Header{"X-User-ID": []string{"carol"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first struct {
		Type     string          `json:"type"`
		Snapshot models.Snapshot `json:"payload"`
	}
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatal(err)
	}
	if first.Type != "Snapshot" {
		t.Fatalf("expected snapshot frame, got %s", first.Type)
	}
	if len(first.Snapshot.Files) != 1 || first.Snapshot.Files[0].Content != "abc" {
		t.Fatalf("bad snapshot: %+v", first.Snapshot)
	}

	changeRec := doJSON(t, r, http.MethodPost, "/api/collab/v1/files/"+file.ID+"/changes", "alice",
		`{"change_id":"c1","base_version":1,"op":{"kind":"insert","pos":3,"text":"!"}}`)
	if changeRec.Code != http.StatusOK {
		t.Fatalf("change status=%d body=%s", changeRec.Code, changeRec.Body.String())
	}

	var evt models.Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatal(err)
	}
	if evt.Type != models.EventChangeApplied {
		t.Fatalf("expected ChangeApplied, got %s", evt.Type)
	}
	if evt.ServerSeq != first.Snapshot.ServerSeq+1 {
		t.Fatalf("sequence gap after snapshot: %d -> %d", first.Snapshot.ServerSeq, evt.ServerSeq)
	}
	var payload models.ChangeAppliedPayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if got, want := payload.ResultingVersion, int64(2); got != want {
		t.Fatalf("resulting version %d, want %d", got, want)
	}
	want := models.Operation{Kind: models.OpInsert, Pos: 3, Text: "!"}
	if payload.Op != want {
		t.Fatalf("unexpected op in event: %+v", payload.Op)
	}
}

// Losing the change log mid-request must surface as 503 with the file
// untouched; the same submission succeeds once storage is back.
func TestSubmitChangeStorageUnavailable503(t *testing.T) {
	r, env := setupRouter(t)

	openRec := doJSON(t, r, http.MethodPost, "/api/collab/v1/rooms/room1/files", "alice",
		`{"path":"/a","content":"abc"}`)
	var file models.File
	_ = json.Unmarshal(openRec.Body.Bytes(), &file)

	if _, err := env.db.Exec(`DROP TABLE changes`); err != nil {
		t.Fatal(err)
	}

	change := `{"change_id":"c1","base_version":1,"op":{"kind":"insert","pos":1,"text":"X"}}`
	rec := doJSON(t, r, http.MethodPost, "/api/collab/v1/files/"+file.ID+"/changes", "alice", change)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d body=%s", rec.Code, rec.Body.String())
	}

	getRec := doJSON(t, r, http.MethodGet, "/api/collab/v1/files/"+file.ID, "alice", "")
	var cur models.File
	_ = json.Unmarshal(getRec.Body.Bytes(), &cur)
	if cur.Version != 1 || cur.Content != "abc" {
		t.Fatalf("file mutated despite storage failure: %+v", cur)
	}

	if _, err := env.db.Exec(testSchema[1]); err != nil {
		t.Fatal(err)
	}
	retryRec := doJSON(t, r, http.MethodPost, "/api/collab/v1/files/"+file.ID+"/changes", "alice", change)
	if retryRec.Code != http.StatusOK {
		t.Fatalf("resubmit after recovery status=%d body=%s", retryRec.Code, retryRec.Body.String())
	}
}

// Closing the socket leaves the session and releases the subscription.
func TestSubscribeDisconnectLeavesSession(t *testing.T) {
	r, env := setupRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	joinRec := doJSON(t, r, http.MethodPost, "/api/collab/v1/rooms/room1/join", "dave", `{}`)
	var sess models.Session
	if err := json.Unmarshal(joinRec.Body.Bytes(), &sess); err != nil || sess.ID == "" {
		t.Fatalf("bad join response: %s", joinRec.Body.String())
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") +
		"/api/collab/v1/rooms/room1/subscribe?session_id=" + sess.ID
	header := http.Header{"X-User-ID": []string{"dave"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first struct {
		Type string `json:"type"`
	}
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatal(err)
	}
	if n := env.hub.SubscriberCount("room1"); n != 1 {
		t.Fatalf("expected 1 subscriber after snapshot, got %d", n)
	}

	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		got := env.registry.Get(sess.ID)
		if got != nil && got.Status == models.StatusOffline && env.hub.SubscriberCount("room1") == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session %+v, subscribers %d", got, env.hub.SubscriberCount("room1"))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
