package repos

import (
	"database/sql"
	"encoding/json"
	"errors"

	"collab-sync/internal/models"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) WithTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- files ---

func (s *Store) GetFile(id string) (*models.File, error) {
	row := s.db.QueryRow(`
		SELECT id, group_id, path, content, language, version, created_at, updated_at
		FROM files WHERE id = ?
	`, id)
	return scanFile(row)
}

func (s *Store) GetFileTx(tx *sql.Tx, id string) (*models.File, error) {
	row := tx.QueryRow(`
		SELECT id, group_id, path, content, language, version, created_at, updated_at
		FROM files WHERE id = ?
	`, id)
	return scanFile(row)
}

func (s *Store) GetFileByPath(groupID, path string) (*models.File, error) {
	row := s.db.QueryRow(`
		SELECT id, group_id, path, content, language, version, created_at, updated_at
		FROM files WHERE group_id = ? AND path = ?
	`, groupID, path)
	return scanFile(row)
}

func (s *Store) InsertFile(f *models.File) error {
	_, err := s.db.Exec(`
		INSERT INTO files (id, group_id, path, content, language, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.GroupID, f.Path, f.Content, f.Language, f.Version, f.CreatedAt.UTC(), f.UpdatedAt.UTC())
	return err
}

// CommitFileTx swaps content and version together. The version predicate
// keeps a lost race from silently overwriting a newer commit.
func (s *Store) CommitFileTx(tx *sql.Tx, f *models.File) error {
	res, err := tx.Exec(`
		UPDATE files SET content = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`, f.Content, f.Version, f.UpdatedAt.UTC(), f.ID, f.Version-1)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListFilesByGroup(groupID string) ([]models.File, error) {
	rows, err := s.db.Query(`
		SELECT id, group_id, path, content, language, version, created_at, updated_at
		FROM files WHERE group_id = ? ORDER BY path ASC
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []models.File
	for rows.Next() {
		var f models.File
		if err := rows.Scan(&f.ID, &f.GroupID, &f.Path, &f.Content, &f.Language, &f.Version, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// --- changes ---

func (s *Store) GetChangeByClientID(fileID, clientID string) (*models.Change, error) {
	row := s.db.QueryRow(`
		SELECT seq, id, file_id, user_id, base_version, op, status, resulting_version, created_at
		FROM changes WHERE file_id = ? AND id = ?
	`, fileID, clientID)
	return scanChange(row)
}

func (s *Store) InsertChangeTx(tx *sql.Tx, c *models.Change) error {
	op, err := json.Marshal(c.Op)
	if err != nil {
		return err
	}
	res, err := tx.Exec(`
		INSERT INTO changes (id, file_id, user_id, base_version, op, status, resulting_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.FileID, c.UserID, c.BaseVersion, string(op), c.Status, c.ResultingVersion, c.CreatedAt.UTC())
	if err != nil {
		return err
	}
	seq, err := res.LastInsertId()
	if err == nil {
		c.ServerSeq = seq
	}
	return nil
}

// AppliedOpsSince returns the applied operations with resulting_version >
// afterVersion, in apply order. These are the changes a stale submission
// must be transformed over.
func (s *Store) AppliedOpsSince(fileID string, afterVersion int64) ([]models.Operation, error) {
	rows, err := s.db.Query(`
		SELECT op FROM changes
		WHERE file_id = ? AND status = ? AND resulting_version > ?
		ORDER BY resulting_version ASC
	`, fileID, models.ChangeApplied, afterVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []models.Operation
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var op models.Operation
		if err := json.Unmarshal([]byte(raw), &op); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// ListChanges is the resync feed: applied changes only, in apply order.
// Rejected rows stay queryable by client id for idempotent replay but
// never enter the feed.
func (s *Store) ListChanges(fileID string, afterVersion int64, limit int) ([]models.Change, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT seq, id, file_id, user_id, base_version, op, status, resulting_version, created_at
		FROM changes WHERE file_id = ? AND status = ? AND resulting_version > ?
		ORDER BY resulting_version ASC LIMIT ?
	`, fileID, models.ChangeApplied, afterVersion, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []models.Change
	for rows.Next() {
		c, err := scanChangeFromRows(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, *c)
	}
	return changes, rows.Err()
}

// --- sessions ---

func (s *Store) UpsertSession(sess *models.Session) error {
	// Keyed on room+user so a rejoin after a restart replaces the stale row.
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, user_id, room_id, file_id, status, last_activity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(room_id, user_id) DO UPDATE SET
			id = excluded.id,
			file_id = excluded.file_id,
			status = excluded.status,
			last_activity = excluded.last_activity
	`, sess.ID, sess.UserID, sess.RoomID, sess.FileID, sess.Status, sess.LastActivity.UTC(), sess.CreatedAt.UTC())
	return err
}

func (s *Store) UpdateSessionStatus(id string, status models.SessionStatus) error {
	_, err := s.db.Exec(`UPDATE sessions SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) DeleteSession(id string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// --- chat ---

func (s *Store) NextChatSeqTx(tx *sql.Tx, roomID string) (int64, error) {
	var next int64
	err := tx.QueryRow(`
		SELECT COALESCE(MAX(server_seq), 0) + 1 FROM chat_messages WHERE room_id = ?
	`, roomID).Scan(&next)
	return next, err
}

func (s *Store) InsertChatMessageTx(tx *sql.Tx, m *models.ChatMessage) error {
	_, err := tx.Exec(`
		INSERT INTO chat_messages (id, room_id, user_id, content, server_seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.RoomID, m.UserID, m.Content, m.ServerSeq, m.CreatedAt.UTC())
	return err
}

// RecentChatMessages returns the last limit messages for a room in ascending
// server_seq order.
func (s *Store) RecentChatMessages(roomID string, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, room_id, user_id, content, server_seq, created_at FROM (
			SELECT id, room_id, user_id, content, server_seq, created_at
			FROM chat_messages WHERE room_id = ?
			ORDER BY server_seq DESC LIMIT ?
		) ORDER BY server_seq ASC
	`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.RoomID, &m.UserID, &m.Content, &m.ServerSeq, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- scan helpers ---

func scanFile(row interface{ Scan(dest ...any) error }) (*models.File, error) {
	var f models.File
	if err := row.Scan(&f.ID, &f.GroupID, &f.Path, &f.Content, &f.Language, &f.Version, &f.CreatedAt, &f.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &f, nil
}

func scanChange(row interface{ Scan(dest ...any) error }) (*models.Change, error) {
	var (
		c   models.Change
		raw string
	)
	if err := row.Scan(&c.ServerSeq, &c.ID, &c.FileID, &c.UserID, &c.BaseVersion, &raw, &c.Status, &c.ResultingVersion, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &c.Op); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanChangeFromRows(rows *sql.Rows) (*models.Change, error) {
	var (
		c   models.Change
		raw string
	)
	if err := rows.Scan(&c.ServerSeq, &c.ID, &c.FileID, &c.UserID, &c.BaseVersion, &raw, &c.Status, &c.ResultingVersion, &c.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &c.Op); err != nil {
		return nil, err
	}
	return &c, nil
}
