package services

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"collab-sync/internal/broadcast"
	"collab-sync/internal/models"
	"collab-sync/internal/ot"
	"collab-sync/internal/repos"
)

var ErrConflict = errors.New("version conflict")

// ConflictError tells the caller which version to refetch before
// resubmitting.
type ConflictError struct {
	ServerVersion int64 `json:"server_version"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: server at version %d", ErrConflict.Error(), e.ServerVersion)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

type SubmitChangeInput struct {
	FileID         string           `json:"-"`
	ClientChangeID string           `json:"change_id"`
	UserID         string           `json:"-"`
	BaseVersion    int64            `json:"base_version"`
	Op             models.Operation `json:"op"`
}

type OpenFileInput struct {
	Path     string `json:"path"`
	Language string `json:"language"`
	Content  string `json:"content"`
}

// FileService owns authoritative file content and reconciles concurrent
// edits into one ordered history per file. All mutation goes through
// SubmitChange; the per-file slot serializes submissions while leaving
// different files fully parallel.
type FileService struct {
	store *repos.Store
	bc    broadcast.Broadcaster

	mu    sync.Mutex
	slots map[string]*sync.Mutex
}

func NewFileService(store *repos.Store, bc broadcast.Broadcaster) *FileService {
	return &FileService{
		store: store,
		bc:    bc,
		slots: make(map[string]*sync.Mutex),
	}
}

// slot returns the serialization lock for a file. Waiters queue in roughly
// arrival order; only one submission is evaluated at a time per file.
// Entries are never evicted (a waiter could be queued on one at any time);
// the map grows one small entry per file edited since boot.
func (s *FileService) slot(fileID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.slots[fileID]
	if !ok {
		m = &sync.Mutex{}
		s.slots[fileID] = m
	}
	return m
}

// OpenFile returns the file at group+path, creating it at version 1 on
// first access. Creation races resolve to whichever insert won.
func (s *FileService) OpenFile(groupID string, in OpenFileInput) (*models.File, error) {
	path := strings.TrimSpace(in.Path)
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if f, err := s.store.GetFileByPath(groupID, path); err == nil {
		return f, nil
	} else if !errors.Is(err, repos.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	f := &models.File{
		ID:        uuid.NewString(),
		GroupID:   groupID,
		Path:      path,
		Content:   in.Content,
		Language:  strings.TrimSpace(in.Language),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := withRetry(func() error { return s.store.InsertFile(f) })
	if err != nil {
		// A concurrent open may have created it first.
		if existing, gerr := s.store.GetFileByPath(groupID, path); gerr == nil {
			return existing, nil
		}
		return nil, err
	}
	return f, nil
}

// GetCurrent returns the authoritative content and version.
func (s *FileService) GetCurrent(fileID string) (*models.File, error) {
	return s.store.GetFile(fileID)
}

// ListFiles returns a room's files for snapshot construction.
func (s *FileService) ListFiles(groupID string) ([]models.File, error) {
	return s.store.ListFilesByGroup(groupID)
}

// Changes returns the applied change log after a version, for resync.
// Rejected submissions are excluded; they never advanced the file.
func (s *FileService) Changes(fileID string, afterVersion int64, limit int) ([]models.Change, error) {
	if _, err := s.store.GetFile(fileID); err != nil {
		return nil, err
	}
	return s.store.ListChanges(fileID, afterVersion, limit)
}

// SubmitChange serializes, validates, transforms and applies one edit.
//
// Outcomes: (change, nil) when applied; (recorded change, *ConflictError)
// when the edit cannot be rebased over intervening changes; plain errors
// for malformed input, impossible base versions and unknown files.
// Resubmitting a client change id returns the originally recorded result
// without touching the file again.
func (s *FileService) SubmitChange(in SubmitChangeInput) (*models.Change, error) {
	if strings.TrimSpace(in.ClientChangeID) == "" {
		return nil, fmt.Errorf("change_id is required")
	}
	if in.BaseVersion < 1 {
		return nil, fmt.Errorf("base_version %d is not a valid observed version", in.BaseVersion)
	}
	if err := validateShape(in.Op); err != nil {
		return nil, err
	}

	slot := s.slot(in.FileID)
	slot.Lock()
	defer slot.Unlock()

	if prev, err := s.store.GetChangeByClientID(in.FileID, in.ClientChangeID); err == nil {
		if prev.Status == models.ChangeRejected {
			version := prev.BaseVersion
			if f, ferr := s.store.GetFile(in.FileID); ferr == nil {
				version = f.Version
			}
			return prev, &ConflictError{ServerVersion: version}
		}
		return prev, nil
	} else if !errors.Is(err, repos.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	file, err := s.store.GetFile(in.FileID)
	if err != nil {
		return nil, err
	}

	if in.BaseVersion > file.Version {
		return nil, fmt.Errorf("base_version %d is ahead of server version %d", in.BaseVersion, file.Version)
	}

	op := in.Op
	if in.BaseVersion < file.Version {
		priors, err := s.store.AppliedOpsSince(in.FileID, in.BaseVersion)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		op, err = ot.TransformAll(op, priors)
		if errors.Is(err, ot.ErrConflict) {
			return s.recordRejection(in, file)
		}
		if err != nil {
			return nil, err
		}
	}

	newContent, err := ot.Apply(file.Content, op)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	change := &models.Change{
		ID:               in.ClientChangeID,
		FileID:           in.FileID,
		UserID:           in.UserID,
		BaseVersion:      in.BaseVersion,
		Op:               op,
		Status:           models.ChangeApplied,
		ResultingVersion: file.Version + 1,
		CreatedAt:        now,
	}
	err = withRetry(func() error {
		return s.store.WithTx(func(tx *sql.Tx) error {
			committed := *file
			committed.Content = newContent
			committed.Version = file.Version + 1
			committed.UpdatedAt = now
			if err := s.store.CommitFileTx(tx, &committed); err != nil {
				return err
			}
			return s.store.InsertChangeTx(tx, change)
		})
	})
	if err != nil {
		return nil, err
	}

	s.publishApplied(file.GroupID, change)
	return change, nil
}

// recordRejection logs the conflicted submission so resubmits of the same
// client change id replay the rejection instead of re-evaluating it.
func (s *FileService) recordRejection(in SubmitChangeInput, file *models.File) (*models.Change, error) {
	change := &models.Change{
		ID:          in.ClientChangeID,
		FileID:      in.FileID,
		UserID:      in.UserID,
		BaseVersion: in.BaseVersion,
		Op:          in.Op,
		Status:      models.ChangeRejected,
		CreatedAt:   time.Now().UTC(),
	}
	err := withRetry(func() error {
		return s.store.WithTx(func(tx *sql.Tx) error {
			return s.store.InsertChangeTx(tx, change)
		})
	})
	if err != nil {
		return nil, err
	}
	return change, &ConflictError{ServerVersion: file.Version}
}

func (s *FileService) publishApplied(roomID string, change *models.Change) {
	payload := models.ChangeAppliedPayload{
		FileID:           change.FileID,
		UserID:           change.UserID,
		ClientChangeID:   change.ID,
		Op:               change.Op,
		ResultingVersion: change.ResultingVersion,
	}
	if err := s.bc.Publish(roomID, models.EventChangeApplied, payload); err != nil {
		// Delivery is at-least-once with resync; a failed publish is not a
		// failed apply.
		log.Printf("file: publish change %s: %v", change.ID, err)
	}
}

// validateShape rejects structurally malformed operations before any
// version bookkeeping happens.
func validateShape(op models.Operation) error {
	switch op.Kind {
	case models.OpInsert:
		if op.Pos < 0 {
			return fmt.Errorf("insert pos %d is negative", op.Pos)
		}
	case models.OpDelete, models.OpReplace:
		if op.Pos < 0 || op.End <= op.Pos {
			return fmt.Errorf("range [%d,%d) is malformed", op.Pos, op.End)
		}
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
	return nil
}
