package services

import (
	"errors"
	"fmt"
	"time"

	"collab-sync/internal/ot"
	"collab-sync/internal/repos"
)

// ErrStorageUnavailable is returned once bounded retries against durable
// storage are exhausted. No partial state is committed in that case.
var ErrStorageUnavailable = errors.New("storage unavailable")

const (
	retryAttempts = 3
	retryBase     = 25 * time.Millisecond
)

// withRetry runs fn, retrying transient storage failures with growing
// backoff. Domain errors (not-found, conflicts, bounds) pass through
// untouched on the first attempt.
func withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		time.Sleep(retryBase << attempt)
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}

func isTransient(err error) bool {
	var conflict *ConflictError
	var bounds *ot.BoundsError
	switch {
	case errors.Is(err, repos.ErrNotFound),
		errors.As(err, &conflict),
		errors.As(err, &bounds):
		return false
	}
	return true
}
