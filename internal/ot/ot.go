// Package ot applies and transforms line-agnostic text operations. An
// operation authored against an old version of a file is rebased over every
// change applied since by shifting its coordinates; ranges that overlap a
// prior change are rejected rather than merged best-effort.
package ot

import (
	"errors"
	"fmt"

	"collab-sync/internal/models"
)

// ErrConflict means the operation overlaps a previously applied change and
// cannot be rebased unambiguously. The caller must refetch and resubmit.
var ErrConflict = errors.New("transform conflict")

// BoundsError reports an operation whose coordinates do not fit the content
// it targets.
type BoundsError struct {
	Op      models.Operation
	Length  int
	Message string
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("operation out of bounds: %s (content length %d)", e.Message, e.Length)
}

// Validate checks op's shape and coordinates against content of length n.
func Validate(op models.Operation, n int) error {
	switch op.Kind {
	case models.OpInsert:
		if op.Pos < 0 || op.Pos > n {
			return &BoundsError{Op: op, Length: n, Message: fmt.Sprintf("insert pos %d", op.Pos)}
		}
	case models.OpDelete, models.OpReplace:
		if op.Pos < 0 || op.End > n || op.Pos >= op.End {
			return &BoundsError{Op: op, Length: n, Message: fmt.Sprintf("range [%d,%d)", op.Pos, op.End)}
		}
	default:
		return &BoundsError{Op: op, Length: n, Message: fmt.Sprintf("unknown kind %q", op.Kind)}
	}
	return nil
}

// Apply applies op to content. Coordinates must already be valid for content.
func Apply(content string, op models.Operation) (string, error) {
	if err := Validate(op, len(content)); err != nil {
		return "", err
	}
	switch op.Kind {
	case models.OpInsert:
		return content[:op.Pos] + op.Text + content[op.Pos:], nil
	case models.OpDelete:
		return content[:op.Pos] + content[op.End:], nil
	default: // replace
		return content[:op.Pos] + op.Text + content[op.End:], nil
	}
}

// Transform rebases pending, authored before prior was applied, so that it
// targets the content produced by prior. Returns ErrConflict when the two
// operations touch overlapping ranges.
func Transform(pending, prior models.Operation) (models.Operation, error) {
	switch prior.Kind {
	case models.OpInsert:
		return transformAgainstInsert(pending, prior.Pos, len(prior.Text))
	case models.OpDelete:
		return transformAgainstSplice(pending, prior.Pos, prior.End, -(prior.End - prior.Pos))
	default: // replace
		return transformAgainstSplice(pending, prior.Pos, prior.End, len(prior.Text)-(prior.End-prior.Pos))
	}
}

// TransformAll rebases pending over each prior in application order.
func TransformAll(pending models.Operation, priors []models.Operation) (models.Operation, error) {
	var err error
	for _, p := range priors {
		if pending, err = Transform(pending, p); err != nil {
			return models.Operation{}, err
		}
	}
	return pending, nil
}

// transformAgainstInsert shifts pending around a prior insert of length n at
// position p. Inserts never conflict with each other; equal positions shift
// the later submission forward. A range that contains the insertion point is
// a conflict: the deleted or replaced span no longer means what its author
// saw.
func transformAgainstInsert(pending models.Operation, p, n int) (models.Operation, error) {
	if pending.Kind == models.OpInsert {
		if pending.Pos >= p {
			pending.Pos += n
		}
		return pending, nil
	}
	switch {
	case pending.End <= p:
		return pending, nil
	case p < pending.Pos:
		pending.Pos += n
		pending.End += n
		return pending, nil
	default: // pending.Pos <= p < pending.End
		return models.Operation{}, ErrConflict
	}
}

// transformAgainstSplice shifts pending around a prior delete or replace of
// the range [ps,pe) whose net length change is delta. Any overlap with the
// spliced range is a conflict.
func transformAgainstSplice(pending models.Operation, ps, pe, delta int) (models.Operation, error) {
	if pending.Kind == models.OpInsert {
		switch {
		case pending.Pos >= pe:
			pending.Pos += delta
			return pending, nil
		case pending.Pos <= ps:
			return pending, nil
		default:
			return models.Operation{}, ErrConflict
		}
	}
	switch {
	case pending.Pos >= pe:
		pending.Pos += delta
		pending.End += delta
		return pending, nil
	case pending.End <= ps:
		return pending, nil
	default:
		return models.Operation{}, ErrConflict
	}
}
