package store

import "errors"

var (
	// ErrNotFound indicates a missing record or one owned by another user.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a compare-and-set lost against a concurrent writer.
	ErrConflict = errors.New("concurrent modification")
	// ErrInvalidTransition indicates a status change the current state does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrDueDateTaken indicates another instance of the rule already lives on that date.
	ErrDueDateTaken = errors.New("due date already taken by another instance")
)
