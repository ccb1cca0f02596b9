package domain

import "errors"

var (
	// ErrMessageNotFound is returned when a message cannot be found in the database
	ErrMessageNotFound = errors.New("message not found")

	// ErrMessageNotPending is returned when a status change is attempted on a
	// message that already left PENDING
	ErrMessageNotPending = errors.New("message is not in pending status")
)
