// Package errs contains sentinel errors shared by the store and service layers.
package errs

import "errors"

var (
	// ErrNotFound indicates the requested engagement or log does not exist.
	ErrNotFound = errors.New("not found")

	// ErrChatClosed indicates the engagement is finalised and accepts no new messages.
	ErrChatClosed = errors.New("chat is closed")

	// ErrAlreadyAssigned indicates the task already has a selected worker.
	ErrAlreadyAssigned = errors.New("task already assigned")
)
