package queue

import "errors"

var (
	// ErrNotFound indicates the broadcaster or queue entry does not exist.
	ErrNotFound = errors.New("queue: not found")
	// ErrInvalidTransition indicates a status change from a non-queued entry.
	ErrInvalidTransition = errors.New("queue: entry is not queued")
	// ErrOpConflict indicates an op_id replay with a different payload or command type.
	ErrOpConflict = errors.New("queue: operation id conflict")
	// ErrDuplicateRedemption indicates an enqueue for an already-known redemption.
	// Callers are expected to retry the event as a redemption update.
	ErrDuplicateRedemption = errors.New("queue: duplicate redemption")
	// ErrInvalidTimezone indicates the broadcaster timezone cannot be resolved.
	ErrInvalidTimezone = errors.New("queue: invalid timezone")
	// ErrInvalidOpID indicates an admin command carried a malformed op_id.
	ErrInvalidOpID = errors.New("queue: invalid op id")
	// ErrInvalidSettingsPatch indicates a settings patch that is not a JSON object.
	ErrInvalidSettingsPatch = errors.New("queue: settings patch must be a JSON object")
)
