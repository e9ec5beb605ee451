package engine

import "errors"

// Error taxonomy surfaced to callers. The API layer maps these to HTTP
// status codes; in-process callers test them with errors.Is.
var (
	// ErrBusy refuses a submit or cancel when the event queue is at its
	// high-water mark. Retryable by the caller.
	ErrBusy = errors.New("engine busy: event queue full")

	// ErrShutdown refuses new work once shutdown has begun.
	ErrShutdown = errors.New("engine shutting down")

	// ErrTimeout reports that a request's deadline elapsed before the loop
	// produced a response.
	ErrTimeout = errors.New("request deadline exceeded")

	// ErrNotFound reports an unknown account or order, including orders not
	// owned by the caller.
	ErrNotFound = errors.New("not found")

	// ErrConflict refuses an operation on an order already in a terminal
	// status.
	ErrConflict = errors.New("order already terminal")

	// ErrValidation wraps request-shape failures (bad kind, missing prices,
	// non-positive quantity, no market data for reservation pricing).
	ErrValidation = errors.New("validation failed")
)
