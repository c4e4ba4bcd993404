package socialrt

import "errors"

var (
	// ErrNotConnected is returned when an operation needs a live connection.
	ErrNotConnected = errors.New("not connected")

	// ErrDropped is reported for queued actions discarded at teardown.
	ErrDropped = errors.New("queued action dropped before it could be sent")

	// ErrClosed is returned by operations on a closed session or client.
	ErrClosed = errors.New("closed")
)
