package position

import "errors"

var (
	// ErrPositionNotFound means nothing has been checkpointed for the stream yet.
	ErrPositionNotFound = errors.New("position not found")

	// ErrInvalidPosition means the stored data does not decode into the requested position type.
	ErrInvalidPosition = errors.New("invalid position")

	// ErrUnsupportedTrackerType is returned by NewTracker for unknown store types.
	ErrUnsupportedTrackerType = errors.New("unsupported tracker type")

	// ErrTrackerClosed is returned by every operation after Close.
	ErrTrackerClosed = errors.New("tracker is closed")

	// ErrKindMismatch means a checkpoint written by one source type is read by another.
	ErrKindMismatch = errors.New("position kind mismatch")
)
