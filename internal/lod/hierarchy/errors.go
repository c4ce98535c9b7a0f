package hierarchy

import (
	"github.com/pkg/errors"

	"voxelstream.ai/internal/lod/nodestore"
)

var (
	// ErrConflict is returned when a position is already tracked.
	ErrConflict = errors.New("position already tracked")
	// ErrNotFound is returned when a position is not tracked.
	ErrNotFound = errors.New("position not tracked")
	// ErrProtocolViolation marks a desynchronised caller or corrupted bookkeeping.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrNotTopLevel is returned when removing a position that was not inserted as top-level.
	ErrNotTopLevel = errors.Wrap(ErrProtocolViolation, "not a top-level node")

	ErrCapacityExceeded = nodestore.ErrCapacityExceeded
)

func violationf(format string, args ...any) error {
	return errors.Wrapf(ErrProtocolViolation, format, args...)
}
