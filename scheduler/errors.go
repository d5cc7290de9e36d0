package scheduler

import (
	"errors"
	"fmt"
)

// ErrNotReady is returned by GetFrame when slot i is still Pending (or was
// just reserved) when the time-box expires. The in-flight task is not
// cancelled; a subsequent GetFrame(i) call may return its result.
var ErrNotReady = errors.New("scheduler: frame not ready within time-box")

// OutOfBoundsError is returned for a frame index outside [0, totalFrames).
type OutOfBoundsError struct {
	Index, Count uint64
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("scheduler: frame index %d out of bounds (count %d)", e.Index, e.Count)
}
