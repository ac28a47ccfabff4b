package device

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrSpikeVolume       = errors.New("spike volume exceeds link capacity")
	ErrDeviceTimeout     = errors.New("device timeout")
	ErrConnectionInvalid = errors.New("device connection invalid")
	ErrRemote            = errors.New("board error")
	ErrIOCode            = errors.New("io routine does not match model")
)

// SpikeVolumeError reports a tick whose host spikes do not fit the link.
type SpikeVolumeError struct {
	Tick   int64
	Spikes int
	Limit  int
}

func (e *SpikeVolumeError) Error() string {
	return fmt.Sprintf("%s: tick %d carries %d spikes, limit %d", ErrSpikeVolume, e.Tick, e.Spikes, e.Limit)
}

func (e *SpikeVolumeError) Unwrap() error { return ErrSpikeVolume }

// TimeoutError reports a round trip that did not complete in time. The
// connection it happened on is no longer usable.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %s did not complete within %s", ErrDeviceTimeout, e.Op, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrDeviceTimeout }
