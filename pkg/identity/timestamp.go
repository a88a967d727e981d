package identity

import (
	"fmt"
	"time"

	"github.com/cyberfly-io/flynode/pkg/errdefs"
)

const (
	// MaxTimestampAge is how far in the past a protocol timestamp may be.
	MaxTimestampAge = time.Hour
	// MaxTimestampSkew is how far in the future a protocol timestamp may be.
	MaxTimestampSkew = 5 * time.Minute
)

// ValidateTimestamp checks the given unix timestamp in milliseconds is within
// the accepted window of the current time.
func ValidateTimestamp(ts int64) error {
	return ValidateTimestampAt(ts, time.Now())
}

// ValidateTimestampAt is the same as ValidateTimestamp except relative to
// the given time.
func ValidateTimestampAt(ts int64, now time.Time) error {
	nowMs := now.UnixMilli()
	if ts < nowMs-MaxTimestampAge.Milliseconds() {
		return fmt.Errorf(
			"%d is %s in the past: %w",
			ts, time.Duration(nowMs-ts)*time.Millisecond, errdefs.ErrTimestampOutOfRange,
		)
	}
	if ts > nowMs+MaxTimestampSkew.Milliseconds() {
		return fmt.Errorf(
			"%d is %s in the future: %w",
			ts, time.Duration(ts-nowMs)*time.Millisecond, errdefs.ErrTimestampOutOfRange,
		)
	}
	return nil
}
