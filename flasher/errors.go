package flasher

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/synthread/go-imager/checksum"
)

// ErrCancelled is the terminal of a cancelled job. Cancellation is a normal
// outcome, not a failure.
var ErrCancelled = errors.New("flash job cancelled")

// SourceError reports a failure reading or decoding the image source,
// including digest mismatches detected at end of stream.
type SourceError struct {
	ImageID string
	Err     error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("image source %s: %v", e.ImageID, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// DestinationUnavailableError reports a destination that could not be opened:
// missing, already locked, or vanished after enumeration.
type DestinationUnavailableError struct {
	DestinationID string
	Err           error
}

func (e *DestinationUnavailableError) Error() string {
	return fmt.Sprintf("destination %s unavailable: %v", e.DestinationID, e.Err)
}

func (e *DestinationUnavailableError) Unwrap() error { return e.Err }

// WriteError reports a failed write to an opened destination.
type WriteError struct {
	DestinationID string
	Offset        uint64
	Err           error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write to %s at offset %d: %v", e.DestinationID, e.Offset, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// VerificationMismatchError reports that the destination's contents do not
// match what was written. The destination stays usable; the caller may
// resubmit the job.
type VerificationMismatchError struct {
	DestinationID string
	Expected      checksum.Digest
	Computed      checksum.Digest
}

func (e *VerificationMismatchError) Error() string {
	return fmt.Sprintf("verification of %s: expected %s, device has %s",
		e.DestinationID, e.Expected, e.Computed)
}

// CustomizationUnsupportedError reports invalid customization fields or a
// capability mismatch with the image or destination. Raised while preparing,
// before the destination is opened.
type CustomizationUnsupportedError struct {
	ImageID string
	Err     error
}

func (e *CustomizationUnsupportedError) Error() string {
	return fmt.Sprintf("customization for image %s: %v", e.ImageID, e.Err)
}

func (e *CustomizationUnsupportedError) Unwrap() error { return e.Err }
