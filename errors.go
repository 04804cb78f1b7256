package bmff

import (
	"errors"
	"fmt"
)

var (
	// ErrTruncatedData is returned when a declared box or field extends past the
	// end of the available bytes.
	ErrTruncatedData = errors.New("bmff: truncated data")

	// ErrMalformedBox is returned when a box declares a size smaller than its own
	// header, or fields no real file would carry.
	ErrMalformedBox = errors.New("bmff: malformed box")

	// ErrMissingRequiredBox is returned when an operation needs a box (moov, mdat,
	// mdia, mdhd...) that the input does not contain.
	ErrMissingRequiredBox = errors.New("bmff: missing required box")

	// ErrNotFragmented is returned by defragmentation when the input has no moof box.
	ErrNotFragmented = errors.New("bmff: not a fragmented file")
)

// BoxError annotates a parse failure with the box it happened in.
type BoxError struct {
	Type   BoxType
	Offset int64 // byte offset of the box (or field) within the parsed buffer
	Err    error
}

func (e *BoxError) Error() string {
	if e.Type == (BoxType{}) {
		return fmt.Sprintf("%v at offset %d", e.Err, e.Offset)
	}
	return fmt.Sprintf("%v: %s at offset %d", e.Err, e.Type, e.Offset)
}

func (e *BoxError) Unwrap() error { return e.Err }

// MissingBox returns an error wrapping ErrMissingRequiredBox for box type t.
func MissingBox(t BoxType) error {
	return fmt.Errorf("%w: %s", ErrMissingRequiredBox, t)
}
