package trails

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoInputImages is returned when the input pattern matches no files.
	ErrNoInputImages = errors.New("no input images matched the pattern")
	// ErrNoValidImages is returned when every matched file failed to decode.
	ErrNoValidImages = errors.New("no valid input images could be decoded")
	// ErrInvalidRequest reports a malformed request (bad fps, negative frame count).
	ErrInvalidRequest = errors.New("invalid request")
)

// DecodeError reports a single image that could not be read or parsed.
type DecodeError struct {
	Index int
	Path  string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode image %d (%s): %v", e.Index, e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// UnsupportedFormatError is returned for a video output extension outside the codec table.
type UnsupportedFormatError struct {
	Ext       string
	Supported []string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported video format %q, supported formats: %s", e.Ext, strings.Join(e.Supported, ", "))
}

// SinkOpenError is returned when the video writer could not be created.
type SinkOpenError struct {
	Path string
	Err  error
}

func (e *SinkOpenError) Error() string {
	return fmt.Sprintf("cannot create video file %s: %v", e.Path, e.Err)
}

func (e *SinkOpenError) Unwrap() error { return e.Err }

// DimensionMismatchError is returned when an image does not match the canvas geometry.
type DimensionMismatchError struct {
	Path string
	Want Geometry
	Got  Geometry
}

func (e *DimensionMismatchError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("image geometry %s does not match canvas %s", e.Got, e.Want)
	}
	return fmt.Sprintf("image %s geometry %s does not match canvas %s", e.Path, e.Got, e.Want)
}
