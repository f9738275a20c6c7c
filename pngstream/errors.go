package pngstream

import (
	"errors"
	"fmt"
)

// ErrStop may be returned by a RowSink to end decoding early without an error.
var ErrStop = errors.New("pngstream: stop")

var (
	errSignature   = errors.New("not a PNG file")
	errChecksum    = errors.New("chunk checksum mismatch")
	errTruncated   = errors.New("truncated image data")
	errNoImageData = errors.New("no IDAT chunk before IEND")
	errNoPalette   = errors.New("indexed image without PLTE chunk")
)

// Kind classifies a DecodeError.
type Kind int

const (
	// OpenFailed means the container header is malformed or unsupported.
	OpenFailed Kind = iota + 1
	// StreamFailed means reading or inflating image data failed mid-stream.
	StreamFailed
	// Aborted means the row sink returned an error.
	Aborted
)

func (k Kind) String() string {
	switch k {
	case OpenFailed:
		return "open failed"
	case StreamFailed:
		return "stream failed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// DecodeError reports why opening or decoding an image failed. Row is the scanline being
// produced when a stream failure or abort happened; rows before it were delivered.
type DecodeError struct {
	Kind Kind
	Row  int
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Kind == OpenFailed {
		return fmt.Sprintf("pngstream: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("pngstream: %s at row %d: %v", e.Kind, e.Row, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsKind reports whether err is a DecodeError of kind k.
func IsKind(err error, k Kind) bool {
	var de *DecodeError
	return errors.As(err, &de) && de.Kind == k
}

func openFailed(format string, args ...interface{}) error {
	return &DecodeError{Kind: OpenFailed, Err: fmt.Errorf(format, args...)}
}
