// Package epd drives bistable (e-paper) panels.
//
// A Panel is addressed pixel by pixel inside a full-frame transaction:
//
//	BeginFullFrame
//	repeat: Fill, SetPixel..., CommitAndAdvance   (until it reports no more pages)
//	PowerOff
//
// Controllers without enough RAM for a frame buffer expose several pages per frame;
// the caller repaints the whole image once per page and the panel keeps only the rows
// that fall on the current page. Render runs that loop; RowRenderer adapts decoded
// scanlines from pngstream into SetPixel calls.
package epd

import (
	"errors"
	"fmt"
)

// Color is the state of one e-paper pixel.
type Color uint8

const (
	// Blank is the panel background (white on black/white panels).
	Blank Color = iota
	// Ink is the foreground (black).
	Ink
)

func (c Color) String() string {
	if c == Ink {
		return "ink"
	}
	return "blank"
}

// Panel is a pixel-addressable display with full-frame commit semantics.
type Panel interface {
	// Size returns the configured geometry in pixels.
	Size() (width, height int)
	// BeginFullFrame starts a render transaction.
	BeginFullFrame() error
	// Fill sets every pixel of the current page to c.
	Fill(c Color)
	// SetPixel is idempotent; out-of-range coordinates are ignored.
	SetPixel(x, y int, c Color)
	// CommitAndAdvance sends the current page and reports whether another pass is needed.
	CommitAndAdvance() (more bool, err error)
	// PowerOff releases the panel; call it exactly once after the frame is committed.
	PowerOff() error
}

// maxPasses guards against a driver that never finishes a frame.
const maxPasses = 256

// ErrTooManyPasses is returned by Render when a panel keeps asking for more pages.
var ErrTooManyPasses = errors.New("epd: panel did not finish the frame")

// Render runs one full-frame transaction. draw is called once per pass after the page
// has been cleared to Blank and must repaint the whole image. A draw error does not stop
// the transaction, so the controller is always left with a committed frame; the first
// draw error is returned after the last pass.
func Render(panel Panel, draw func(pass int) error) error {
	if err := panel.BeginFullFrame(); err != nil {
		return fmt.Errorf("epd: begin frame: %w", err)
	}
	var drawErr error
	for pass := 0; pass < maxPasses; pass++ {
		panel.Fill(Blank)
		if err := draw(pass); err != nil && drawErr == nil {
			drawErr = err
		}
		more, err := panel.CommitAndAdvance()
		if err != nil {
			return errors.Join(drawErr, fmt.Errorf("epd: commit pass %d: %w", pass, err))
		}
		if !more {
			return drawErr
		}
	}
	return errors.Join(drawErr, ErrTooManyPasses)
}
