package epd

import (
	"log/slog"

	"github.com/1set/inkframe/pngstream"
)

// RowRenderer paints decoded 1-bit rows onto a Panel. It is the only place where image
// bits are mapped to panel colors.
//
// Grayscale images store 0 for black and 1 for white, so bit 0 becomes Ink. For indexed
// images each palette entry darker than mid-gray becomes Ink. Invert flips the result.
type RowRenderer struct {
	// Logger receives a one-time warning when the image and panel sizes differ.
	Logger *slog.Logger

	panel  Panel
	hdr    pngstream.Header
	lut    [2]Color
	rows   int
	warned bool
}

// NewRowRenderer builds the polarity table for hdr.
func NewRowRenderer(panel Panel, hdr pngstream.Header, invert bool) *RowRenderer {
	r := &RowRenderer{panel: panel, hdr: hdr, lut: [2]Color{Ink, Blank}}
	if hdr.Format == pngstream.Indexed {
		for i := range r.lut {
			r.lut[i] = Blank
			if i < len(hdr.Palette) {
				c := hdr.Palette[i]
				// Rec. 601 luma, scaled by 1000.
				if 299*int(c.R)+587*int(c.G)+114*int(c.B) < 128*1000 {
					r.lut[i] = Ink
				}
			}
		}
	}
	if invert {
		for i, c := range r.lut {
			if c == Ink {
				r.lut[i] = Blank
			} else {
				r.lut[i] = Ink
			}
		}
	}
	return r
}

// AcceptRow implements pngstream.RowSink.
func (r *RowRenderer) AcceptRow(y int, bits []byte, width int) error {
	if !r.warned {
		r.warned = true
		if !GeometryMatches(r.panel, r.hdr) && r.Logger != nil {
			pw, ph := r.panel.Size()
			r.Logger.Warn("image geometry differs from panel; pixels outside the panel are dropped",
				"image_width", r.hdr.Width, "image_height", r.hdr.Height,
				"panel_width", pw, "panel_height", ph)
		}
	}
	for x := 0; x < width; x++ {
		bit := (bits[x>>3] >> (7 - uint(x&7))) & 1
		r.panel.SetPixel(x, y, r.lut[bit])
	}
	r.rows++
	return nil
}

// Rows returns how many rows were painted.
func (r *RowRenderer) Rows() int { return r.rows }

// GeometryMatches reports whether the image has the panel's exact size.
func GeometryMatches(panel Panel, hdr pngstream.Header) bool {
	w, h := panel.Size()
	return w == hdr.Width && h == hdr.Height
}
