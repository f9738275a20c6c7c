// Package pngstream decodes single-plane 1-bit PNG images one scanline at a time.
//
// The decoder never materializes the image: it inflates the IDAT stream, reconstructs
// one filtered row into a buffer the size of a scanline (plus the previous row that PNG
// filters refer to) and hands it to a RowSink before moving on. A panel with far less
// RAM than a full frame can therefore paint a large image straight from storage.
//
// Supported containers: bit depth 1, color type 0 (grayscale) or 3 (indexed with a
// palette), no interlacing. Bit polarity is not interpreted here; that is the sink's job.
//
// Basic usage:
//
//	dec, err := pngstream.Open(f)
//	if err != nil {
//		return err
//	}
//	err = dec.Decode(pngstream.RowSinkFunc(func(y int, bits []byte, width int) error {
//		// bits is packed MSB first, 8 pixels per byte, valid only during the call
//		return nil
//	}))
package pngstream

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash"
	"hash/crc32"
	"image/color"
	"io"

	"github.com/klauspost/compress/zlib"
)

// MaxDimension bounds width and height; larger headers are rejected as malformed.
const MaxDimension = 1 << 15

var signature = []byte("\x89PNG\r\n\x1a\n")

// Format is the PNG color type of a supported image.
type Format uint8

const (
	// Gray is color type 0: each bit is a luminance sample, 0 black and 1 white.
	Gray Format = 0
	// Indexed is color type 3: each bit indexes the palette.
	Indexed Format = 3
)

func (f Format) String() string {
	switch f {
	case Gray:
		return "gray"
	case Indexed:
		return "indexed"
	default:
		return "unsupported"
	}
}

// Header describes an opened image.
type Header struct {
	Width    int
	Height   int
	BitDepth int
	Format   Format
	// Palette holds the PLTE entries of an indexed image (at most two are meaningful).
	Palette []color.RGBA
}

// Stride returns the number of packed bytes in one row.
func (h Header) Stride() int { return (h.Width + 7) / 8 }

// RowSink receives decoded rows. bits is packed MSB first and is only valid for the
// duration of the call. Returning ErrStop ends decoding without error; any other error
// aborts it.
type RowSink interface {
	AcceptRow(y int, bits []byte, width int) error
}

// RowSinkFunc adapts a function into a RowSink.
type RowSinkFunc func(y int, bits []byte, width int) error

// AcceptRow implements RowSink.
func (f RowSinkFunc) AcceptRow(y int, bits []byte, width int) error { return f(y, bits, width) }

// Decoder streams rows out of a PNG held by a seekable source. The source is not owned.
type Decoder struct {
	src        io.ReadSeeker
	hdr        Header
	dataOffset int64
}

// Open reads the container header and positions the decoder at the image data.
// Any malformed or unsupported header yields a DecodeError of kind OpenFailed.
func Open(src io.ReadSeeker) (*Decoder, error) {
	if src == nil {
		return nil, openFailed("nil source")
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, &DecodeError{Kind: OpenFailed, Err: err}
	}

	var sig [8]byte
	if _, err := io.ReadFull(src, sig[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &DecodeError{Kind: OpenFailed, Err: errSignature}
		}
		return nil, &DecodeError{Kind: OpenFailed, Err: err}
	}
	if !bytes.Equal(sig[:], signature) {
		return nil, &DecodeError{Kind: OpenFailed, Err: errSignature}
	}

	d := &Decoder{src: src}
	offset := int64(len(signature))

	length, typ, err := readChunkHeader(src)
	if err != nil {
		return nil, &DecodeError{Kind: OpenFailed, Err: err}
	}
	if typ != "IHDR" || length != 13 {
		return nil, openFailed("first chunk is %s (len %d), want IHDR", typ, length)
	}
	ihdr, err := readChunkData(src, typ, length)
	if err != nil {
		return nil, &DecodeError{Kind: OpenFailed, Err: err}
	}
	if err := d.parseIHDR(ihdr); err != nil {
		return nil, err
	}
	offset += 8 + int64(length) + 4

	for {
		length, typ, err := readChunkHeader(src)
		if err != nil {
			return nil, &DecodeError{Kind: OpenFailed, Err: err}
		}
		switch typ {
		case "IDAT":
			if d.hdr.Format == Indexed && len(d.hdr.Palette) == 0 {
				return nil, &DecodeError{Kind: OpenFailed, Err: errNoPalette}
			}
			d.dataOffset = offset
			return d, nil
		case "IEND":
			return nil, &DecodeError{Kind: OpenFailed, Err: errNoImageData}
		case "PLTE":
			data, err := readChunkData(src, typ, length)
			if err != nil {
				return nil, &DecodeError{Kind: OpenFailed, Err: err}
			}
			if err := d.parsePLTE(data); err != nil {
				return nil, err
			}
		default:
			if _, err := src.Seek(int64(length)+4, io.SeekCurrent); err != nil {
				return nil, &DecodeError{Kind: OpenFailed, Err: err}
			}
		}
		offset += 8 + int64(length) + 4
	}
}

// Header returns the image header read by Open.
func (d *Decoder) Header() Header { return d.hdr }

func (d *Decoder) parseIHDR(b []byte) error {
	w := binary.BigEndian.Uint32(b[0:4])
	h := binary.BigEndian.Uint32(b[4:8])
	depth, ct, comp, filter, interlace := b[8], b[9], b[10], b[11], b[12]
	switch {
	case w == 0 || h == 0 || w > MaxDimension || h > MaxDimension:
		return openFailed("bad dimensions %dx%d", w, h)
	case depth != 1:
		return openFailed("unsupported bit depth %d", depth)
	case ct != uint8(Gray) && ct != uint8(Indexed):
		return openFailed("unsupported color type %d", ct)
	case comp != 0 || filter != 0:
		return openFailed("unsupported compression/filter method %d/%d", comp, filter)
	case interlace != 0:
		return openFailed("interlaced images are not supported")
	}
	d.hdr = Header{Width: int(w), Height: int(h), BitDepth: int(depth), Format: Format(ct)}
	return nil
}

func (d *Decoder) parsePLTE(b []byte) error {
	if len(b) == 0 || len(b)%3 != 0 || len(b) > 256*3 {
		return openFailed("bad PLTE length %d", len(b))
	}
	pal := make([]color.RGBA, 0, 2)
	for i := 0; i+2 < len(b) && len(pal) < 2; i += 3 {
		pal = append(pal, color.RGBA{R: b[i], G: b[i+1], B: b[i+2], A: 0xff})
	}
	d.hdr.Palette = pal
	return nil
}

// Decode streams every row to sink in increasing y order, exactly once each. It can be
// called again to replay the image, e.g. once per display pass.
func (d *Decoder) Decode(sink RowSink) error {
	if _, err := d.src.Seek(d.dataOffset, io.SeekStart); err != nil {
		return &DecodeError{Kind: StreamFailed, Err: err}
	}
	zr, err := zlib.NewReader(&idatReader{r: d.src})
	if err != nil {
		return &DecodeError{Kind: StreamFailed, Err: err}
	}
	defer zr.Close()

	stride := d.hdr.Stride()
	// One filter-type byte precedes each row.
	cur := make([]byte, stride+1)
	prev := make([]byte, stride+1)
	for y := 0; y < d.hdr.Height; y++ {
		if _, err := io.ReadFull(zr, cur); err != nil {
			if errors.Is(err, io.EOF) {
				err = errTruncated
			}
			return &DecodeError{Kind: StreamFailed, Row: y, Err: err}
		}
		if err := unfilter(cur[0], cur[1:], prev[1:]); err != nil {
			return &DecodeError{Kind: StreamFailed, Row: y, Err: err}
		}
		if err := sink.AcceptRow(y, cur[1:], d.hdr.Width); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return &DecodeError{Kind: Aborted, Row: y, Err: err}
		}
		cur, prev = prev, cur
	}
	return nil
}

func readChunkHeader(r io.Reader) (uint32, string, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, "", err
	}
	length := binary.BigEndian.Uint32(b[0:4])
	if length > 0x7fffffff {
		return 0, "", errors.New("chunk length overflow")
	}
	return length, string(b[4:8]), nil
}

// readChunkData reads a small chunk body and verifies its CRC.
func readChunkData(r io.Reader, typ string, length uint32) ([]byte, error) {
	if length > 1<<16 {
		return nil, errors.New("chunk too large: " + typ)
	}
	buf := make([]byte, int(length)+4)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	crc := crc32.NewIEEE()
	crc.Write([]byte(typ))
	crc.Write(buf[:length])
	if binary.BigEndian.Uint32(buf[length:]) != crc.Sum32() {
		return nil, errChecksum
	}
	return buf[:length], nil
}

// idatReader presents the payloads of consecutive IDAT chunks as one stream, checking
// each chunk's CRC as it is crossed. It reports EOF at the first non-IDAT chunk.
type idatReader struct {
	r         io.Reader
	remaining uint32
	crc       hash.Hash32
	done      bool
}

func (ir *idatReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for ir.remaining == 0 {
		if ir.done {
			return 0, io.EOF
		}
		if ir.crc != nil {
			var b [4]byte
			if _, err := io.ReadFull(ir.r, b[:]); err != nil {
				if errors.Is(err, io.EOF) {
					err = io.ErrUnexpectedEOF
				}
				return 0, err
			}
			if binary.BigEndian.Uint32(b[:]) != ir.crc.Sum32() {
				return 0, errChecksum
			}
		}
		length, typ, err := readChunkHeader(ir.r)
		if err != nil {
			return 0, err
		}
		if typ != "IDAT" {
			ir.done = true
			return 0, io.EOF
		}
		ir.remaining = length
		ir.crc = crc32.NewIEEE()
		ir.crc.Write([]byte(typ))
	}

	if uint32(len(p)) > ir.remaining {
		p = p[:ir.remaining]
	}
	n, err := ir.r.Read(p)
	ir.crc.Write(p[:n])
	ir.remaining -= uint32(n)
	if err == io.EOF {
		if n > 0 {
			err = nil
		} else {
			err = io.ErrUnexpectedEOF
		}
	}
	return n, err
}
