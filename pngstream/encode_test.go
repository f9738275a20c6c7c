package pngstream

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image/color"
	"testing"

	"github.com/klauspost/compress/zlib"
)

// testImage describes a synthetic 1-bit PNG. Pixels are stored unpacked for clarity.
type testImage struct {
	width, height int
	pix           []uint8 // row-major, 0 or 1
	colorType     uint8
	bitDepth      uint8
	interlace     uint8
	palette       []color.RGBA
	filters       []byte // per-row filter type, cycled; nil means none
	idatSplit     int    // max bytes per IDAT chunk; 0 means one chunk
	extraChunk    bool   // insert an ancillary chunk before IDAT
}

func checkerboard(w, h int) []uint8 {
	pix := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			pix[y*w+x] = uint8((x + y) % 2)
		}
	}
	return pix
}

func (ti testImage) packedRow(y int) []byte {
	row := make([]byte, (ti.width+7)/8)
	for x := 0; x < ti.width; x++ {
		if ti.pix[y*ti.width+x] != 0 {
			row[x/8] |= 0x80 >> uint(x%8)
		}
	}
	return row
}

func filterRow(ft byte, raw, prev []byte) []byte {
	out := make([]byte, len(raw))
	for i := range raw {
		var left, up, upLeft byte
		if i > 0 {
			left = raw[i-1]
			upLeft = prev[i-1]
		}
		up = prev[i]
		switch ft {
		case ftNone:
			out[i] = raw[i]
		case ftSub:
			out[i] = raw[i] - left
		case ftUp:
			out[i] = raw[i] - up
		case ftAverage:
			out[i] = raw[i] - uint8((int(left)+int(up))/2)
		case ftPaeth:
			out[i] = raw[i] - paeth(left, up, upLeft)
		}
	}
	return out
}

func writeChunk(buf *bytes.Buffer, typ string, data []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(data)))
	buf.Write(n[:])
	buf.WriteString(typ)
	buf.Write(data)
	crc := crc32.NewIEEE()
	crc.Write([]byte(typ))
	crc.Write(data)
	binary.BigEndian.PutUint32(n[:], crc.Sum32())
	buf.Write(n[:])
}

func (ti testImage) encode(t testing.TB) []byte {
	t.Helper()
	depth := ti.bitDepth
	if depth == 0 {
		depth = 1
	}
	var buf bytes.Buffer
	buf.Write(signature)

	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], uint32(ti.width))
	binary.BigEndian.PutUint32(ihdr[4:], uint32(ti.height))
	ihdr[8] = depth
	ihdr[9] = ti.colorType
	ihdr[12] = ti.interlace
	writeChunk(&buf, "IHDR", ihdr)

	if ti.extraChunk {
		writeChunk(&buf, "tEXt", []byte("Comment\x00synthetic"))
	}
	if len(ti.palette) > 0 {
		var plte []byte
		for _, c := range ti.palette {
			plte = append(plte, c.R, c.G, c.B)
		}
		writeChunk(&buf, "PLTE", plte)
	}

	var raw bytes.Buffer
	zw := zlib.NewWriter(&raw)
	prev := make([]byte, (ti.width+7)/8)
	for y := 0; y < ti.height; y++ {
		row := ti.packedRow(y)
		var ft byte
		if len(ti.filters) > 0 {
			ft = ti.filters[y%len(ti.filters)]
		}
		zw.Write([]byte{ft})
		zw.Write(filterRow(ft, row, prev))
		prev = row
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zlib: %v", err)
	}

	data := raw.Bytes()
	split := ti.idatSplit
	if split <= 0 {
		split = len(data)
	}
	for len(data) > 0 {
		n := split
		if n > len(data) {
			n = len(data)
		}
		writeChunk(&buf, "IDAT", data[:n])
		data = data[n:]
	}
	writeChunk(&buf, "IEND", nil)
	return buf.Bytes()
}

// unpack extracts pixel x from a packed MSB-first row.
func unpack(bits []byte, x int) uint8 {
	return (bits[x/8] >> uint(7-x%8)) & 1
}
