package epd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
)

// Memory is a 1-bit panel held in RAM. It behaves like a paged controller: with more
// than one page, only the rows of the current page accept writes during a pass, so a
// caller that does not repaint on every pass ends up with blank bands.
//
// Memory counts every call, which makes it the panel of choice for tests, and can
// dump the committed frame as a binary PBM on PowerOff for development on a host.
type Memory struct {
	width, height int
	pages         int
	pageRows      int

	frame   []byte // committed image, 1 = ink
	page    []byte // current page rows
	pass    int
	inFrame bool
	on      bool

	pbmPath string
	pbmOut  io.Writer

	// Call counters.
	Begins    int
	Fills     int
	SetPixels int
	Commits   int
	PowerOffs int
}

// MemoryOption configures a Memory panel.
type MemoryOption func(*Memory)

// WithPages splits each frame into n passes.
func WithPages(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.pages = n
		}
	}
}

// WithPBMFile writes the committed frame to path on PowerOff.
func WithPBMFile(path string) MemoryOption {
	return func(m *Memory) { m.pbmPath = path }
}

// WithPBMWriter writes the committed frame to w on PowerOff.
func WithPBMWriter(w io.Writer) MemoryOption {
	return func(m *Memory) { m.pbmOut = w }
}

// NewMemory returns a blank width×height panel.
func NewMemory(width, height int, opts ...MemoryOption) *Memory {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	m := &Memory{width: width, height: height, pages: 1}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.pages > height && height > 0 {
		m.pages = height
	}
	m.pageRows = height
	if m.pages > 1 {
		m.pageRows = (height + m.pages - 1) / m.pages
	}
	m.frame = make([]byte, m.stride()*height)
	m.page = make([]byte, m.stride()*m.pageRows)
	return m
}

func (m *Memory) stride() int { return (m.width + 7) / 8 }

// Size implements Panel.
func (m *Memory) Size() (int, int) { return m.width, m.height }

// Pages returns the number of passes per frame.
func (m *Memory) Pages() int { return m.pages }

// BeginFullFrame implements Panel.
func (m *Memory) BeginFullFrame() error {
	m.Begins++
	m.on = true
	m.inFrame = true
	m.pass = 0
	clear(m.page)
	return nil
}

func (m *Memory) pageBounds() (int, int) {
	start := m.pass * m.pageRows
	end := start + m.pageRows
	if end > m.height {
		end = m.height
	}
	return start, end
}

// Fill implements Panel.
func (m *Memory) Fill(c Color) {
	m.Fills++
	v := byte(0)
	if c == Ink {
		v = 0xff
	}
	for i := range m.page {
		m.page[i] = v
	}
}

// SetPixel implements Panel.
func (m *Memory) SetPixel(x, y int, c Color) {
	m.SetPixels++
	start, end := m.pageBounds()
	if x < 0 || x >= m.width || y < start || y >= end {
		return
	}
	i := (y-start)*m.stride() + x/8
	mask := byte(0x80) >> uint(x%8)
	if c == Ink {
		m.page[i] |= mask
	} else {
		m.page[i] &^= mask
	}
}

// CommitAndAdvance implements Panel.
func (m *Memory) CommitAndAdvance() (bool, error) {
	if !m.inFrame {
		return false, errors.New("epd: commit outside a frame")
	}
	m.Commits++
	start, end := m.pageBounds()
	copy(m.frame[start*m.stride():end*m.stride()], m.page)
	m.pass++
	if m.pass >= m.pages || end >= m.height {
		m.inFrame = false
		return false, nil
	}
	return true, nil
}

// PowerOff implements Panel.
func (m *Memory) PowerOff() error {
	m.PowerOffs++
	m.on = false
	if m.pbmOut != nil {
		if err := m.WritePBM(m.pbmOut); err != nil {
			return err
		}
	}
	if m.pbmPath != "" {
		f, err := os.Create(m.pbmPath)
		if err != nil {
			return fmt.Errorf("epd: create %s: %w", m.pbmPath, err)
		}
		if err := m.WritePBM(f); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("epd: close %s: %w", m.pbmPath, err)
		}
	}
	return nil
}

// Powered reports whether the panel is between BeginFullFrame and PowerOff.
func (m *Memory) Powered() bool { return m.on }

// At returns the committed color of a pixel. Out-of-range pixels are Blank.
func (m *Memory) At(x, y int) Color {
	if x < 0 || x >= m.width || y < 0 || y >= m.height {
		return Blank
	}
	if m.frame[y*m.stride()+x/8]&(0x80>>uint(x%8)) != 0 {
		return Ink
	}
	return Blank
}

// WritePBM encodes the committed frame as a binary PBM (P4). PBM uses 1 for black,
// the same convention as the frame buffer.
func (m *Memory) WritePBM(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "P4\n%d %d\n", m.width, m.height)
	bw.Write(m.frame)
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("epd: write pbm: %w", err)
	}
	return nil
}
