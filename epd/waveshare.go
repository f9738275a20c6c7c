package epd

import (
	"errors"
	"fmt"
	"io"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/1set/inkframe/clock"
)

// Geometry of the 7.5" V2 panel.
const (
	Waveshare75Width  = 800
	Waveshare75Height = 480
)

// UC8179 commands.
const (
	cmdPanelSetting   = 0x00
	cmdPowerSetting   = 0x01
	cmdPowerOff       = 0x02
	cmdPowerOn        = 0x04
	cmdBoosterSoft    = 0x06
	cmdDeepSleep      = 0x07
	cmdDataNew        = 0x13
	cmdRefresh        = 0x12
	cmdDualSPI        = 0x15
	cmdVCOMInterval   = 0x50
	cmdTCON           = 0x60
	cmdResolution     = 0x61
	cmdGetStatus      = 0x71
	deepSleepCheck    = 0xA5
	maxTxBytes        = 4096
	defaultPageRows   = 48
	defaultBusyWait   = 30 * time.Second
	busyPollInterval  = 20 * time.Millisecond
	defaultSPISpeedHz = 4 * physic.MegaHertz
)

// ErrBusyTimeout is returned when the controller keeps its busy line asserted.
var ErrBusyTimeout = errors.New("epd: panel busy timeout")

// Conn is the part of spi.Conn the driver uses.
type Conn interface {
	Tx(w, r []byte) error
}

// OutputPin is a GPIO driven by the driver (DC, RST).
type OutputPin interface {
	Out(l gpio.Level) error
}

// InputPin is the controller's BUSY line; low means busy.
type InputPin interface {
	Read() gpio.Level
}

// Waveshare75 drives a Waveshare 7.5" V2 black/white panel (UC8179 controller).
//
// The frame is streamed to the controller one page at a time, so the host keeps only
// PageRows rows of 100 bytes each.
type Waveshare75 struct {
	conn   Conn
	dc     OutputPin
	rst    OutputPin
	busy   InputPin
	clock  clock.Clock
	closer io.Closer

	pageRows    int
	busyTimeout time.Duration

	page      []byte
	pageStart int
	inFrame   bool
	awake     bool // out of deep sleep
	ready     bool // awake and initialized
}

// WaveshareOption configures a Waveshare75.
type WaveshareOption func(*Waveshare75)

// WithPageRows sets how many rows are buffered per pass.
func WithPageRows(n int) WaveshareOption {
	return func(w *Waveshare75) {
		if n > 0 {
			w.pageRows = n
		}
	}
}

// WithBusyTimeout bounds every wait on the BUSY line.
func WithBusyTimeout(d time.Duration) WaveshareOption {
	return func(w *Waveshare75) {
		if d > 0 {
			w.busyTimeout = d
		}
	}
}

// WithClock replaces the real clock used for reset pulses and busy polling.
func WithClock(c clock.Clock) WaveshareOption {
	return func(w *Waveshare75) {
		if c != nil {
			w.clock = c
		}
	}
}

// NewWaveshare75 wraps already opened bus and pins.
func NewWaveshare75(conn Conn, dc, rst OutputPin, busy InputPin, opts ...WaveshareOption) *Waveshare75 {
	w := &Waveshare75{
		conn:        conn,
		dc:          dc,
		rst:         rst,
		busy:        busy,
		clock:       clock.Real(),
		pageRows:    defaultPageRows,
		busyTimeout: defaultBusyWait,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	if w.pageRows > Waveshare75Height {
		w.pageRows = Waveshare75Height
	}
	w.page = make([]byte, w.pageRows*w.stride())
	return w
}

// WaveshareConfig names the host resources of a panel.
type WaveshareConfig struct {
	SPIPort  string // "" selects the first port
	SpeedHz  int64
	DCPin    string
	RSTPin   string
	BusyPin  string
	PageRows int
	Busy     time.Duration
}

// OpenWaveshare75 initializes periph's host drivers and opens the panel.
func OpenWaveshare75(cfg WaveshareConfig, opts ...WaveshareOption) (*Waveshare75, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("epd: host init: %w", err)
	}
	port, err := spireg.Open(cfg.SPIPort)
	if err != nil {
		return nil, fmt.Errorf("epd: open spi %q: %w", cfg.SPIPort, err)
	}
	speed := defaultSPISpeedHz
	if cfg.SpeedHz > 0 {
		speed = physic.Frequency(cfg.SpeedHz) * physic.Hertz
	}
	conn, err := port.Connect(speed, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("epd: connect spi: %w", err)
	}

	pins := make(map[string]gpio.PinIO, 3)
	for role, name := range map[string]string{"dc": cfg.DCPin, "rst": cfg.RSTPin, "busy": cfg.BusyPin} {
		p := gpioreg.ByName(name)
		if p == nil {
			port.Close()
			return nil, fmt.Errorf("epd: %s pin %q not found", role, name)
		}
		pins[role] = p
	}
	if err := pins["busy"].In(gpio.PullUp, gpio.NoEdge); err != nil {
		port.Close()
		return nil, fmt.Errorf("epd: busy pin: %w", err)
	}

	opts = append([]WaveshareOption{WithPageRows(cfg.PageRows), WithBusyTimeout(cfg.Busy)}, opts...)
	w := NewWaveshare75(conn, pins["dc"], pins["rst"], pins["busy"], opts...)
	w.closer = port
	return w, nil
}

// Close releases the SPI port. It does not power the panel off.
func (w *Waveshare75) Close() error {
	if w.closer == nil {
		return nil
	}
	return w.closer.Close()
}

func (w *Waveshare75) stride() int { return Waveshare75Width / 8 }

// Size implements Panel.
func (w *Waveshare75) Size() (int, int) { return Waveshare75Width, Waveshare75Height }

// PageRows returns the number of rows buffered per pass.
func (w *Waveshare75) PageRows() int { return w.pageRows }

// BeginFullFrame implements Panel. It wakes the controller when needed and opens the
// new-data window.
func (w *Waveshare75) BeginFullFrame() error {
	if !w.ready {
		if err := w.init(); err != nil {
			return err
		}
	}
	if err := w.command(cmdDataNew); err != nil {
		return err
	}
	w.pageStart = 0
	w.inFrame = true
	clear(w.page)
	return nil
}

type initStep struct {
	cmd  byte
	data []byte
}

var (
	powerUpSteps = []initStep{
		{cmdPowerSetting, []byte{0x07, 0x07, 0x3f, 0x3f}},
		{cmdBoosterSoft, []byte{0x17, 0x17, 0x28, 0x17}},
		{cmdPowerOn, nil},
	}
	panelSteps = []initStep{
		{cmdPanelSetting, []byte{0x1f}}, // KW mode, OTP LUT
		{cmdResolution, []byte{Waveshare75Width >> 8, Waveshare75Width & 0xff, Waveshare75Height >> 8, Waveshare75Height & 0xff}},
		{cmdDualSPI, []byte{0x00}},
		{cmdVCOMInterval, []byte{0x10, 0x07}},
		{cmdTCON, []byte{0x22}},
	}
)

func (w *Waveshare75) init() error {
	w.awake = true
	if err := w.reset(); err != nil {
		return err
	}
	if err := w.run(powerUpSteps); err != nil {
		return err
	}
	w.sleep(100 * time.Millisecond)
	if err := w.waitIdle(); err != nil {
		return err
	}
	if err := w.run(panelSteps); err != nil {
		return err
	}
	w.ready = true
	return nil
}

func (w *Waveshare75) run(steps []initStep) error {
	for _, s := range steps {
		if err := w.send(s.cmd, s.data); err != nil {
			return err
		}
	}
	return nil
}

func (w *Waveshare75) reset() error {
	for _, step := range []struct {
		level gpio.Level
		hold  time.Duration
	}{{gpio.High, 20 * time.Millisecond}, {gpio.Low, 2 * time.Millisecond}, {gpio.High, 20 * time.Millisecond}} {
		if err := w.rst.Out(step.level); err != nil {
			return fmt.Errorf("epd: reset: %w", err)
		}
		w.sleep(step.hold)
	}
	return nil
}

// Fill implements Panel.
func (w *Waveshare75) Fill(c Color) {
	v := byte(0)
	if c == Ink {
		v = 0xff
	}
	for i := range w.page {
		w.page[i] = v
	}
}

// SetPixel implements Panel. Only rows on the current page are kept.
func (w *Waveshare75) SetPixel(x, y int, c Color) {
	if x < 0 || x >= Waveshare75Width || y < w.pageStart || y >= w.pageStart+w.pageRows || y >= Waveshare75Height {
		return
	}
	i := (y-w.pageStart)*w.stride() + x/8
	mask := byte(0x80) >> uint(x%8)
	if c == Ink {
		w.page[i] |= mask
	} else {
		w.page[i] &^= mask
	}
}

// CommitAndAdvance implements Panel. After the last page it triggers the refresh and
// waits for the controller to finish.
func (w *Waveshare75) CommitAndAdvance() (bool, error) {
	if !w.inFrame {
		return false, errors.New("epd: commit outside a frame")
	}
	rows := w.pageRows
	if remain := Waveshare75Height - w.pageStart; rows > remain {
		rows = remain
	}
	if err := w.data(w.page[:rows*w.stride()]); err != nil {
		w.inFrame = false
		return false, err
	}
	w.pageStart += rows
	if w.pageStart < Waveshare75Height {
		return true, nil
	}
	w.inFrame = false
	if err := w.command(cmdRefresh); err != nil {
		return false, err
	}
	w.sleep(100 * time.Millisecond)
	return false, w.waitIdle()
}

// PowerOff implements Panel: it switches the booster off and puts the controller into
// deep sleep. The next BeginFullFrame resets and reinitializes it. A controller that was
// never woken is left alone; it is still in deep sleep and BUSY is not driven.
func (w *Waveshare75) PowerOff() error {
	w.ready = false
	if !w.awake {
		return nil
	}
	if err := w.send(cmdVCOMInterval, []byte{0xf7}); err != nil {
		return err
	}
	if err := w.command(cmdPowerOff); err != nil {
		return err
	}
	if err := w.waitIdle(); err != nil {
		return err
	}
	if err := w.send(cmdDeepSleep, []byte{deepSleepCheck}); err != nil {
		return err
	}
	w.awake = false
	return nil
}

func (w *Waveshare75) send(cmd byte, data []byte) error {
	if err := w.command(cmd); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return w.data(data)
}

func (w *Waveshare75) command(cmd byte) error {
	if err := w.dc.Out(gpio.Low); err != nil {
		return fmt.Errorf("epd: dc: %w", err)
	}
	if err := w.conn.Tx([]byte{cmd}, nil); err != nil {
		return fmt.Errorf("epd: command 0x%02x: %w", cmd, err)
	}
	return nil
}

func (w *Waveshare75) data(b []byte) error {
	if err := w.dc.Out(gpio.High); err != nil {
		return fmt.Errorf("epd: dc: %w", err)
	}
	for len(b) > 0 {
		n := len(b)
		if n > maxTxBytes {
			n = maxTxBytes
		}
		if err := w.conn.Tx(b[:n], nil); err != nil {
			return fmt.Errorf("epd: data: %w", err)
		}
		b = b[n:]
	}
	return nil
}

// waitIdle polls the status register until BUSY goes high or the timeout elapses.
func (w *Waveshare75) waitIdle() error {
	deadline := w.clock.Now().Add(w.busyTimeout)
	for {
		if err := w.command(cmdGetStatus); err != nil {
			return err
		}
		if w.busy.Read() == gpio.High {
			return nil
		}
		if !w.clock.Now().Before(deadline) {
			return ErrBusyTimeout
		}
		w.sleep(busyPollInterval)
	}
}

func (w *Waveshare75) sleep(d time.Duration) {
	<-w.clock.After(d)
}
