package serialmux

import (
	"bufio"
	"io"
	"time"
)

// SerialPorter is the part of a serial port the mux needs. go.bug.st/serial
// ports satisfy it, as do the in-memory ports used for replay and tests.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// ReaderPort serves a recorded telemetry stream as if it were a serial port.
// Writes are discarded.
type ReaderPort struct {
	io.Reader
	closer io.Closer
}

// NewReaderPort wraps r. If r is also an io.Closer it is closed by Close.
func NewReaderPort(r io.Reader) *ReaderPort {
	p := &ReaderPort{Reader: r}
	if c, ok := r.(io.Closer); ok {
		p.closer = c
	}
	return p
}

func (p *ReaderPort) Write(b []byte) (int, error) { return len(b), nil }

func (p *ReaderPort) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer.Close()
}

// LinePacer releases one line of the underlying reader per interval, so a
// recorded stream replays at roughly the rate it was captured.
type LinePacer struct {
	r        *bufio.Reader
	c        io.Closer
	interval time.Duration
	next     time.Time
	pending  []byte
}

// NewLinePacer wraps r. A zero interval passes lines through unpaced.
func NewLinePacer(r io.Reader, interval time.Duration) *LinePacer {
	p := &LinePacer{r: bufio.NewReader(r), interval: interval}
	if c, ok := r.(io.Closer); ok {
		p.c = c
	}
	return p
}

func (p *LinePacer) Read(b []byte) (int, error) {
	if len(p.pending) == 0 {
		line, err := p.r.ReadBytes('\n')
		if len(line) == 0 {
			return 0, err
		}
		if wait := time.Until(p.next); wait > 0 {
			time.Sleep(wait)
		}
		p.next = time.Now().Add(p.interval)
		p.pending = line
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *LinePacer) Close() error {
	if p.c == nil {
		return nil
	}
	return p.c.Close()
}
