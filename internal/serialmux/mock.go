package serialmux

import (
	"bytes"
	"io"
	"sync"
)

// MockPort is an in-memory SerialPorter. Lines fed with Feed are returned by
// Read; everything written is captured.
type MockPort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
	closed  bool
}

// NewMockPort creates a MockPort.
func NewMockPort() *MockPort {
	r, w := io.Pipe()
	return &MockPort{r: r, w: w}
}

// Feed makes line readable from the port. It blocks until the reader
// consumes it.
func (m *MockPort) Feed(line string) error {
	_, err := io.WriteString(m.w, line+"\n")
	return err
}

// EndOfStream makes subsequent reads return io.EOF.
func (m *MockPort) EndOfStream() { m.w.Close() }

func (m *MockPort) Read(p []byte) (int, error) { return m.r.Read(p) }

func (m *MockPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, io.ErrClosedPipe
	}
	return m.written.Write(p)
}

// Close closes both ends of the port.
func (m *MockPort) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.w.Close()
	return m.r.Close()
}

// Written returns everything written to the port.
func (m *MockPort) Written() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written.String()
}
