package serialmux

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/trajectory.recorder/internal/monitoring"
	"github.com/banshee-data/trajectory.recorder/internal/timeutil"
)

// MockCommand is one wheel velocity pair emitted by the mock bridge.
type MockCommand struct {
	VelLeft  float64
	VelRight float64
}

// DefaultMockCommands is a short drive pattern: straight, turn left, straight,
// turn right, stop.
var DefaultMockCommands = []MockCommand{
	{VelLeft: 0.4, VelRight: 0.4},
	{VelLeft: 0.2, VelRight: 0.5},
	{VelLeft: 0.4, VelRight: 0.4},
	{VelLeft: 0.5, VelRight: 0.2},
	{VelLeft: 0, VelRight: 0},
}

// MockSerialPort implements SerialPorter for the mock bridge. Reads come from
// the generator goroutine; writes are captured in memory.
type MockSerialPort struct {
	r    *io.PipeReader
	w    *io.PipeWriter
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	written bytes.Buffer
}

func (m *MockSerialPort) Read(p []byte) (int, error) {
	return m.r.Read(p)
}

func (m *MockSerialPort) Write(p []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written.Write(p)
}

// Written returns everything sent to the mock bridge.
func (m *MockSerialPort) Written() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written.String()
}

func (m *MockSerialPort) Close() error {
	m.once.Do(func() {
		close(m.done)
		m.r.Close()
	})
	return nil
}

// mockLine renders the n-th command with a stamp n intervals after start.
func mockLine(start float64, n int, interval time.Duration, cmd MockCommand) string {
	stamp := start + float64(n)*interval.Seconds()
	return fmt.Sprintf(`{"stamp":%.6f,"vel_left":%g,"vel_right":%g}`+"\n", stamp, cmd.VelLeft, cmd.VelRight)
}

// NewMockSerialMux creates a SerialMux backed by a generator that cycles cmds
// every interval. Each emitted line is re-stamped so stamps increase
// monotonically. A nil clock uses the wall clock.
func NewMockSerialMux(cmds []MockCommand, interval time.Duration, clock timeutil.Clock) *SerialMux[*MockSerialPort] {
	if len(cmds) == 0 {
		cmds = DefaultMockCommands
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	r, w := io.Pipe()
	port := &MockSerialPort{r: r, w: w, done: make(chan struct{})}
	monitoring.Logf("mock wheel bridge: %d commands every %v", len(cmds), interval)

	start := float64(clock.Now().UnixNano()) / 1e9
	// generate data periodically to simulate bridge input
	go func() {
		defer w.Close()
		ticker := clock.NewTicker(interval)
		defer ticker.Stop()
		for n := 0; ; n++ {
			select {
			case <-port.done:
				return
			case <-ticker.C():
			}
			if _, err := io.WriteString(w, mockLine(start, n, interval, cmds[n%len(cmds)])); err != nil {
				return
			}
		}
	}()

	return NewBlockingSerialMux(port)
}

// TestableSerialPort implements SerialPorter with configurable behaviour for testing.
// It provides fine-grained control over reads, writes, errors, and latency.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// ReadCalls records the number of Read calls
	ReadCalls int

	// WriteCalls records the number of Write calls
	WriteCalls int

	// BlockReads causes Read to block until data is added or Close is called
	BlockReads bool

	// ShortWrites makes Write report one byte less than it was given
	ShortWrites bool

	readCond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

// Read reads from the read buffer, optionally simulating errors.
func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++

	if t.Closed {
		return 0, errors.New("serial port closed")
	}

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}

	// If blocking reads are enabled and buffer is empty, wait for data
	if t.BlockReads && t.ReadBuffer.Len() == 0 {
		for !t.Closed && t.ReadBuffer.Len() == 0 {
			t.readCond.Wait()
		}
		if t.Closed {
			return 0, errors.New("serial port closed")
		}
	}

	return t.ReadBuffer.Read(p)
}

// Write writes to the write buffer, optionally simulating errors.
func (t *TestableSerialPort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++

	if t.Closed {
		return 0, errors.New("serial port closed")
	}

	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}

	n, err = t.WriteBuffer.Write(p)
	if t.ShortWrites && n > 0 {
		n--
	}
	return n, err
}

// Close marks the port as closed.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast() // Wake up any blocked readers

	return t.CloseError
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.readCond.Signal() // Wake up a blocked reader
}

// GetWrittenData returns all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}
