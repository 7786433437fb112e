package serialmux

import (
	"io"
)

// SerialPorter defines the minimal interface needed for a line source.
// This abstraction enables unit testing without real serial hardware and lets
// UDP sockets and capture replays stand in for the wheel bridge.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}
