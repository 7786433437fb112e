package serialmux

import (
	"fmt"

	"go.bug.st/serial"

	"github.com/banshee-data/trajectory.recorder/internal/monitoring"
)

// NewRealSerialMux creates a SerialMux instance backed by the wheel command
// bridge's serial port at the given path using the provided serial options.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}

	normalised, _ := opts.Normalise()
	monitoring.Logf("opened serial port %s (%s)", path, normalised)
	return NewSerialMux[serial.Port](port), nil
}
