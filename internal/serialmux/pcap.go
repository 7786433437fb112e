package serialmux

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/trajectory.recorder/internal/monitoring"
	"github.com/banshee-data/trajectory.recorder/internal/timeutil"
)

// packetDataSource is satisfied by both pcapgo.Reader and pcapgo.NgReader.
type packetDataSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// openCapture opens a classic pcap or a pcapng file.
func openCapture(path string) (packetDataSource, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open capture %s: %w", path, err)
	}
	if r, err := pcapgo.NewReader(f); err == nil {
		return r, f, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, nil, err
	}
	ng, err := pcapgo.NewNgReader(bufio.NewReader(f), pcapgo.DefaultNgReaderOptions)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%s is neither pcap nor pcapng: %w", path, err)
	}
	return ng, f, nil
}

// PcapReplayPort replays the UDP payloads addressed to one port from a
// capture file as if they arrived live. Commands written to it are discarded.
type PcapReplayPort struct {
	r    *io.PipeReader
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	packets int
}

func (p *PcapReplayPort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *PcapReplayPort) Write(b []byte) (int, error) { return len(b), nil }

func (p *PcapReplayPort) Close() error {
	p.once.Do(func() {
		close(p.done)
		p.r.Close()
	})
	return nil
}

// Packets returns how many matching payloads have been replayed.
func (p *PcapReplayPort) Packets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.packets
}

// NewPcapReplayMux replays udpPort payloads from the capture at path. Capture
// timing is honoured scaled by speed (2 = twice as fast); speed <= 0 replays
// as fast as the slowest subscriber reads. At the end of the capture Monitor
// closes the subscriber channels and returns nil.
func NewPcapReplayMux(path string, udpPort int, speed float64, clock timeutil.Clock) (*SerialMux[*PcapReplayPort], error) {
	src, closer, err := openCapture(path)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	pr, pw := io.Pipe()
	port := &PcapReplayPort{r: pr, done: make(chan struct{})}

	go func() {
		defer closer.Close()
		err := replayCapture(src, udpPort, speed, clock, port, pw)
		pw.CloseWithError(err)
	}()

	monitoring.Logf("PCAP replay: %s udp port %d (speed: %.1fx)", path, udpPort, speed)
	return NewBlockingSerialMux(port), nil
}

func replayCapture(src packetDataSource, udpPort int, speed float64, clock timeutil.Clock, port *PcapReplayPort, w io.Writer) error {
	var lastCapture time.Time
	start := clock.Now()

	for {
		data, ci, err := src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			monitoring.Logf("PCAP replay complete: %d packets in %v", port.Packets(), clock.Now().Sub(start))
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read capture: %w", err)
		}

		packet := gopacket.NewPacket(data, src.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || int(udp.DstPort) != udpPort || len(udp.Payload) == 0 {
			continue
		}

		if speed > 0 && !lastCapture.IsZero() {
			if delay := time.Duration(float64(ci.Timestamp.Sub(lastCapture)) / speed); delay > 0 {
				select {
				case <-port.done:
					return nil
				case <-clock.After(delay):
				}
			}
		}
		lastCapture = ci.Timestamp

		payload := udp.Payload
		if payload[len(payload)-1] != '\n' {
			payload = append(append([]byte(nil), payload...), '\n')
		}
		if _, err := w.Write(payload); err != nil {
			// reader closed
			return nil
		}

		port.mu.Lock()
		port.packets++
		port.mu.Unlock()
	}
}
