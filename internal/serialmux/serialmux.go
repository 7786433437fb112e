// Serialmux provides an abstraction over a line-oriented input (a serial port
// wheel bridge, a UDP socket, a capture replay) with the ability for multiple
// clients to subscribe to its lines and send commands back to the device.
package serialmux

import (
	"bufio"
	"bytes"
	"context"
	crand "crypto/rand"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"sync"

	"tailscale.com/tsweb"

	"github.com/banshee-data/trajectory.recorder/internal/httputil"
)

// ErrWriteFailed is returned when a command could not be written in full.
var ErrWriteFailed = errors.New("failed to write command")

// subscriberBuffer is the per-subscriber line backlog. Lines are dropped for a
// subscriber whose backlog is full.
const subscriberBuffer = 256

// maxLineLength bounds a single input line.
const maxLineLength = 64 * 1024

//go:embed templates/*
var adminTemplateFS embed.FS

var sendCommandTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-command.html.tmpl"))

// SerialMux fans the lines read from one transport out to any number of
// subscribers and serialises commands written back to it.
type SerialMux[T SerialPorter] struct {
	port T
	// blocking makes Monitor wait for a full subscriber instead of dropping
	// the line. Only sources that can be paced by their readers use it.
	blocking bool

	mu          sync.Mutex
	subscribers map[string]*subscriber
	closing     bool
	lines       uint64
	dropped     uint64

	commandMu sync.Mutex
}

// subscriber owns one subscription channel. mu serialises sends with the
// close so a line is never sent on a closed channel.
type subscriber struct {
	ch   chan string
	gone chan struct{}
	once sync.Once

	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{ch: make(chan string, subscriberBuffer), gone: make(chan struct{})}
}

// send reports whether line was delivered or the subscriber went away.
func (sub *subscriber) send(ctx context.Context, line string, block bool) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return true
	}
	if !block {
		select {
		case sub.ch <- line:
			return true
		default:
			return false
		}
	}
	select {
	case sub.ch <- line:
		return true
	case <-sub.gone:
		return true
	case <-ctx.Done():
		return false
	}
}

// close wakes a blocked send, then closes the channel.
func (sub *subscriber) close() {
	sub.once.Do(func() {
		close(sub.gone)
		sub.mu.Lock()
		sub.closed = true
		close(sub.ch)
		sub.mu.Unlock()
	})
}

// SerialMuxInterface is what consumers of a line transport depend on.
type SerialMuxInterface interface {
	// Subscribe returns an id and a buffered channel of input lines. The
	// channel is closed by Unsubscribe, Close or the end of the input.
	Subscribe() (string, chan string)
	// Unsubscribe closes and forgets the channel for id.
	Unsubscribe(string)
	// SendCommand writes one newline-terminated command to the transport.
	SendCommand(string) error
	// Monitor reads lines until ctx is done, the transport reports EOF (nil)
	// or a read fails.
	Monitor(context.Context) error
	// Close closes every subscriber channel and the transport.
	Close() error

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/. These routes are accessible only over
	// localhost/via Tailscale and are not publicly accessible.
	AttachAdminRoutes(*http.ServeMux)
}

// NewSerialMux creates a SerialMux reading lines from port. The transport may
// be a serial device, a UDP socket, a capture replay or a mock. A subscriber
// whose backlog is full misses lines; live devices cannot be paused.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]*subscriber),
	}
}

// NewBlockingSerialMux is NewSerialMux for sources that can wait for their
// readers, such as a capture replay. Monitor blocks on a full subscriber
// until it reads, unsubscribes or ctx is done, so no line is dropped.
func NewBlockingSerialMux[T SerialPorter](port T) *SerialMux[T] {
	s := NewSerialMux(port)
	s.blocking = true
	return s
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a new subscriber. After Close the returned channel is
// already closed.
func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	sub := newSubscriber()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		sub.close()
		return id, sub.ch
	}
	s.subscribers[id] = sub
	return id, sub.ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.mu.Lock()
	sub, ok := s.subscribers[id]
	delete(s.subscribers, id)
	s.mu.Unlock()
	if ok {
		sub.close()
	}
}

// SendCommand writes command, adding the trailing newline if missing.
func (s *SerialMux[T]) SendCommand(command string) error {
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}

	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	n, err := io.WriteString(s.port, command)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if n != len(command) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrWriteFailed, n, len(command))
	}
	return nil
}

// Monitor reads lines from the transport and delivers each one to every
// subscriber. When the transport ends (EOF or a read error) every subscriber
// channel is closed and no new subscriptions are accepted.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)

	// the scanner blocks in Read, so it runs apart from the ctx select below
	go func() {
		defer close(lines)
		scan := bufio.NewScanner(s.port)
		scan.Buffer(make([]byte, 0, 4096), maxLineLength)
		for scan.Scan() {
			select {
			case lines <- strings.TrimRight(scan.Text(), "\r"):
			case <-ctx.Done():
				readErr <- ctx.Err()
				return
			}
		}
		readErr <- scan.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				err := <-readErr
				if ctx.Err() == nil {
					s.closeSubscribers()
				}
				return err
			}
			if !s.deliver(ctx, line) {
				return nil
			}
		}
	}
}

// deliver fans line out. It reports false once the mux is closing.
func (s *SerialMux[T]) deliver(ctx context.Context, line string) bool {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return false
	}
	s.lines++
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	var dropped uint64
	for _, sub := range subs {
		if !sub.send(ctx, line, s.blocking) {
			dropped++
		}
	}
	if dropped > 0 {
		s.mu.Lock()
		s.dropped += dropped
		s.mu.Unlock()
	}
	return true
}

// closeSubscribers closes every subscriber channel and refuses new ones.
func (s *SerialMux[T]) closeSubscribers() {
	s.mu.Lock()
	s.closing = true
	subs := s.subscribers
	s.subscribers = make(map[string]*subscriber)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// Stats returns the number of lines read and the number of per-subscriber
// deliveries dropped because a subscriber's backlog was full.
func (s *SerialMux[T]) Stats() (lines, dropped uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lines, s.dropped
}

// Close closes every subscriber channel and then the transport.
func (s *SerialMux[T]) Close() error {
	s.closeSubscribers()
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	// Basic command / live tail monitor interface using the below two API endpoints.
	debug.HandleFunc("send-command", "send a command to the serial port", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := sendCommandTemplate.Execute(buf, nil); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	// API endpoint to write command to the serial port
	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireMethod(w, r, http.MethodPost) {
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			httputil.BadRequest(w, "missing command")
			return
		}
		if err := s.SendCommand(command); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to write command: %v", err))
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to serial port", command))
	})
	// API endpoint to issue Server-Side Events (SSE) in response to lines coming from the serial port.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireMethod(w, r, http.MethodGet) {
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		// Send initial ping to establish connection
		w.Write([]byte(": ping\n\n"))
		w.(http.Flusher).Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					// Channel closed, exit gracefully
					return
				}
				_, err := w.Write([]byte(fmt.Sprintf("data: %s\n\n", payload)))
				if err != nil {
					return
				}
				w.(http.Flusher).Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	debug.HandleFunc("serial-stats", "line counters (JSON)", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireMethod(w, r, http.MethodGet) {
			return
		}
		lines, dropped := s.Stats()
		httputil.WriteJSONOK(w, map[string]uint64{"lines": lines, "dropped": dropped})
	})

	debug.HandleSilentFunc("tail.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		// serve tail.js from adminTemplateFS
		f, err := adminTemplateFS.Open("templates/tail.js")
		if err != nil {
			http.Error(w, "Failed to open tail.js", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		io.Copy(w, f)
	})
}
