package serialmux

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"tailscale.com/tsweb"

	"github.com/banshee-data/trajectory.recorder/internal/httputil"
)

// DisabledSerialMux is a no-op SerialMux implementation used when no wheel
// command input is attached (for --disable-input). The recorder still starts,
// echoes its parameters and persists a zero FI matrix at shutdown. Subscribers
// are tracked so their channels are closed on Unsubscribe() or Close(),
// letting readers unblock predictably during shutdown.
type DisabledSerialMux struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	closing     bool
}

var _ SerialMuxInterface = (*DisabledSerialMux)(nil)

func NewDisabledSerialMux() *DisabledSerialMux {
	return &DisabledSerialMux{
		subscribers: make(map[string]chan string),
	}
}

func (d *DisabledSerialMux) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string)

	d.mu.Lock()
	if d.closing {
		// If already closing, return a closed channel so callers don't block.
		close(ch)
		d.mu.Unlock()
		return id, ch
	}
	d.subscribers[id] = ch
	d.mu.Unlock()
	return id, ch
}

func (d *DisabledSerialMux) Unsubscribe(id string) {
	d.mu.Lock()
	if ch, ok := d.subscribers[id]; ok {
		close(ch)
		delete(d.subscribers, id)
	}
	d.mu.Unlock()
}

// ErrInputDisabled is returned by SendCommand when no input is attached.
var ErrInputDisabled = errors.New("wheel command input disabled")

func (d *DisabledSerialMux) SendCommand(string) error { return ErrInputDisabled }

func (d *DisabledSerialMux) Monitor(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }

func (d *DisabledSerialMux) Close() error {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return nil
	}
	d.closing = true
	// Close all subscriber channels
	for id, ch := range d.subscribers {
		close(ch)
		delete(d.subscribers, id)
	}
	d.mu.Unlock()
	return nil
}

// AttachAdminRoutes registers serial-stats so dashboards polling it see the
// input is off rather than a 404.
func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("serial-stats", "line counters (JSON)", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireMethod(w, r, http.MethodGet) {
			return
		}
		httputil.WriteJSONOK(w, map[string]any{"disabled": true, "lines": 0, "dropped": 0})
	})
}
