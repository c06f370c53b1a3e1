// Package relay delivers error messages to editor windows. A window that is
// still loading cannot show anything, so messages for it are queued and
// flushed in order once it reports ready.
package relay

import (
	"sync"

	"github.com/harun/vaultd/internal/observability"
	"github.com/rs/zerolog"
)

// Sink shows one message in a window.
type Sink func(message string) error

type windowState struct {
	sink        Sink
	interactive bool
	pending     []string

	// deliver serializes sink calls so messages arrive in publish order.
	deliver sync.Mutex
}

// Relay routes errors to every attached window.
type Relay struct {
	mu      sync.Mutex
	windows map[string]*windowState
	orphans []string
	logger  zerolog.Logger
}

func New(logger zerolog.Logger) *Relay {
	observability.EnsureRegistered()
	return &Relay{
		windows: make(map[string]*windowState),
		logger:  logger.With().Str("component", "error_relay").Logger(),
	}
}

// Attach registers a window in the loading state. Messages published while no
// window was attached are queued for it.
func (r *Relay) Attach(windowID string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ws := &windowState{sink: sink}
	if len(r.orphans) > 0 {
		ws.pending = r.orphans
		r.orphans = nil
	}
	r.windows[windowID] = ws
	observability.SetRelayPending(windowID, len(ws.pending))
}

// Publish sends message to every ready window and queues it for the others.
func (r *Relay) Publish(message string) {
	r.mu.Lock()
	if len(r.windows) == 0 {
		r.orphans = append(r.orphans, message)
		r.mu.Unlock()
		r.logger.Debug().Str("message", message).Msg("No window attached, holding error")
		return
	}

	type target struct {
		id string
		ws *windowState
	}
	var ready []target
	for id, ws := range r.windows {
		if ws.interactive {
			ready = append(ready, target{id, ws})
			continue
		}
		ws.pending = append(ws.pending, message)
		observability.SetRelayPending(id, len(ws.pending))
	}
	r.mu.Unlock()

	for _, t := range ready {
		r.deliverOne(t.id, t.ws, message)
	}
}

// PublishError publishes the formatted form of err.
func (r *Relay) PublishError(err error) {
	if err == nil {
		return
	}
	r.Publish(FormatError(err))
}

func (r *Relay) deliverOne(windowID string, ws *windowState, message string) {
	ws.deliver.Lock()
	defer ws.deliver.Unlock()

	r.mu.Lock()
	if r.windows[windowID] != ws || !ws.interactive {
		// Went back to loading (or detached) since Publish looked.
		r.enqueueLocked(windowID, ws, message)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if err := ws.sink(message); err != nil {
		r.logger.Warn().Err(err).Str("window_id", windowID).Msg("Error delivery failed, queueing")
		r.mu.Lock()
		ws.interactive = false
		r.enqueueLocked(windowID, ws, message)
		r.mu.Unlock()
		return
	}
	observability.RecordRelayDelivered(1)
}

func (r *Relay) enqueueLocked(windowID string, ws *windowState, message string) {
	if r.windows[windowID] != ws {
		r.orphans = append(r.orphans, message)
		return
	}
	ws.pending = append(ws.pending, message)
	observability.SetRelayPending(windowID, len(ws.pending))
}

// SetLoading marks a window as not ready, e.g. after a reload.
func (r *Relay) SetLoading(windowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ws, ok := r.windows[windowID]; ok {
		ws.interactive = false
	}
}

// DrainOn marks a window ready and delivers its queue in FIFO order. If a
// delivery fails the window goes back to loading and the undelivered tail is
// kept. It returns the number of messages delivered.
func (r *Relay) DrainOn(windowID string) int {
	r.mu.Lock()
	ws, ok := r.windows[windowID]
	r.mu.Unlock()
	if !ok {
		return 0
	}

	ws.deliver.Lock()
	defer ws.deliver.Unlock()

	r.mu.Lock()
	if r.windows[windowID] != ws {
		r.mu.Unlock()
		return 0
	}
	queue := ws.pending
	ws.pending = nil
	ws.interactive = true
	r.mu.Unlock()

	delivered := 0
	for i, message := range queue {
		if err := ws.sink(message); err != nil {
			r.logger.Warn().Err(err).Str("window_id", windowID).Int("remaining", len(queue)-i).Msg("Drain interrupted")
			r.mu.Lock()
			ws.interactive = false
			rest := append([]string(nil), queue[i:]...)
			if r.windows[windowID] == ws {
				ws.pending = append(rest, ws.pending...)
				observability.SetRelayPending(windowID, len(ws.pending))
			} else {
				r.orphans = append(r.orphans, rest...)
			}
			r.mu.Unlock()
			break
		}
		delivered++
	}

	if delivered > 0 {
		observability.RecordRelayDelivered(delivered)
	}
	r.mu.Lock()
	if r.windows[windowID] == ws {
		observability.SetRelayPending(windowID, len(ws.pending))
	}
	r.mu.Unlock()
	return delivered
}

// Detach forgets a window. Messages it never saw are kept for the next window.
func (r *Relay) Detach(windowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ws, ok := r.windows[windowID]
	if !ok {
		return
	}
	delete(r.windows, windowID)
	r.orphans = append(r.orphans, ws.pending...)
	observability.SetRelayPending(windowID, 0)
}

// Pending returns the number of queued messages of a window.
func (r *Relay) Pending(windowID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ws, ok := r.windows[windowID]; ok {
		return len(ws.pending)
	}
	return 0
}

// Orphans returns the number of messages waiting for any window.
func (r *Relay) Orphans() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orphans)
}
