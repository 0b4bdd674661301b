package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stableyield/indexd/internal/events"
)

// EventsStreamHandler streams bus events to clients over Server-Sent Events.
// It subscribes to the bus once and fans out to per-connection channels with
// non-blocking sends, so a slow client drops events instead of stalling the
// pipeline.
type EventsStreamHandler struct {
	log     zerolog.Logger
	mu      sync.Mutex
	clients map[chan *events.Event]struct{}
}

// NewEventsStreamHandler subscribes to every bus event type.
func NewEventsStreamHandler(bus *events.Bus, log zerolog.Logger) *EventsStreamHandler {
	h := &EventsStreamHandler{
		log:     log.With().Str("component", "events_stream").Logger(),
		clients: make(map[chan *events.Event]struct{}),
	}
	bus.SubscribeAll(h.broadcast)
	return h
}

func (h *EventsStreamHandler) broadcast(event *events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- event:
		default:
			// Client buffer full; it catches up from the store.
		}
	}
}

func (h *EventsStreamHandler) register() chan *events.Event {
	ch := make(chan *events.Event, 100)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *EventsStreamHandler) unregister(ch chan *events.Event) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// ServeHTTP handles GET /api/v1/events/stream. An optional types parameter
// narrows the stream to a comma-separated set of event types.
func (h *EventsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var allowed map[events.EventType]bool
	if filter := r.URL.Query().Get("types"); filter != "" {
		allowed = make(map[events.EventType]bool)
		for _, t := range strings.Split(filter, ",") {
			allowed[events.EventType(strings.TrimSpace(t))] = true
		}
	}

	ch := h.register()
	defer h.unregister(ch)

	h.log.Info().Str("remote", r.RemoteAddr).Msg("Client connected to event stream")

	h.send(w, map[string]interface{}{"type": "connected"})
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	done := r.Context().Done()
	for {
		select {
		case <-done:
			h.log.Info().Str("remote", r.RemoteAddr).Msg("Client disconnected from event stream")
			return

		case event := <-ch:
			if allowed != nil && !allowed[event.Type] {
				continue
			}
			h.send(w, map[string]interface{}{
				"type":      string(event.Type),
				"module":    event.Module,
				"timestamp": event.Timestamp.Format(time.RFC3339),
				"data":      event.Data,
			})
			flusher.Flush()

		case <-heartbeat.C:
			h.send(w, map[string]interface{}{
				"type":      "heartbeat",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			flusher.Flush()
		}
	}
}

func (h *EventsStreamHandler) send(w http.ResponseWriter, payload map[string]interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to encode stream event")
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
