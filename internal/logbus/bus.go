package logbus

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"portbroker/internal/sse"
)

// Event is one finished attempt or request as seen by the orchestrator.
type Event struct {
	TS            time.Time `json:"ts"`
	RequestID     string    `json:"request_id"`
	Facade        string    `json:"facade"`
	RequestModel  string    `json:"request_model"`
	RouteKey      string    `json:"route_key,omitempty"`
	UpstreamModel string    `json:"upstream_model,omitempty"`
	ProviderID    string    `json:"provider_id,omitempty"`
	ProviderShape string    `json:"provider_shape,omitempty"`
	Attempt       int       `json:"attempt,omitempty"`
	Final         bool      `json:"final,omitempty"`
	Stream        bool      `json:"stream,omitempty"`
	RequestBytes  int       `json:"request_bytes,omitempty"`
	ResponseBytes int64     `json:"response_bytes,omitempty"`
	InputTokens   int       `json:"input_tokens,omitempty"`
	OutputTokens  int       `json:"output_tokens,omitempty"`
	Status        int       `json:"status"`
	Kind          string    `json:"kind,omitempty"`
	Truncated     bool      `json:"truncated,omitempty"`
	LatencyMs     int64     `json:"latency_ms"`
	Error         string    `json:"error,omitempty"`
}

// Bus keeps the last ringCap events and fans new ones out to SSE
// subscribers. Slow subscribers miss events rather than block publishers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	ring    []Event
	ringCap int
}

func New(ringCap int) *Bus {
	if ringCap <= 0 {
		ringCap = 200
	}
	return &Bus{
		subs:    make(map[chan Event]struct{}),
		ring:    make([]Event, 0, ringCap),
		ringCap: ringCap,
	}
}

func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ring) < b.ringCap {
		b.ring = append(b.ring, ev)
	} else {
		copy(b.ring, b.ring[1:])
		b.ring[len(b.ring)-1] = ev
	}
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Recent returns a copy of the buffered events, oldest first.
func (b *Bus) Recent() []Event {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Event(nil), b.ring...)
}

func (b *Bus) subscribe() (chan Event, []Event) {
	ch := make(chan Event, 64)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	return ch, append([]Event(nil), b.ring...)
}

func (b *Bus) unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
	close(ch)
}

// ServeSSE replays the ring and then tails new events until the client
// disconnects.
func (b *Bus) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch, backlog := b.subscribe()
	defer b.unsubscribe(ch)

	for _, ev := range backlog {
		writeSSE(w, ev)
	}
	flusher.Flush()

	notify := r.Context().Done()
	for {
		select {
		case <-notify:
			return
		case ev := <-ch:
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev Event) {
	b, _ := json.Marshal(ev)
	_, _ = w.Write(sse.Frame{Data: b}.Bytes())
}
