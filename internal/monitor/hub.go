// Package monitor streams scheduler events to websocket subscribers.
package monitor

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"buildorch/internal/scheduler"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10

	defaultHistory = 256
	subscriberBuf  = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

type inbound struct {
	Type  string           `json:"type"`
	Event *scheduler.Event `json:"event,omitempty"`
}

type outbound struct {
	Type    string           `json:"type"`
	RunID   string           `json:"run_id,omitempty"`
	Event   *scheduler.Event `json:"event,omitempty"`
	Code    string           `json:"code,omitempty"`
	Message string           `json:"message,omitempty"`
}

// Hub fans events out to subscribers and keeps a short history so late
// subscribers see the start of a run.
type Hub struct {
	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	history []scheduler.Event
	limit   int

	acceptPublish bool
}

type subscriber struct {
	runID string
	ch    chan scheduler.Event
}

type HubOption func(*Hub)

// WithHistory bounds the replayed history.
func WithHistory(n int) HubOption {
	return func(h *Hub) {
		if n >= 0 {
			h.limit = n
		}
	}
}

// AcceptPublish lets websocket clients publish events into the hub.
func AcceptPublish() HubOption {
	return func(h *Hub) { h.acceptPublish = true }
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{subs: map[*subscriber]struct{}{}, limit: defaultHistory}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Send implements scheduler.EventSink. It never blocks: a subscriber
// that falls behind loses its oldest pending events.
func (h *Hub) Send(ev scheduler.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.limit > 0 {
		if len(h.history) >= h.limit {
			h.history = append(h.history[:0], h.history[len(h.history)-h.limit+1:]...)
		}
		h.history = append(h.history, ev)
	}
	for s := range h.subs {
		if s.runID != "" && s.runID != ev.RunID {
			continue
		}
		push(s.ch, ev)
	}
}

// Subscribe returns a channel of events for runID (all runs when empty),
// starting with the matching history. The channel closes when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, runID string) <-chan scheduler.Event {
	s := &subscriber{runID: runID, ch: make(chan scheduler.Event, subscriberBuf)}
	h.mu.Lock()
	for _, ev := range h.history {
		if runID == "" || ev.RunID == runID {
			push(s.ch, ev)
		}
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, s)
		close(s.ch)
		h.mu.Unlock()
	}()
	return s.ch
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func push[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

// ServeHTTP upgrades to a websocket and streams events. The optional
// run_id query parameter filters to one run.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.URL.Query().Get("run_id"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		log.Printf("monitor: set read deadline: %v", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	writeCh := make(chan outbound, subscriberBuf)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(wsPingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case out := <-writeCh:
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteJSON(out); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	events := h.Subscribe(ctx, runID)
	push(writeCh, outbound{Type: "subscribed", RunID: runID})
	go func() {
		for ev := range events {
			ev := ev
			push(writeCh, outbound{Type: "event", Event: &ev})
		}
	}()

	for {
		var in inbound
		if err := conn.ReadJSON(&in); err != nil {
			cancel()
			<-writerDone
			return
		}
		switch strings.ToLower(strings.TrimSpace(in.Type)) {
		case "ping":
			push(writeCh, outbound{Type: "pong"})
		case "publish":
			if !h.acceptPublish {
				push(writeCh, outbound{Type: "error", Code: "permission_denied", Message: "publishing is disabled"})
				continue
			}
			if in.Event == nil || in.Event.RunID == "" {
				push(writeCh, outbound{Type: "error", Code: "invalid_argument", Message: "event with run_id is required"})
				continue
			}
			h.Send(*in.Event)
		case "":
			push(writeCh, outbound{Type: "error", Code: "invalid_argument", Message: "type is required"})
		default:
			push(writeCh, outbound{Type: "error", Code: "invalid_argument", Message: "unsupported type: " + in.Type})
		}
	}
}
