package monitor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"buildorch/internal/scheduler"
)

// Publisher forwards events to a remote hub that accepts publishing.
// Events are dropped, oldest first, while the connection is slow.
type Publisher struct {
	conn *websocket.Conn
	out  chan outbound
	done chan struct{}
	once sync.Once
}

// Dial connects to the hub at url (ws:// or wss://).
func Dial(ctx context.Context, url string) (*Publisher, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("monitor: dial %s: %w", url, err)
	}
	p := &Publisher{conn: conn, out: make(chan outbound, subscriberBuf), done: make(chan struct{})}
	go p.writeLoop()
	go p.readLoop()
	return p, nil
}

func (p *Publisher) Send(ev scheduler.Event) {
	select {
	case <-p.done:
		return
	default:
	}
	push(p.out, outbound{Type: "publish", Event: &ev})
}

func (p *Publisher) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case out := <-p.out:
			if err := p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				p.stop()
				return
			}
			if err := p.conn.WriteJSON(out); err != nil {
				log.Printf("monitor: publish: %v", err)
				p.stop()
				return
			}
		}
	}
}

// readLoop drains replies so control frames are processed; the hub echoes
// every subscribed event back to us.
func (p *Publisher) readLoop() {
	for {
		var in outbound
		if err := p.conn.ReadJSON(&in); err != nil {
			p.stop()
			return
		}
		if in.Type == "error" {
			log.Printf("monitor: hub rejected event: %s", in.Message)
		}
	}
}

func (p *Publisher) stop() {
	p.once.Do(func() { close(p.done) })
}

// Close flushes queued events and closes the connection.
func (p *Publisher) Close() error {
	deadline := time.Now().Add(wsWriteWait)
	for len(p.out) > 0 && time.Now().Before(deadline) {
		select {
		case <-p.done:
			deadline = time.Now()
		case <-time.After(10 * time.Millisecond):
		}
	}
	p.stop()
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return p.conn.Close()
}

// Tee sends every event to each non-nil sink in order.
func Tee(sinks ...scheduler.EventSink) scheduler.EventSink {
	var live []scheduler.EventSink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return scheduler.SinkFunc(func(ev scheduler.Event) {
		for _, s := range live {
			s.Send(ev)
		}
	})
}
