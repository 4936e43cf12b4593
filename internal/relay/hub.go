// Package relay broadcasts received access units and status messages to
// websocket viewers. Access units go out as binary messages, status
// messages as JSON text.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/matst80/airfire/internal/events"
	"github.com/matst80/airfire/internal/media"
	"github.com/matst80/airfire/internal/obs"
)

// DefaultQueueSize is the per-viewer backlog before messages are dropped.
const DefaultQueueSize = 64

type message struct {
	typ  websocket.MessageType
	data []byte
}

type viewer struct {
	ch       chan message
	needKey  bool
	remote   string
	attached time.Time
}

// Hub fans messages out to viewers. It never blocks the caller: a viewer
// whose queue is full loses the message and resumes at the next keyframe.
type Hub struct {
	queue int

	mu      sync.Mutex
	viewers map[*viewer]struct{}
	closed  bool
}

func NewHub(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{queue: queueSize, viewers: make(map[*viewer]struct{})}
}

var (
	_ media.Sink   = (*Hub)(nil)
	_ events.Sink  = (*Hub)(nil)
	_ http.Handler = (*Hub)(nil)
)

// Accept broadcasts one access unit. Viewers that joined mid-stream or fell
// behind only receive units from the next keyframe onward.
func (h *Hub) Accept(_ context.Context, frame []byte) error {
	key := media.IsKeyframe(frame)
	h.mu.Lock()
	defer h.mu.Unlock()
	for v := range h.viewers {
		if v.needKey && !key {
			continue
		}
		if !v.send(message{typ: websocket.MessageBinary, data: frame}) {
			v.needKey = true
			continue
		}
		v.needKey = false
	}
	return nil
}

// Notify broadcasts a status event as JSON.
func (h *Hub) Notify(ev events.Event) {
	data, err := json.Marshal(ev.Message())
	if err != nil {
		obs.Error("relay.marshal", obs.Fields{"err": err.Error()})
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for v := range h.viewers {
		v.send(message{typ: websocket.MessageText, data: data})
	}
}

func (v *viewer) send(m message) bool {
	select {
	case v.ch <- m:
		return true
	default:
		obs.RelayDroppedTotal.Inc()
		return false
	}
}

// Viewers reports how many viewers are attached.
func (h *Hub) Viewers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

func (h *Hub) attach(remote string) *viewer {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	v := &viewer{ch: make(chan message, h.queue), needKey: true, remote: remote, attached: time.Now()}
	h.viewers[v] = struct{}{}
	obs.ViewersConnected.Set(float64(len(h.viewers)))
	return v
}

func (h *Hub) detach(v *viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.viewers[v]; !ok {
		return
	}
	delete(h.viewers, v)
	close(v.ch)
	obs.ViewersConnected.Set(float64(len(h.viewers)))
}

// Close disconnects every viewer and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for v := range h.viewers {
		delete(h.viewers, v)
		close(v.ch)
	}
	obs.ViewersConnected.Set(0)
}

// ServeHTTP upgrades the request and streams to the viewer until either
// side goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // viewers are local dashboards on any origin
	})
	if err != nil {
		obs.Error("relay.accept", obs.Fields{"err": err.Error(), "remote": r.RemoteAddr})
		return
	}
	defer ws.CloseNow()

	v := h.attach(r.RemoteAddr)
	if v == nil {
		_ = ws.Close(websocket.StatusGoingAway, "receiver shutting down")
		return
	}
	defer h.detach(v)
	obs.Info("relay.viewer.attach", obs.Fields{"remote": v.remote})

	// viewers never send; CloseRead handles control frames and cancels
	// ctx when the peer disconnects
	ctx := ws.CloseRead(r.Context())
	for {
		select {
		case m, ok := <-v.ch:
			if !ok {
				_ = ws.Close(websocket.StatusGoingAway, "receiver shutting down")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := ws.Write(wctx, m.typ, m.data)
			cancel()
			if err != nil {
				obs.Debug("relay.viewer.write", obs.Fields{"remote": v.remote, "err": err.Error()})
				return
			}
		case <-ctx.Done():
			obs.Info("relay.viewer.detach", obs.Fields{"remote": v.remote, "duration": time.Since(v.attached).String()})
			return
		}
	}
}
