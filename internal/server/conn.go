package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/matst80/airfire/internal/events"
	"github.com/matst80/airfire/internal/httpx"
	"github.com/matst80/airfire/internal/media"
	"github.com/matst80/airfire/internal/obs"
	"github.com/matst80/airfire/internal/proto"
)

var (
	// ErrSinkRejected wraps an error returned by the media sink.
	ErrSinkRejected = errors.New("server: sink rejected frame")

	errPanic = errors.New("server: handler panic")
)

// protocol is the per-port strategy run by a connection handler.
type protocol interface {
	kind() events.ProtocolKind
	serve(ctx context.Context, c *conn) error
}

// conn is one accepted connection together with its session bookkeeping.
type conn struct {
	net.Conn
	id      string
	kind    events.ProtocolKind
	peer    string
	peerIP  string
	started time.Time

	sink   media.Sink
	events events.Sink

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	frames   atomic.Int64
	bytes    atomic.Int64
	requests atomic.Int64
}

func (c *conn) notify(kind events.Kind, text string) {
	c.events.Notify(events.Event{
		Kind:      kind,
		Text:      text,
		Peer:      c.peer,
		Protocol:  c.kind,
		SessionID: c.id,
	})
}

// stop cancels the session and unblocks any pending read.
func (c *conn) stop() {
	c.cancel()
	_ = c.Conn.Close()
}

// deliver hands one access unit to the sink and blocks until it is accepted.
func (c *conn) deliver(ctx context.Context, frame []byte) error {
	n := len(frame)
	if err := c.sink.Accept(ctx, frame); err != nil {
		return fmt.Errorf("%w: %v", ErrSinkRejected, err)
	}
	c.frames.Add(1)
	c.bytes.Add(int64(n))
	label := c.kind.String()
	obs.FramesTotal.WithLabelValues(label).Inc()
	obs.FrameBytesTotal.WithLabelValues(label).Add(float64(n))
	obs.FrameSizeBytes.Observe(float64(n))
	return nil
}

func (c *conn) snapshot() SessionInfo {
	return SessionInfo{
		ID:        c.id,
		Protocol:  c.kind,
		Peer:      c.peer,
		StartedAt: c.started,
		Frames:    c.frames.Load(),
		Bytes:     c.bytes.Load(),
	}
}

// SessionInfo describes the active session.
type SessionInfo struct {
	ID        string
	Protocol  events.ProtocolKind
	Peer      string
	StartedAt time.Time
	Frames    int64
	Bytes     int64
}

// Record converts s to its persisted form.
func (s SessionInfo) Record() proto.SessionRecord {
	return proto.SessionRecord{
		ID:        s.ID,
		Protocol:  s.Protocol.String(),
		Peer:      s.Peer,
		StartedAt: s.StartedAt,
	}
}

func safeServe(ctx context.Context, p protocol, c *conn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errPanic, r)
		}
	}()
	return p.serve(ctx, c)
}

// classify maps a handler result to the event kind reported on disconnect
// and an error type label ("" for a normal end).
func classify(ctx context.Context, err error, progressed bool) (events.Kind, string) {
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return events.Disconnected, ""
	case ctx.Err() != nil:
		// closed by the receiver: preempted or stopping
		return events.Disconnected, ""
	case errors.Is(err, errPanic):
		return events.Error, "panic"
	case errors.Is(err, ErrSinkRejected):
		return events.Error, "sink_rejected"
	case errors.Is(err, proto.ErrFrameTooLarge):
		return events.Error, "frame_too_large"
	case errors.Is(err, proto.ErrTruncatedFrame):
		return events.Error, "truncated_frame"
	case errors.Is(err, httpx.ErrMalformedRequest):
		return events.Error, "malformed_request"
	case errors.Is(err, net.ErrClosed):
		return events.Disconnected, ""
	case progressed:
		return events.Disconnected, ""
	default:
		return events.Error, "io"
	}
}

// serveConn runs p on c until it ends, then closes c and reports the outcome.
// Exactly one Connected and one Disconnected event are emitted per
// connection, in that order.
func (l *Listener) serveConn(c *conn, p protocol) {
	defer l.handlers.Done()
	defer close(c.done)
	defer l.release(c)

	label := c.kind.String()
	obs.ConnectionsTotal.WithLabelValues(label).Inc()
	obs.Info("session.open", obs.Fields{"session": c.id, "protocol": label, "peer": c.peer})
	c.notify(events.Connected, label+" client connected")

	err := safeServe(c.ctx, p, c)
	_ = c.Conn.Close()

	progressed := c.frames.Load() > 0 || c.requests.Load() > 0
	kind, errType := classify(c.ctx, err, progressed)
	if kind == events.Error {
		obs.ErrorsTotal.WithLabelValues(errType).Inc()
		obs.Error("session.error", obs.Fields{"session": c.id, "protocol": label, "peer": c.peer, "err": err.Error()})
		c.notify(events.Error, err.Error())
	} else if err != nil && c.ctx.Err() == nil && !errors.Is(err, io.EOF) {
		obs.Debug("session.read", obs.Fields{"session": c.id, "err": err.Error()})
		c.notify(events.Info, "connection ended: "+err.Error())
	}

	dur := time.Since(c.started)
	obs.SessionDurationSeconds.Observe(dur.Seconds())
	obs.Info("session.close", obs.Fields{
		"session":  c.id,
		"protocol": label,
		"peer":     c.peer,
		"frames":   c.frames.Load(),
		"bytes":    c.bytes.Load(),
		"duration": dur.String(),
	})
	c.notify(events.Disconnected, fmt.Sprintf("%s client disconnected after %d frames (%d bytes)", label, c.frames.Load(), c.bytes.Load()))
}
