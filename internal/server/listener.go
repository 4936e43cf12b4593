// Package server accepts sender connections on the custom and control ports
// and feeds their access units to a media sink. At most one session is
// active; a new connection on either port preempts the current one.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/matst80/airfire/internal/events"
	"github.com/matst80/airfire/internal/httpx"
	"github.com/matst80/airfire/internal/media"
	"github.com/matst80/airfire/internal/obs"
)

var (
	ErrListenerBindFailed = errors.New("server: listener bind failed")
	ErrNotStopped         = errors.New("server: listener not stopped")
)

// State is the listener lifecycle state.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Listener owns both listening sockets, the active session slot and every
// connection handler goroutine.
type Listener struct {
	cfg     Config
	sink    media.Sink
	events  events.Sink
	custom  protocol
	control protocol

	mu        sync.Mutex
	state     State
	customLn  net.Listener
	controlLn net.Listener
	cancel    context.CancelFunc
	loops     *errgroup.Group
	stopped   chan struct{}
	active    *conn
	conns     map[*conn]struct{}

	handlers sync.WaitGroup
}

// New validates cfg. A nil event sink discards events.
func New(cfg Config, sink media.Sink, ev events.Sink) (*Listener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.New("server: nil media sink")
	}
	if ev == nil {
		ev = events.Discard
	}
	return &Listener{
		cfg:     cfg,
		sink:    sink,
		events:  ev,
		custom:  customProtocol{maxFrame: cfg.MaxFrameSize},
		control: newControlProtocol(cfg),
		conns:   make(map[*conn]struct{}),
	}, nil
}

// Start binds both ports and begins accepting. Either both sockets are bound
// or neither is. Cancelling ctx stops the listener.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.state != Stopped {
		st := l.state
		l.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrNotStopped, st)
	}
	l.state = Starting
	l.mu.Unlock()

	customLn, err := net.Listen("tcp", l.cfg.CustomAddr)
	if err != nil {
		return l.bindFailed("custom", l.cfg.CustomAddr, err)
	}
	controlLn, err := net.Listen("tcp", l.cfg.ControlAddr)
	if err != nil {
		_ = customLn.Close()
		return l.bindFailed("control", l.cfg.ControlAddr, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	g := new(errgroup.Group)
	stopped := make(chan struct{})

	l.mu.Lock()
	l.customLn, l.controlLn = customLn, controlLn
	l.cancel = cancel
	l.loops = g
	l.stopped = stopped
	l.state = Running
	l.mu.Unlock()

	g.Go(func() error { return l.acceptLoop(runCtx, customLn, l.custom) })
	g.Go(func() error { return l.acceptLoop(runCtx, controlLn, l.control) })
	if l.cfg.Limiter != nil && l.cfg.CleanupInterval > 0 {
		g.Go(func() error { l.housekeep(runCtx); return nil })
	}
	go func() {
		select {
		case <-ctx.Done():
			l.Stop()
		case <-stopped:
		}
	}()

	obs.Info("listener.start", obs.Fields{"custom": customLn.Addr().String(), "control": controlLn.Addr().String()})
	l.events.Notify(events.Event{
		Kind: events.Info,
		Text: fmt.Sprintf("listening: custom %s, control %s", customLn.Addr(), controlLn.Addr()),
	})
	return nil
}

func (l *Listener) bindFailed(which, addr string, err error) error {
	l.setState(Stopped)
	obs.ErrorsTotal.WithLabelValues("bind").Inc()
	obs.Error("listener.bind", obs.Fields{"protocol": which, "addr": addr, "err": err.Error()})
	l.events.Notify(events.Event{Kind: events.Error, Text: fmt.Sprintf("bind %s %s: %v", which, addr, err)})
	return fmt.Errorf("%w: %s %s: %v", ErrListenerBindFailed, which, addr, err)
}

// Stop closes both listeners and every connection, then waits for all accept
// loops and handlers to exit. Calling Stop on a stopped listener is a no-op;
// concurrent callers all wait for the same shutdown.
func (l *Listener) Stop() {
	l.mu.Lock()
	switch l.state {
	case Stopping:
		stopped := l.stopped
		l.mu.Unlock()
		<-stopped
		return
	case Running:
	default:
		l.mu.Unlock()
		return
	}
	l.state = Stopping
	cancel := l.cancel
	customLn, controlLn := l.customLn, l.controlLn
	g := l.loops
	stopped := l.stopped
	open := make([]*conn, 0, len(l.conns))
	for c := range l.conns {
		open = append(open, c)
	}
	l.mu.Unlock()

	cancel()
	_ = customLn.Close()
	_ = controlLn.Close()
	for _, c := range open {
		c.stop()
	}
	if err := g.Wait(); err != nil {
		obs.Error("listener.accept", obs.Fields{"err": err.Error()})
	}
	l.handlers.Wait()

	l.mu.Lock()
	l.state = Stopped
	l.active = nil
	l.customLn, l.controlLn = nil, nil
	l.mu.Unlock()
	obs.ActiveSessions.Set(0)
	close(stopped)

	obs.Info("listener.stop", nil)
	l.events.Notify(events.Event{Kind: events.Info, Text: "listener stopped"})
}

// State reports the lifecycle state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Listener) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Addrs returns the bound custom and control addresses, or nils when the
// listener is not running.
func (l *Listener) Addrs() (custom, control net.Addr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.customLn != nil {
		custom = l.customLn.Addr()
	}
	if l.controlLn != nil {
		control = l.controlLn.Addr()
	}
	return custom, control
}

// ActiveSession returns a snapshot of the current session.
func (l *Listener) ActiveSession() (SessionInfo, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil {
		return SessionInfo{}, false
	}
	return l.active.snapshot(), true
}

func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener, p protocol) error {
	label := p.kind().String()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				obs.Error("accept."+label+".timeout", obs.Fields{"err": err.Error()})
				continue
			}
			obs.ErrorsTotal.WithLabelValues("accept").Inc()
			l.events.Notify(events.Event{Kind: events.Error, Protocol: p.kind(), Text: "accept: " + err.Error()})
			return fmt.Errorf("accept %s: %w", label, err)
		}

		peerIP := httpx.PeerIP(nc.RemoteAddr())
		if !l.cfg.Limiter.AllowConnection(peerIP) {
			obs.RejectedConnections.Inc()
			obs.Warn("accept.rate_limited", obs.Fields{"protocol": label, "peer": peerIP})
			l.events.Notify(events.Event{Kind: events.Info, Protocol: p.kind(), Peer: nc.RemoteAddr().String(), Text: "connection rate limited"})
			_ = nc.Close()
			continue
		}

		c := l.admit(ctx, nc, p, peerIP)
		if c == nil {
			_ = nc.Close()
			return nil
		}
		go l.serveConn(c, p)
	}
}

// admit installs a new session in the slot, preempting the previous one.
// It returns only once the previous handler has exited or PreemptTimeout
// elapsed, so the new handler never reads while the old one is still live.
func (l *Listener) admit(parent context.Context, nc net.Conn, p protocol, peerIP string) *conn {
	ctx, cancel := context.WithCancel(parent)
	c := &conn{
		Conn:    nc,
		id:      uuid.NewString(),
		kind:    p.kind(),
		peer:    nc.RemoteAddr().String(),
		peerIP:  peerIP,
		started: time.Now(),
		sink:    l.sink,
		events:  l.events,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	l.mu.Lock()
	if l.state != Running {
		l.mu.Unlock()
		cancel()
		return nil
	}
	prev := l.active
	l.active = c
	l.conns[c] = struct{}{}
	l.handlers.Add(1)
	l.mu.Unlock()

	obs.ActiveSessions.Set(1)
	if prev != nil {
		l.preempt(prev, c)
	}
	return c
}

func (l *Listener) preempt(prev, next *conn) {
	obs.PreemptionsTotal.Inc()
	obs.Info("session.preempt", obs.Fields{"session": prev.id, "by": next.id, "peer": next.peer})
	prev.stop()
	if l.cfg.PreemptTimeout <= 0 {
		<-prev.done
		return
	}
	t := time.NewTimer(l.cfg.PreemptTimeout)
	defer t.Stop()
	select {
	case <-prev.done:
	case <-t.C:
		obs.Warn("session.preempt.timeout", obs.Fields{"session": prev.id, "timeout": l.cfg.PreemptTimeout.String()})
	}
}

// release drops c from tracking and frees the slot if c still holds it.
func (l *Listener) release(c *conn) {
	c.cancel()
	l.mu.Lock()
	delete(l.conns, c)
	if l.active == c {
		l.active = nil
		obs.ActiveSessions.Set(0)
	}
	l.mu.Unlock()
}

func (l *Listener) housekeep(ctx context.Context) {
	t := time.NewTicker(l.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := l.cfg.Limiter.CleanupIdle(2 * l.cfg.CleanupInterval); n > 0 {
				obs.Debug("ratelimit.cleanup", obs.Fields{"removed": n})
			}
		}
	}
}
