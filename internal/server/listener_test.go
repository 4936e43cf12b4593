package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matst80/airfire/internal/events"
	"github.com/matst80/airfire/internal/httpx"
	"github.com/matst80/airfire/internal/media"
	"github.com/matst80/airfire/internal/proto"
	"github.com/matst80/airfire/internal/ratelimit"
)

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Notify(e events.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, e)
	r.mu.Unlock()
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.evs...)
}

func (r *recorder) waitFor(t *testing.T, desc string, match func(events.Event) bool) events.Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, e := range r.all() {
			if match(e) {
				return e
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; events: %+v", desc, r.all())
	return events.Event{}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CustomAddr = "127.0.0.1:0"
	cfg.ControlAddr = "127.0.0.1:0"
	cfg.CleanupInterval = 0
	return cfg
}

func startListener(t *testing.T, cfg Config, sink media.Sink) (*Listener, *recorder) {
	t.Helper()
	rec := &recorder{}
	l, err := New(cfg, sink, rec)
	if err != nil {
		t.Fatalf("new listener: %v", err)
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(l.Stop)
	return l, rec
}

func dial(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	return c
}

func expectClosed(t *testing.T, c net.Conn) {
	t.Helper()
	var buf [1]byte
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err := c.Read(buf[:])
	if err == nil {
		t.Fatal("expected connection to be closed by receiver")
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("connection still open after timeout")
	}
}

func recvFrame(t *testing.T, ch media.Chan) []byte {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestCustomFramesDeliveredInOrder(t *testing.T) {
	frames := make(media.Chan, 8)
	l, rec := startListener(t, testConfig(), frames)
	custom, _ := l.Addrs()
	c := dial(t, custom)

	want := [][]byte{[]byte("first"), {}, bytes.Repeat([]byte{0xAB}, 1024)}
	for _, p := range want {
		if err := proto.WriteFrame(c, p); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}
	for i, w := range want {
		got := recvFrame(t, frames)
		if !bytes.Equal(got, w) {
			t.Fatalf("frame %d: got %d bytes, want %d", i, len(got), len(w))
		}
	}
	info, ok := l.ActiveSession()
	if !ok || info.Protocol != events.Custom {
		t.Fatalf("active session = %+v, %v", info, ok)
	}

	_ = c.Close()
	ev := rec.waitFor(t, "disconnect", func(e events.Event) bool { return e.Kind == events.Disconnected })
	if ev.SessionID != info.ID {
		t.Fatalf("disconnect session %q, want %q", ev.SessionID, info.ID)
	}
	for _, e := range rec.all() {
		if e.Kind == events.Error {
			t.Fatalf("unexpected error event: %+v", e)
		}
	}
}

func TestOversizeFrameClosesWithError(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFrameSize = 16
	l, rec := startListener(t, cfg, media.Discard)
	custom, _ := l.Addrs()
	c := dial(t, custom)

	if _, err := c.Write([]byte{0, 0, 0x03, 0xE8}); err != nil {
		t.Fatal(err)
	}
	ev := rec.waitFor(t, "error event", func(e events.Event) bool { return e.Kind == events.Error })
	if !strings.Contains(ev.Text, "exceeds") && !strings.Contains(ev.Text, "too large") {
		t.Fatalf("error text %q", ev.Text)
	}
	expectClosed(t, c)
	if l.State() != Running {
		t.Fatalf("listener state %s after connection error", l.State())
	}
}

func TestTruncatedFrameIsError(t *testing.T) {
	l, rec := startListener(t, testConfig(), media.Discard)
	custom, _ := l.Addrs()
	c := dial(t, custom)

	if _, err := c.Write([]byte{0, 0, 0, 10, 'a', 'b', 'c'}); err != nil {
		t.Fatal(err)
	}
	_ = c.(*net.TCPConn).CloseWrite()
	rec.waitFor(t, "truncated error", func(e events.Event) bool {
		return e.Kind == events.Error && strings.Contains(e.Text, "truncated")
	})
}

func TestSinkRejectionBecomesError(t *testing.T) {
	sink := media.SinkFunc(func(context.Context, []byte) error { return errors.New("decoder gone") })
	l, rec := startListener(t, testConfig(), sink)
	custom, _ := l.Addrs()
	c := dial(t, custom)

	if err := proto.WriteFrame(c, []byte("frame")); err != nil {
		t.Fatal(err)
	}
	ev := rec.waitFor(t, "sink error", func(e events.Event) bool { return e.Kind == events.Error })
	if !strings.Contains(ev.Text, "decoder gone") {
		t.Fatalf("error text %q", ev.Text)
	}
	expectClosed(t, c)
}

func TestServerInfoResponse(t *testing.T) {
	l, rec := startListener(t, testConfig(), media.Discard)
	_, control := l.Addrs()
	c := dial(t, control)

	if _, err := io.WriteString(c, "GET /server-info HTTP/1.1\r\nUser-Agent: test\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	resp, err := httpx.NewReader(c, 0, 0).ReadResponse()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("status %d", resp.Status)
	}
	if ct := resp.Headers.Get("Content-Type"); ct != "text/x-apple-plist+xml" {
		t.Fatalf("content type %q", ct)
	}
	if cl := resp.Headers.Get("Content-Length"); cl != strconv.Itoa(len(resp.Body)) {
		t.Fatalf("content length %q for %d byte body", cl, len(resp.Body))
	}
	if resp.Headers.Get("Date") == "" {
		t.Fatal("missing Date header")
	}
	if !bytes.Contains(resp.Body, []byte("<string>AA:BB:CC:DD:EE:FF</string>")) {
		t.Fatalf("body missing device id:\n%s", resp.Body)
	}
	rec.waitFor(t, "info event", func(e events.Event) bool {
		return e.Kind == events.Info && e.Protocol == events.Control && strings.Contains(e.Text, "server info")
	})
}

func TestPlayDeliversBody(t *testing.T) {
	frames := make(media.Chan, 1)
	l, _ := startListener(t, testConfig(), frames)
	_, control := l.Addrs()
	c := dial(t, control)

	if _, err := io.WriteString(c, "POST /play HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello"); err != nil {
		t.Fatal(err)
	}
	want := "HTTP/1.1 200 OK\r\n\r\n"
	got := make([]byte, len(want))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if string(got) != want {
		t.Fatalf("response %q, want %q", got, want)
	}
	if f := recvFrame(t, frames); string(f) != "hello" {
		t.Fatalf("frame %q", f)
	}
}

func TestControlConnectionCarriesManyRequests(t *testing.T) {
	frames := make(media.Chan, 4)
	l, _ := startListener(t, testConfig(), frames)
	_, control := l.Addrs()
	c := dial(t, control)
	rd := httpx.NewReader(c, 0, 0)

	for i := 0; i < 3; i++ {
		body := fmt.Sprintf("chunk-%d", i)
		req := &httpx.Request{Method: "POST", Path: "/play", Body: []byte(body)}
		if _, err := req.WriteTo(c); err != nil {
			t.Fatal(err)
		}
		resp, err := rd.ReadResponse()
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if resp.Status != 200 {
			t.Fatalf("request %d: status %d", i, resp.Status)
		}
		if f := recvFrame(t, frames); string(f) != body {
			t.Fatalf("frame %q, want %q", f, body)
		}
	}
}

func TestOneShotControlMode(t *testing.T) {
	cfg := testConfig()
	cfg.ControlMode = ControlOneShot
	l, _ := startListener(t, cfg, media.Discard)
	_, control := l.Addrs()
	c := dial(t, control)

	if _, err := io.WriteString(c, "POST /stop HTTP/1.1\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "HTTP/1.1 200 OK\r\n\r\n" {
		t.Fatalf("response %q", got)
	}
}

func TestUnknownPathIsNotFound(t *testing.T) {
	l, rec := startListener(t, testConfig(), media.Discard)
	_, control := l.Addrs()
	c := dial(t, control)

	if _, err := io.WriteString(c, "GET /nonexistent HTTP/1.1\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	want := "HTTP/1.1 404 Not Found\r\n\r\n"
	got := make([]byte, len(want))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != want {
		t.Fatalf("response %q, want %q", got, want)
	}
	rec.waitFor(t, "unknown request event", func(e events.Event) bool {
		return e.Kind == events.Info && strings.Contains(e.Text, "unknown request")
	})
}

func TestMalformedRequestClosesWithoutResponse(t *testing.T) {
	l, rec := startListener(t, testConfig(), media.Discard)
	_, control := l.Addrs()
	c := dial(t, control)

	if _, err := io.WriteString(c, "garbage\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(c)
	if len(got) != 0 {
		t.Fatalf("unexpected response %q", got)
	}
	rec.waitFor(t, "malformed error", func(e events.Event) bool { return e.Kind == events.Error })
}

func TestControlRequestRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.Limiter = ratelimit.NewRateLimiter(0, 0, 0, 1, 1)
	l, _ := startListener(t, cfg, media.Discard)
	_, control := l.Addrs()
	c := dial(t, control)
	rd := httpx.NewReader(c, 0, 0)

	for i, want := range []int{200, 503} {
		if _, err := io.WriteString(c, "POST /scrub HTTP/1.1\r\n\r\n"); err != nil {
			t.Fatal(err)
		}
		resp, err := rd.ReadResponse()
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if resp.Status != want {
			t.Fatalf("request %d: status %d, want %d", i, resp.Status, want)
		}
	}
	expectClosed(t, c)
}

func TestConnectionRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.Limiter = ratelimit.NewRateLimiter(0, 1, 0, 0, 1)
	l, rec := startListener(t, cfg, media.Discard)
	custom, _ := l.Addrs()

	dial(t, custom)
	rec.waitFor(t, "first connect", func(e events.Event) bool { return e.Kind == events.Connected })
	second := dial(t, custom)
	expectClosed(t, second)
	rec.waitFor(t, "rate limit event", func(e events.Event) bool {
		return e.Kind == events.Info && strings.Contains(e.Text, "rate limited")
	})
}

func TestBindFailureReleasesOtherPort(t *testing.T) {
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	customAddr := probe.Addr().String()
	_ = probe.Close()

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	cfg := testConfig()
	cfg.CustomAddr = customAddr
	cfg.ControlAddr = busy.Addr().String()
	l, err := New(cfg, media.Discard, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = l.Start(context.Background())
	if !errors.Is(err, ErrListenerBindFailed) {
		t.Fatalf("start error %v, want ErrListenerBindFailed", err)
	}
	if l.State() != Stopped {
		t.Fatalf("state %s after bind failure", l.State())
	}
	again, err := net.Listen("tcp", customAddr)
	if err != nil {
		t.Fatalf("custom port still held after failed start: %v", err)
	}
	_ = again.Close()
}

func TestStartTwiceFails(t *testing.T) {
	l, _ := startListener(t, testConfig(), media.Discard)
	if err := l.Start(context.Background()); !errors.Is(err, ErrNotStopped) {
		t.Fatalf("second start: %v, want ErrNotStopped", err)
	}
}

func TestPreemptionClosesPriorSessionFirst(t *testing.T) {
	frames := make(media.Chan, 4)
	l, rec := startListener(t, testConfig(), frames)
	custom, control := l.Addrs()

	a := dial(t, custom)
	if err := proto.WriteFrame(a, []byte("a")); err != nil {
		t.Fatal(err)
	}
	recvFrame(t, frames)
	first := rec.waitFor(t, "custom connect", func(e events.Event) bool {
		return e.Kind == events.Connected && e.Protocol == events.Custom
	})

	b := dial(t, control)
	if _, err := io.WriteString(b, "GET /server-info HTTP/1.1\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	if _, err := httpx.NewReader(b, 0, 0).ReadResponse(); err != nil {
		t.Fatalf("control response: %v", err)
	}
	expectClosed(t, a)

	disconnected, connected := -1, -1
	for i, e := range rec.all() {
		if e.Kind == events.Disconnected && e.SessionID == first.SessionID {
			disconnected = i
		}
		if e.Kind == events.Connected && e.Protocol == events.Control && connected < 0 {
			connected = i
		}
	}
	if disconnected < 0 || connected < 0 || disconnected > connected {
		t.Fatalf("prior session disconnect at %d, new connect at %d: %+v", disconnected, connected, rec.all())
	}
	info, ok := l.ActiveSession()
	if !ok || info.Protocol != events.Control {
		t.Fatalf("active session = %+v, %v", info, ok)
	}
}

func TestStopWhileBlockedMidRead(t *testing.T) {
	l, rec := startListener(t, testConfig(), media.Discard)
	custom, _ := l.Addrs()
	c := dial(t, custom)

	if _, err := c.Write([]byte{0, 0}); err != nil {
		t.Fatal(err)
	}
	ev := rec.waitFor(t, "connect", func(e events.Event) bool { return e.Kind == events.Connected })

	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
	if l.State() != Stopped {
		t.Fatalf("state %s after Stop", l.State())
	}
	var sawDisconnect bool
	for _, e := range rec.all() {
		if e.SessionID != ev.SessionID {
			continue
		}
		if e.Kind == events.Error {
			t.Fatalf("stop reported as error: %+v", e)
		}
		if e.Kind == events.Disconnected {
			sawDisconnect = true
		}
	}
	if !sawDisconnect {
		t.Fatal("no disconnect event before Stop returned")
	}
	expectClosed(t, c)
	if custom, control := l.Addrs(); custom != nil || control != nil {
		t.Fatal("addresses still reported after Stop")
	}
	l.Stop()
}

func TestStopUnblocksSink(t *testing.T) {
	blocked := make(chan struct{})
	sink := media.SinkFunc(func(ctx context.Context, _ []byte) error {
		close(blocked)
		<-ctx.Done()
		return ctx.Err()
	})
	l, rec := startListener(t, testConfig(), sink)
	custom, _ := l.Addrs()
	c := dial(t, custom)
	if err := proto.WriteFrame(c, []byte("x")); err != nil {
		t.Fatal(err)
	}
	<-blocked

	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return while sink was blocked")
	}
	for _, e := range rec.all() {
		if e.Kind == events.Error {
			t.Fatalf("unexpected error event: %+v", e)
		}
	}
}

func TestContextCancelStops(t *testing.T) {
	l, err := New(testConfig(), media.Discard, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := l.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	deadline := time.Now().Add(3 * time.Second)
	for l.State() != Stopped {
		if time.Now().After(deadline) {
			t.Fatalf("state %s after cancel", l.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
