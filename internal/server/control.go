package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/matst80/airfire/internal/events"
	"github.com/matst80/airfire/internal/httpx"
	"github.com/matst80/airfire/internal/obs"
	"github.com/matst80/airfire/internal/ratelimit"
)

type route func(ctx context.Context, c *conn, req *httpx.Request) (*httpx.Response, error)

// controlProtocol answers the AirPlay style request subset.
type controlProtocol struct {
	mode      ControlMode
	info      ServerInfo
	maxHeader int
	maxBody   int
	limiter   *ratelimit.RateLimiter
	routes    map[string]route
}

func newControlProtocol(cfg Config) *controlProtocol {
	p := &controlProtocol{
		mode:      cfg.ControlMode,
		info:      cfg.ServerInfo,
		maxHeader: cfg.MaxHeaderSize,
		maxBody:   int(cfg.MaxFrameSize),
		limiter:   cfg.Limiter,
	}
	p.routes = map[string]route{
		"/server-info": p.serverInfo,
		"/play":        p.play,
		"/scrub":       p.scrub,
		"/stop":        p.stop,
		"/photo":       p.photo,
	}
	return p
}

func (*controlProtocol) kind() events.ProtocolKind { return events.Control }

func (p *controlProtocol) serve(ctx context.Context, c *conn) error {
	rd := httpx.NewReader(c, p.maxHeader, p.maxBody)
	for {
		req, err := rd.ReadRequest()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if !p.limiter.AllowRequest(c.peerIP) {
			c.notify(events.Info, "control request rate limited")
			_ = p.respond(c, "limited", &httpx.Response{Status: http.StatusServiceUnavailable})
			return nil
		}

		key := req.Path
		h, ok := p.routes[key]
		if !ok {
			h = p.notFound
			key = "other"
		}
		resp, err := h(ctx, c, req)
		if err != nil {
			return err
		}
		if err := p.respond(c, key, resp); err != nil {
			return err
		}
		c.requests.Add(1)
		if p.mode == ControlOneShot {
			return nil
		}
	}
}

func (p *controlProtocol) respond(c *conn, label string, resp *httpx.Response) error {
	obs.ControlRequestsTotal.WithLabelValues(label, strconv.Itoa(resp.Status)).Inc()
	return httpx.WriteResponse(c, resp)
}

func (p *controlProtocol) serverInfo(_ context.Context, c *conn, _ *httpx.Request) (*httpx.Response, error) {
	c.notify(events.Info, "server info requested")
	resp := &httpx.Response{Status: http.StatusOK, Body: p.info.Plist()}
	resp.Headers.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	resp.Headers.Set("Content-Type", "text/x-apple-plist+xml")
	return resp, nil
}

func (p *controlProtocol) play(ctx context.Context, c *conn, req *httpx.Request) (*httpx.Response, error) {
	if len(req.Body) > 0 {
		if err := c.deliver(ctx, req.Body); err != nil {
			return nil, err
		}
		c.notify(events.Info, fmt.Sprintf("received %d bytes of video data", len(req.Body)))
	} else {
		c.notify(events.Info, "play request without body")
	}
	return &httpx.Response{Status: http.StatusOK}, nil
}

func (p *controlProtocol) scrub(_ context.Context, c *conn, _ *httpx.Request) (*httpx.Response, error) {
	c.notify(events.Info, "scrub request")
	return &httpx.Response{Status: http.StatusOK}, nil
}

func (p *controlProtocol) stop(_ context.Context, c *conn, _ *httpx.Request) (*httpx.Response, error) {
	c.notify(events.Info, "stream stopped")
	return &httpx.Response{Status: http.StatusOK}, nil
}

func (p *controlProtocol) photo(_ context.Context, c *conn, req *httpx.Request) (*httpx.Response, error) {
	c.notify(events.Info, fmt.Sprintf("photo received (%d bytes)", len(req.Body)))
	return &httpx.Response{Status: http.StatusOK}, nil
}

func (p *controlProtocol) notFound(_ context.Context, c *conn, req *httpx.Request) (*httpx.Response, error) {
	c.notify(events.Info, fmt.Sprintf("unknown request %s %s", req.Method, req.Path))
	return &httpx.Response{Status: http.StatusNotFound}, nil
}
