// Package media defines the hand-off contract between the network core and
// whatever consumes access units (a decoder, a file, a relay), plus H.264
// helpers for inspecting those units.
package media

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/matst80/airfire/internal/obs"
)

// Sink consumes complete access units. Accept may block to apply
// backpressure: the caller reads no further input from the connection
// until it returns. The sink owns frame after the call.
type Sink interface {
	Accept(ctx context.Context, frame []byte) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, frame []byte) error

func (f SinkFunc) Accept(ctx context.Context, frame []byte) error { return f(ctx, frame) }

// Discard accepts and drops every frame.
var Discard Sink = SinkFunc(func(context.Context, []byte) error { return nil })

// Chan hands frames to a consumer goroutine through an unbuffered or
// buffered channel. A full channel blocks Accept until the consumer
// catches up or ctx is cancelled.
type Chan chan []byte

func (c Chan) Accept(ctx context.Context, frame []byte) error {
	select {
	case c <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tee delivers each frame to every sink in order and stops at the first error.
type Tee []Sink

func (t Tee) Accept(ctx context.Context, frame []byte) error {
	for _, s := range t {
		if err := s.Accept(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}

// Metered counts keyframes before delegating to Next.
type Metered struct {
	Next Sink
}

func (m Metered) Accept(ctx context.Context, frame []byte) error {
	if IsKeyframe(frame) {
		obs.KeyframesTotal.Inc()
		obs.Debug("media.keyframe", obs.Fields{"bytes": len(frame)})
	}
	if m.Next == nil {
		return nil
	}
	return m.Next.Accept(ctx, frame)
}

// FileSink appends access units to a file. With AnnexB set, AVCC framed
// units are rewritten with start codes so the output plays as a raw .h264
// elementary stream.
type FileSink struct {
	mu     sync.Mutex
	w      io.WriteCloser
	annexB bool
	bytes  int64
}

// NewFileSink creates (or truncates) path.
func NewFileSink(path string, annexB bool) (*FileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("media: create %s: %w", path, err)
	}
	return &FileSink{w: f, annexB: annexB}, nil
}

func (s *FileSink) Accept(_ context.Context, frame []byte) error {
	out := frame
	if s.annexB {
		if nalus, ok := SplitAVCC(frame); ok {
			out = JoinAnnexB(nalus)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return fmt.Errorf("media: file sink closed")
	}
	n, err := s.w.Write(out)
	s.bytes += int64(n)
	return err
}

// Written reports the bytes written so far.
func (s *FileSink) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	err := s.w.Close()
	s.w = nil
	return err
}
