package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/matst80/airfire/internal/events"
	"github.com/matst80/airfire/internal/media"
	"github.com/matst80/airfire/internal/server"
)

// sps, pps, idr slice, then a non-IDR slice
var sample = []byte{
	0, 0, 0, 1, 0x67, 0x42, 0x00, 0x1f,
	0, 0, 0, 1, 0x68, 0xce, 0x3c, 0x80,
	0, 0, 0, 1, 0x65, 0x88, 0x84,
	0, 0, 0, 1, 0x41, 0x9a, 0x02,
}

func startReceiver(t *testing.T, sink media.Sink) *server.Listener {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.CustomAddr = "127.0.0.1:0"
	cfg.ControlAddr = "127.0.0.1:0"
	ln, err := server.New(cfg, sink, events.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if err := ln.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ln.Stop)
	return ln
}

func TestAccessUnits(t *testing.T) {
	units, err := accessUnits(sample)
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 2 {
		t.Fatalf("got %d access units, want 2", len(units))
	}
	if !media.IsKeyframe(units[0]) || media.IsKeyframe(units[1]) {
		t.Fatal("keyframe detection mismatch")
	}
	if _, err := accessUnits([]byte("plain text")); err == nil {
		t.Fatal("expected error for non Annex B input")
	}
}

func TestStreamToReceiver(t *testing.T) {
	frames := make(media.Chan, 4)
	ln := startReceiver(t, frames)
	custom, _ := ln.Addrs()

	units, _ := accessUnits(sample)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := dial(ctx, custom.String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if n, err := sendUnits(ctx, c, units, 0); err != nil || n != len(units) {
		t.Fatalf("sent %d, %v", n, err)
	}
	for i, want := range units {
		select {
		case got := <-frames:
			if !bytes.Equal(got, want) {
				t.Fatalf("unit %d mismatch", i)
			}
		case <-ctx.Done():
			t.Fatal("receiver did not deliver units")
		}
	}
}

func TestPlayAndInfo(t *testing.T) {
	frames := make(media.Chan, 8)
	ln := startReceiver(t, frames)
	_, control := ln.Addrs()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data := bytes.Repeat([]byte("x"), 10)
	n, err := playChunks(ctx, control.String(), data, 4)
	if err != nil || n != 3 {
		t.Fatalf("play sent %d requests, %v", n, err)
	}
	var total int
	for i := 0; i < 3; i++ {
		total += len(<-frames)
	}
	if total != len(data) {
		t.Fatalf("receiver got %d bytes, want %d", total, len(data))
	}

	body, err := fetchInfo(ctx, control.String())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "<key>deviceid</key>") {
		t.Fatalf("info body:\n%s", body)
	}
}
