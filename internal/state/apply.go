package state

import (
	"context"
	"fmt"

	"github.com/matst80/airfire/internal/events"
	"github.com/matst80/airfire/internal/obs"
	"github.com/matst80/airfire/internal/proto"
)

// Apply mirrors one status event into store.
func Apply(ctx context.Context, store Store, ev events.Event) error {
	switch ev.Kind {
	case events.Connected:
		rec := proto.SessionRecord{
			ID:        ev.SessionID,
			Protocol:  ev.Protocol.String(),
			Peer:      ev.Peer,
			StartedAt: ev.Time,
		}
		if err := store.SetSession(ctx, rec); err != nil {
			return fmt.Errorf("set session: %w", err)
		}
	case events.Disconnected:
		if err := store.ClearSession(ctx, ev.SessionID); err != nil {
			return fmt.Errorf("clear session: %w", err)
		}
	}
	return store.Publish(ctx, ev.Message())
}

// Run consumes events until the channel closes or ctx is cancelled. Every
// event is logged, forwarded to each sink in also, then applied to store.
func Run(ctx context.Context, in <-chan events.Event, store Store, also ...events.Sink) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			logEvent(ev)
			for _, s := range also {
				s.Notify(ev)
			}
			if err := Apply(ctx, store, ev); err != nil {
				obs.Error("state.apply", obs.Fields{"err": err.Error(), "kind": ev.Kind.String()})
			}
		}
	}
}

func logEvent(ev events.Event) {
	f := obs.Fields{"kind": ev.Kind.String(), "text": ev.Text}
	if ev.Peer != "" {
		f["peer"] = ev.Peer
	}
	if ev.SessionID != "" {
		f["session"] = ev.SessionID
		f["protocol"] = ev.Protocol.String()
	}
	if ev.Kind == events.Error {
		obs.Error("event", f)
		return
	}
	obs.Info("event", f)
}
