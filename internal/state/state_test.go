package state

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/matst80/airfire/internal/events"
	"github.com/matst80/airfire/internal/proto"
)

func TestMemorySessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	if _, ok, _ := s.Current(ctx); ok {
		t.Fatal("expected no session")
	}
	rec := proto.SessionRecord{ID: "one", Protocol: "custom", Peer: "10.0.0.2:4000", StartedAt: time.Now()}
	if err := s.SetSession(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.Current(ctx)
	if err != nil || !ok || got.ID != "one" {
		t.Fatalf("current = %+v, %v, %v", got, ok, err)
	}

	// a late disconnect from a preempted session must not clear the new one
	if err := s.SetSession(ctx, proto.SessionRecord{ID: "two"}); err != nil {
		t.Fatal(err)
	}
	_ = s.ClearSession(ctx, "one")
	if got, ok, _ := s.Current(ctx); !ok || got.ID != "two" {
		t.Fatalf("session cleared by stale id: %+v, %v", got, ok)
	}
	_ = s.ClearSession(ctx, "two")
	if _, ok, _ := s.Current(ctx); ok {
		t.Fatal("expected session cleared")
	}
	if st := s.Stats(); st.Sessions != 2 {
		t.Fatalf("sessions = %d, want 2", st.Sessions)
	}
}

func TestMemoryRecentIsBoundedNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	for i := 0; i < RecentLimit+10; i++ {
		kind := "info"
		if i%10 == 0 {
			kind = "error"
		}
		_ = s.Publish(ctx, proto.StatusMessage{Kind: kind, Text: fmt.Sprintf("m%d", i), Time: time.Now()})
	}
	all, _ := s.Recent(ctx, 0)
	if len(all) != RecentLimit {
		t.Fatalf("recent len = %d, want %d", len(all), RecentLimit)
	}
	if all[0].Text != fmt.Sprintf("m%d", RecentLimit+9) {
		t.Fatalf("newest = %q", all[0].Text)
	}
	three, _ := s.Recent(ctx, 3)
	if len(three) != 3 {
		t.Fatalf("recent(3) len = %d", len(three))
	}
	st := s.Stats()
	if st.Events != RecentLimit+10 || st.Errors != 11 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestMemoryReady(t *testing.T) {
	s := NewMemory()
	if s.Ready() {
		t.Fatal("new store should not be ready")
	}
	s.SetReady(true)
	if !s.Ready() {
		t.Fatal("expected ready")
	}
}

func TestRunAppliesEvents(t *testing.T) {
	s := NewMemory()
	bus := events.NewBus(8)
	var forwarded []events.Event
	done := make(chan struct{})
	go func() {
		Run(context.Background(), bus.Events(), s, events.SinkFunc(func(e events.Event) {
			forwarded = append(forwarded, e)
		}))
		close(done)
	}()

	bus.Notify(events.Event{Kind: events.Connected, SessionID: "abc", Protocol: events.Control, Peer: "1.2.3.4:5"})
	bus.Notify(events.Event{Kind: events.Info, SessionID: "abc", Text: "server info requested"})
	bus.Notify(events.Event{Kind: events.Disconnected, SessionID: "abc"})
	bus.Close()
	<-done

	if len(forwarded) != 3 {
		t.Fatalf("forwarded %d events", len(forwarded))
	}
	if _, ok, _ := s.Current(context.Background()); ok {
		t.Fatal("session should be cleared after disconnect")
	}
	recent, _ := s.Recent(context.Background(), 0)
	if len(recent) != 3 || recent[2].Kind != "connected" || recent[2].Protocol != "control" {
		t.Fatalf("recent = %+v", recent)
	}
}

func TestNewWithoutRedisIsMemory(t *testing.T) {
	s, err := New("", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*Memory); !ok {
		t.Fatalf("got %T", s)
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("AIRFIRE_TEST_REDIS")
	if addr == "" {
		t.Skip("AIRFIRE_TEST_REDIS not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := NewRedis(addr, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	t.Cleanup(func() { s.client.Del(context.Background(), SessionKey, RecentKey) })

	sub := s.Subscribe(ctx)
	// give the subscription time to register before publishing
	time.Sleep(100 * time.Millisecond)

	rec := proto.SessionRecord{ID: "r1", Protocol: "custom", Peer: "p", StartedAt: time.Now().UTC()}
	if err := s.SetSession(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.Current(ctx)
	if err != nil || !ok || got.ID != "r1" {
		t.Fatalf("current = %+v, %v, %v", got, ok, err)
	}
	if err := s.Publish(ctx, proto.StatusMessage{Kind: "info", Text: "hello", Time: time.Now()}); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-sub:
		if msg.Text != "hello" {
			t.Fatalf("subscribed %+v", msg)
		}
	case <-ctx.Done():
		t.Fatal("no message on subscription")
	}
	recent, err := s.Recent(ctx, 1)
	if err != nil || len(recent) != 1 || recent[0].Text != "hello" {
		t.Fatalf("recent = %+v, %v", recent, err)
	}
	if err := s.ClearSession(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Current(ctx); ok {
		t.Fatal("session not cleared")
	}
}
