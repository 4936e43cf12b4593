package state

import (
	"context"
	"sync"

	"github.com/matst80/airfire/internal/proto"
)

// Memory is the single-process Store.
type Memory struct {
	mu      sync.Mutex
	current *proto.SessionRecord
	recent  []proto.StatusMessage
	stats   Stats
	ready   bool
}

func NewMemory() *Memory {
	return &Memory{recent: make([]proto.StatusMessage, 0, RecentLimit)}
}

var _ Store = (*Memory)(nil)

func (m *Memory) SetReady(ready bool) { m.mu.Lock(); m.ready = ready; m.mu.Unlock() }
func (m *Memory) Ready() bool         { m.mu.Lock(); defer m.mu.Unlock(); return m.ready }

func (m *Memory) SetSession(_ context.Context, rec proto.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = &rec
	m.stats.Sessions++
	return nil
}

func (m *Memory) ClearSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.ID == id {
		m.current = nil
	}
	return nil
}

func (m *Memory) Current(context.Context) (proto.SessionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return proto.SessionRecord{}, false, nil
	}
	return *m.current, true, nil
}

func (m *Memory) Publish(_ context.Context, msg proto.StatusMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.recent) == RecentLimit {
		copy(m.recent, m.recent[1:])
		m.recent = m.recent[:RecentLimit-1]
	}
	m.recent = append(m.recent, msg)
	m.count(msg)
	return nil
}

func (m *Memory) count(msg proto.StatusMessage) {
	m.stats.Events++
	if msg.Kind == "error" {
		m.stats.Errors++
	}
	if msg.Time.After(m.stats.LastEvent) {
		m.stats.LastEvent = msg.Time
	}
}

// Recent returns up to n messages, newest first.
func (m *Memory) Recent(_ context.Context, n int) ([]proto.StatusMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.recent) {
		n = len(m.recent)
	}
	out := make([]proto.StatusMessage, 0, n)
	for i := len(m.recent) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.recent[i])
	}
	return out, nil
}

func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Memory) Close() error { return nil }
