// Package state records the active session and recent status events so the
// dashboard and companion processes (discovery advertiser, UI) can follow
// the receiver. The Redis backend shares that view across processes.
package state

import (
	"context"
	"time"

	"github.com/matst80/airfire/internal/obs"
	"github.com/matst80/airfire/internal/proto"
)

// RecentLimit bounds the number of status messages kept for the dashboard.
const RecentLimit = 100

// Stats are counters since the store was created.
type Stats struct {
	Sessions  int64     `json:"sessions"`
	Events    int64     `json:"events"`
	Errors    int64     `json:"errors"`
	LastEvent time.Time `json:"last_event"`
}

// Store abstracts receiver state so it can live in memory or in Redis.
type Store interface {
	SetSession(ctx context.Context, rec proto.SessionRecord) error
	// ClearSession removes the session record if it still belongs to id.
	ClearSession(ctx context.Context, id string) error
	Current(ctx context.Context) (proto.SessionRecord, bool, error)
	Publish(ctx context.Context, msg proto.StatusMessage) error
	Recent(ctx context.Context, n int) ([]proto.StatusMessage, error)
	Stats() Stats
	SetReady(ready bool)
	Ready() bool
	Close() error
}

// New returns an in-memory store when redisAddr is empty, otherwise a Redis
// store that must answer a ping.
func New(redisAddr, redisPassword string, redisDB int) (Store, error) {
	if redisAddr == "" {
		obs.Info("state.backend", obs.Fields{"type": "in-memory"})
		return NewMemory(), nil
	}
	obs.Info("state.backend", obs.Fields{"type": "redis", "addr": redisAddr})
	return NewRedis(redisAddr, redisPassword, redisDB)
}
