package main

import (
	"context"
	"time"

	"github.com/matst80/airfire/internal/obs"
	"github.com/matst80/airfire/internal/proto"
	"github.com/matst80/airfire/internal/relay"
	"github.com/matst80/airfire/internal/server"
	"github.com/matst80/airfire/internal/state"
)

type sessionView struct {
	ID        string    `json:"id"`
	Protocol  string    `json:"protocol"`
	Peer      string    `json:"peer"`
	StartedAt time.Time `json:"started_at"`
	Frames    int64     `json:"frames"`
	Bytes     int64     `json:"bytes"`
}

// Stats is the receiver snapshot served by /api/state and the dashboard.
type Stats struct {
	State       string                `json:"state"`
	CustomAddr  string                `json:"custom_addr,omitempty"`
	ControlAddr string                `json:"control_addr,omitempty"`
	Session     *sessionView          `json:"session,omitempty"`
	Viewers     int                   `json:"viewers"`
	Totals      state.Stats           `json:"totals"`
	Events      []proto.StatusMessage `json:"events"`
	Now         string                `json:"now"`
}

const recentOnDashboard = 25

func collectStats(ctx context.Context, ln *server.Listener, store state.Store, hub *relay.Hub) Stats {
	st := Stats{
		State:   ln.State().String(),
		Viewers: hub.Viewers(),
		Totals:  store.Stats(),
		Now:     time.Now().UTC().Format(time.RFC3339),
	}
	if custom, control := ln.Addrs(); custom != nil && control != nil {
		st.CustomAddr, st.ControlAddr = custom.String(), control.String()
	}
	if s, ok := ln.ActiveSession(); ok {
		st.Session = &sessionView{
			ID:        s.ID,
			Protocol:  s.Protocol.String(),
			Peer:      s.Peer,
			StartedAt: s.StartedAt,
			Frames:    s.Frames,
			Bytes:     s.Bytes,
		}
	}
	evs, err := store.Recent(ctx, recentOnDashboard)
	if err != nil {
		obs.Error("stats.recent", obs.Fields{"err": err.Error()})
	}
	st.Events = evs
	return st
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	m := map[string]any{
		"Title":       "AirFire receiver",
		"State":       s.State,
		"CustomAddr":  s.CustomAddr,
		"ControlAddr": s.ControlAddr,
		"Viewers":     s.Viewers,
		"Stats":       s.Totals,
		"Events":      s.Events,
	}
	if s.Session != nil {
		m["Session"] = s.Session
	}
	return m
}
