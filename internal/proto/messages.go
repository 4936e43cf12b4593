package proto

import "time"

// StatusMessage is the JSON form of a status event published to companion
// processes (UI, discovery advertiser) through the state store.
type StatusMessage struct {
	Kind      string    `json:"kind"`
	Text      string    `json:"text,omitempty"`
	Peer      string    `json:"peer,omitempty"`
	Protocol  string    `json:"protocol,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Time      time.Time `json:"time"`
}

// SessionRecord describes the active mirroring session.
type SessionRecord struct {
	ID        string    `json:"id"`
	Protocol  string    `json:"protocol"`
	Peer      string    `json:"peer"`
	StartedAt time.Time `json:"started_at"`
}
