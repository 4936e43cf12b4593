package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matst80/airfire/internal/obs"
	"github.com/matst80/airfire/internal/proto"
)

const (
	SessionKey    = "airfire:session"
	EventsChannel = "airfire:events"
	RecentKey     = "airfire:events:recent"
)

// Redis stores the session record and recent events in Redis and publishes
// every status message on EventsChannel. Counters and readiness stay local
// to this process.
type Redis struct {
	client     *redis.Client
	instanceID string

	mu        sync.Mutex
	stats     Stats
	ready     bool
	sessionID string

	heartbeatInterval time.Duration
	keyTTL            time.Duration
}

// NewRedis connects and pings the server.
func NewRedis(addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &Redis{
		client:            rdb,
		instanceID:        fmt.Sprintf("airfire-%d", time.Now().UnixNano()),
		heartbeatInterval: 30 * time.Second,
		keyTTL:            time.Hour,
	}, nil
}

var _ Store = (*Redis)(nil)

func (r *Redis) SetReady(ready bool) { r.mu.Lock(); r.ready = ready; r.mu.Unlock() }
func (r *Redis) Ready() bool         { r.mu.Lock(); defer r.mu.Unlock(); return r.ready }

type sessionData struct {
	proto.SessionRecord
	Instance string `json:"instance"`
}

func (r *Redis) SetSession(ctx context.Context, rec proto.SessionRecord) error {
	data, err := json.Marshal(sessionData{SessionRecord: rec, Instance: r.instanceID})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := r.client.Set(ctx, SessionKey, data, r.keyTTL).Err(); err != nil {
		return fmt.Errorf("redis set session: %w", err)
	}
	r.mu.Lock()
	r.sessionID = rec.ID
	r.stats.Sessions++
	r.mu.Unlock()
	return nil
}

func (r *Redis) ClearSession(ctx context.Context, id string) error {
	cur, ok, err := r.Current(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.sessionID == id {
		r.sessionID = ""
	}
	r.mu.Unlock()
	if !ok || cur.ID != id {
		return nil
	}
	if err := r.client.Del(ctx, SessionKey).Err(); err != nil {
		return fmt.Errorf("redis clear session: %w", err)
	}
	return nil
}

func (r *Redis) Current(ctx context.Context) (proto.SessionRecord, bool, error) {
	val, err := r.client.Get(ctx, SessionKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return proto.SessionRecord{}, false, nil
		}
		return proto.SessionRecord{}, false, fmt.Errorf("redis get session: %w", err)
	}
	var data sessionData
	if err := json.Unmarshal([]byte(val), &data); err != nil {
		return proto.SessionRecord{}, false, fmt.Errorf("unmarshal session: %w", err)
	}
	return data.SessionRecord, true, nil
}

func (r *Redis) Publish(ctx context.Context, msg proto.StatusMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, RecentKey, data)
	pipe.LTrim(ctx, RecentKey, 0, RecentLimit-1)
	pipe.Publish(ctx, EventsChannel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	r.mu.Lock()
	r.stats.Events++
	if msg.Kind == "error" {
		r.stats.Errors++
	}
	if msg.Time.After(r.stats.LastEvent) {
		r.stats.LastEvent = msg.Time
	}
	r.mu.Unlock()
	return nil
}

// Recent returns up to n messages, newest first.
func (r *Redis) Recent(ctx context.Context, n int) ([]proto.StatusMessage, error) {
	if n <= 0 || n > RecentLimit {
		n = RecentLimit
	}
	vals, err := r.client.LRange(ctx, RecentKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis recent: %w", err)
	}
	out := make([]proto.StatusMessage, 0, len(vals))
	for _, v := range vals {
		var msg proto.StatusMessage
		if err := json.Unmarshal([]byte(v), &msg); err != nil {
			obs.Error("redis.unmarshal_status", obs.Fields{"err": err.Error()})
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Subscribe streams status messages published by any receiver instance
// until ctx is cancelled.
func (r *Redis) Subscribe(ctx context.Context) <-chan proto.StatusMessage {
	out := make(chan proto.StatusMessage, 16)
	sub := r.client.Subscribe(ctx, EventsChannel)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var msg proto.StatusMessage
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					obs.Error("redis.subscribe.unmarshal", obs.Fields{"err": err.Error()})
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (r *Redis) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Maintain refreshes the TTL of the session record this instance owns
// until ctx is cancelled.
func (r *Redis) Maintain(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat(ctx)
		}
	}
}

func (r *Redis) heartbeat(ctx context.Context) {
	r.mu.Lock()
	id := r.sessionID
	r.mu.Unlock()
	if id == "" {
		return
	}
	if err := r.client.Expire(ctx, SessionKey, r.keyTTL).Err(); err != nil {
		obs.Error("redis.heartbeat.expire", obs.Fields{"err": err.Error(), "session": id})
	}
}

func (r *Redis) Close() error { return r.client.Close() }
