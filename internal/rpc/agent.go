package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/Klingon-tech/klingmesh/internal/inject"
	"github.com/Klingon-tech/klingmesh/internal/respawn"
	"github.com/Klingon-tech/klingmesh/internal/topology"
)

// Agent is the conversational runtime hosted by a layer. The mesh only
// delivers to it; what it does with messages is outside this package.
type Agent interface {
	Health() inject.HealthReport
	Deliver(msg AgentParam) (duplicate bool)
	InjectContext(p inject.Payload)
}

// RespawnHandler receives consciousness.respawnLayer notifications.
type RespawnHandler interface {
	HandleRespawn(ctx context.Context, p respawn.Params) (duplicate bool, err error)
}

// maxKept caps the history kept by Inbox and RespawnLog.
const maxKept = 64

// Inbox is an in-process Agent that queues what it receives.
type Inbox struct {
	mu       sync.Mutex
	health   inject.HealthReport
	messages []AgentParam
	contexts []inject.Payload
	seen     map[string]struct{}
	seenFIFO []string
}

// NewInbox creates an empty inbox.
func NewInbox() *Inbox {
	return &Inbox{seen: make(map[string]struct{})}
}

// SetHealth sets the metrics reported by Health.
func (in *Inbox) SetHealth(h inject.HealthReport) {
	in.mu.Lock()
	in.health = h
	in.mu.Unlock()
}

// Health implements Agent.
func (in *Inbox) Health() inject.HealthReport {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.health
}

// Deliver implements Agent. Messages repeating an idempotency key are
// dropped.
func (in *Inbox) Deliver(msg AgentParam) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if msg.IdempotencyKey != "" {
		if _, ok := in.seen[msg.IdempotencyKey]; ok {
			return true
		}
		in.seen[msg.IdempotencyKey] = struct{}{}
		in.seenFIFO = append(in.seenFIFO, msg.IdempotencyKey)
		if len(in.seenFIFO) > 4*maxKept {
			delete(in.seen, in.seenFIFO[0])
			in.seenFIFO = in.seenFIFO[1:]
		}
	}
	in.messages = appendCapped(in.messages, msg)
	return false
}

// InjectContext implements Agent. An injection clears a pending reset.
func (in *Inbox) InjectContext(p inject.Payload) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.contexts = appendCapped(in.contexts, p)
	in.health.ContextReset = nil
}

// Messages returns the delivered messages, oldest first.
func (in *Inbox) Messages() []AgentParam {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]AgentParam(nil), in.messages...)
}

// Contexts returns the injected contexts, oldest first.
func (in *Inbox) Contexts() []inject.Payload {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]inject.Payload(nil), in.contexts...)
}

// RespawnEntry is one received respawn notification.
type RespawnEntry struct {
	Layer       topology.Name `json:"layer"`
	RequestedBy topology.Name `json:"requestedBy"`
	Timestamp   int64         `json:"timestamp"`
	ReceivedAt  int64         `json:"receivedAt"`
	Duplicate   bool          `json:"duplicate"`
}

// RespawnLog records respawn notifications. A request for a layer already
// requested within the window is marked duplicate.
type RespawnLog struct {
	mu      sync.Mutex
	window  time.Duration
	last    map[topology.Name]int64
	entries []RespawnEntry
	now     func() time.Time
}

// NewRespawnLog creates a log with the given duplicate window.
func NewRespawnLog(window time.Duration) *RespawnLog {
	return &RespawnLog{
		window: window,
		last:   make(map[topology.Name]int64),
		now:    time.Now,
	}
}

// HandleRespawn implements RespawnHandler.
func (l *RespawnLog) HandleRespawn(_ context.Context, p respawn.Params) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UnixMilli()
	prev, seen := l.last[p.Layer]
	dup := seen && now-prev <= l.window.Milliseconds()
	if !dup {
		l.last[p.Layer] = now
	}
	l.entries = appendCapped(l.entries, RespawnEntry{
		Layer:       p.Layer,
		RequestedBy: p.RequestedBy,
		Timestamp:   p.Timestamp,
		ReceivedAt:  now,
		Duplicate:   dup,
	})
	return dup, nil
}

// Entries returns the recorded notifications, oldest first.
func (l *RespawnLog) Entries() []RespawnEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]RespawnEntry(nil), l.entries...)
}

func appendCapped[T any](s []T, v T) []T {
	s = append(s, v)
	if len(s) > maxKept {
		s = s[len(s)-maxKept:]
	}
	return s
}
