package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Klingon-tech/klingmesh/internal/heartbeat"
	"github.com/Klingon-tech/klingmesh/internal/identity"
	"github.com/Klingon-tech/klingmesh/internal/metrics"
)

// Gossip outcomes recorded in metrics.
const (
	outcomePublished = "published"
	outcomeMirrored  = "mirrored"
	outcomeOutdated  = "outdated"
	outcomeOwn       = "own"
	outcomeRejected  = "rejected"
)

// gossipTopic is one joined topic and its subscription.
type gossipTopic struct {
	topic *pubsub.Topic
	sub   *pubsub.Subscription
}

func (g *gossipTopic) close() {
	if g == nil {
		return
	}
	g.sub.Cancel()
	g.topic.Close()
}

// PublishRecord signs rec and publishes it to the heartbeat topic.
func (n *Node) PublishRecord(rec *heartbeat.Record) error {
	env, err := SealRecord(n.config.Signer, rec)
	if err != nil {
		return err
	}
	return n.publish(n.heartbeats, env)
}

// PublishSnapshot signs snap and publishes it to the identity topic.
func (n *Node) PublishSnapshot(snap *identity.Snapshot) error {
	env, err := SealSnapshot(n.config.Signer, snap)
	if err != nil {
		return err
	}
	return n.publish(n.identities, env)
}

func (n *Node) publish(g *gossipTopic, env *Envelope) error {
	if g == nil {
		return fmt.Errorf("%s topic not joined", env.Kind)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := g.topic.Publish(n.ctx, data); err != nil {
		return fmt.Errorf("publish %s: %w", env.Kind, err)
	}
	metrics.GossipMessages.WithLabelValues(outcomePublished).Inc()
	return nil
}

func (n *Node) join(name string) (*gossipTopic, error) {
	topic, err := n.pubsub.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join topic %s: %w", name, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return nil, fmt.Errorf("subscribe topic %s: %w", name, err)
	}
	return &gossipTopic{topic: topic, sub: sub}, nil
}

// readLoop feeds every message on g to handle until the relay stops.
func (n *Node) readLoop(ctx context.Context, g *gossipTopic, handle func(peer.ID, []byte) string) {
	for {
		msg, err := g.sub.Next(ctx)
		if err != nil {
			return // Context cancelled or subscription closed.
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		n.addPeer(msg.ReceivedFrom)
		handle(msg.ReceivedFrom, msg.Data)
	}
}

// handleEnvelope verifies one gossiped heartbeat envelope and mirrors its
// record. It returns the outcome label.
func (n *Node) handleEnvelope(from peer.ID, data []byte) string {
	outcome := n.processEnvelope(from, data)
	metrics.GossipMessages.WithLabelValues(outcome).Inc()
	return outcome
}

func (n *Node) processEnvelope(from peer.ID, data []byte) string {
	env, ok := n.decode(from, data)
	if !ok {
		return outcomeRejected
	}
	rec, err := n.verifier.OpenRecord(env)
	if err != nil {
		n.reject(from, err)
		return outcomeRejected
	}

	// Only this process writes its own record.
	if rec.Layer == n.config.Self {
		return outcomeOwn
	}
	applied, err := n.config.Store.Mirror(rec)
	if err != nil {
		n.logger.Warn().Err(err).Str("layer", string(rec.Layer)).Msg("Failed to mirror heartbeat")
		return outcomeRejected
	}
	if !applied {
		return outcomeOutdated
	}
	n.logger.Debug().Str("layer", string(rec.Layer)).Int64("timestamp", rec.Timestamp).Msg("Mirrored heartbeat")
	return outcomeMirrored
}

// handleSnapshot verifies one gossiped identity envelope and mirrors its
// snapshot.
func (n *Node) handleSnapshot(from peer.ID, data []byte) string {
	outcome := n.processSnapshot(from, data)
	metrics.GossipMessages.WithLabelValues(outcome).Inc()
	return outcome
}

func (n *Node) processSnapshot(from peer.ID, data []byte) string {
	if n.config.Identity == nil {
		return outcomeRejected
	}
	env, ok := n.decode(from, data)
	if !ok {
		return outcomeRejected
	}
	snap, err := n.verifier.OpenSnapshot(env)
	if err != nil {
		n.reject(from, err)
		return outcomeRejected
	}
	if snap.ComputedBy == n.config.Self {
		return outcomeOwn
	}
	applied, err := n.config.Identity.Mirror(snap)
	if err != nil {
		n.logger.Warn().Err(err).Str("layer", string(snap.ComputedBy)).Msg("Failed to mirror identity snapshot")
		return outcomeRejected
	}
	if !applied {
		return outcomeOutdated
	}
	n.logger.Debug().Str("layer", string(snap.ComputedBy)).Str("hash", snap.Hash).Msg("Mirrored identity snapshot")
	return outcomeMirrored
}

func (n *Node) decode(from peer.ID, data []byte) (*Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		n.penalize(from, PenaltyMalformed, "malformed envelope")
		return nil, false
	}
	return &env, true
}

// reject penalizes the sender of an envelope that failed verification.
func (n *Node) reject(from peer.ID, err error) {
	penalty := PenaltyMalformed
	if errors.Is(err, ErrBadSignature) || errors.Is(err, ErrPinnedKeyMismatch) {
		penalty = PenaltyForgedRecord
	}
	n.logger.Debug().Err(err).Str("peer", shortID(from)).Msg("Dropped gossip envelope")
	n.penalize(from, penalty, err.Error())
}

func (n *Node) penalize(id peer.ID, penalty int, reason string) {
	if n.BanManager != nil && id != "" {
		n.BanManager.RecordOffense(id, penalty, reason)
	}
}

func shortID(id peer.ID) string {
	s := id.String()
	if len(s) > 16 {
		return s[:16]
	}
	return s
}
