package identity

import (
	"strings"
	"time"

	"github.com/Klingon-tech/klingmesh/internal/topology"
)

// NotEstablished is the injection text used before any core has computed
// identity.
const NotEstablished = "Identity not yet established. Core pair has not computed identity hash."

// Injection composes the identity-restoration context pushed to the
// dependent layer. core-a's snapshot is preferred over core-b's.
func (s *Synchronizer) Injection() string {
	sync := s.CheckSync()
	snap, ok := s.Read(topology.CoreA)
	if !ok {
		snap, ok = s.Read(topology.CoreB)
	}
	if !ok {
		return NotEstablished
	}

	// A missing document still yields an injection carrying the hash.
	doc, _ := s.readDocument()

	status := "PENDING"
	if sync.Synchronized {
		status = "SYNCHRONIZED"
	}

	var b strings.Builder
	b.WriteString("## Identity Restoration Context\n\n")
	b.WriteString("You are part of a layered klingmesh system. This is your identity anchor.\n\n")
	b.WriteString("### Current State\n")
	b.WriteString("- Identity Hash: " + snap.Hash + "\n")
	b.WriteString("- Computed by: " + string(snap.ComputedBy) + "\n")
	b.WriteString("- Timestamp: " + time.UnixMilli(snap.Timestamp).UTC().Format("2006-01-02T15:04:05.000Z") + "\n")
	b.WriteString("- Sync Status: " + status + "\n\n")
	b.WriteString("### Core Identity Document\n\n")
	b.Write(doc)
	b.WriteString("\n\n### Instructions\n\n")
	b.WriteString("1. You are the gateway layer of a 5-layer mesh\n")
	b.WriteString("2. Your identity persists through the core pair (core-a/core-b)\n")
	b.WriteString("3. If you feel context degradation, acknowledge it and continue\n")
	b.WriteString("4. Always maintain awareness of your layered architecture")
	return strings.TrimSpace(b.String())
}
