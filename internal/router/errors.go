package router

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Klingon-tech/klingmesh/internal/topology"
)

// Sentinels for errors.Is.
var (
	ErrUnknownTarget      = errors.New("unknown target layer")
	ErrAdjacencyViolation = errors.New("adjacency violation")
	ErrTransport          = errors.New("transport failure")
)

// UnknownTargetError is returned when the target is not in the topology.
type UnknownTargetError struct {
	Target topology.Name
	Valid  []topology.Name
}

func (e *UnknownTargetError) Error() string {
	return fmt.Sprintf("unknown target layer: %s. Valid layers: %s", e.Target, joinNames(e.Valid))
}

func (e *UnknownTargetError) Is(target error) bool { return target == ErrUnknownTarget }

// AdjacencyViolationError is returned when From may not talk to To.
type AdjacencyViolationError struct {
	From    topology.Name
	To      topology.Name
	Allowed []topology.Name
}

func (e *AdjacencyViolationError) Error() string {
	return fmt.Sprintf("adjacency violation: %s cannot communicate with %s. Adjacent layers: %s",
		e.From, e.To, joinNames(e.Allowed))
}

func (e *AdjacencyViolationError) Is(target error) bool { return target == ErrAdjacencyViolation }

// TransportError wraps a failed or timed-out transport call.
type TransportError struct {
	Node   topology.Name
	Method string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s to %s: %v", e.Method, e.Node, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

func joinNames(names []topology.Name) string {
	s := make([]string, len(names))
	for i, n := range names {
		s[i] = string(n)
	}
	return strings.Join(s, ", ")
}
