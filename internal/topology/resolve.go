package topology

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Hints are the process identity inputs, read once at startup.
type Hints struct {
	Override   string // --layer / MESH_LAYER
	StateDir   string // --state-dir / MESH_STATE_DIR
	ConfigPath string // --config / MESH_CONFIG_PATH
}

// ConfigurationError is returned when the current layer cannot be resolved.
type ConfigurationError struct {
	Hints Hints
}

func (e *ConfigurationError) Error() string {
	msg := "cannot determine current layer: set --layer (MESH_LAYER) or use a state directory containing /swarm/<layer>"
	if e.Hints.Override != "" {
		msg += fmt.Sprintf(" (override %q is not a known layer)", e.Hints.Override)
	}
	return msg
}

// ResolveCurrentNode picks the layer this process runs as. It tries the
// explicit override, then a /swarm/<name> segment in the state directory,
// then the same in the config path.
func (t *Topology) ResolveCurrentNode(h Hints) (Name, error) {
	if o := Name(strings.ToLower(strings.TrimSpace(h.Override))); o != "" && t.Has(o) {
		return o, nil
	}
	if name, ok := t.matchPath(h.StateDir); ok {
		return name, nil
	}
	if name, ok := t.matchPath(h.ConfigPath); ok {
		return name, nil
	}
	return "", &ConfigurationError{Hints: h}
}

// matchPath returns the layer named by the whole path segment that follows
// a "swarm" segment.
func (t *Topology) matchPath(p string) (Name, bool) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", false
	}
	segs := strings.Split(filepath.ToSlash(p), "/")
	for i := 0; i+1 < len(segs); i++ {
		if segs[i] != "swarm" {
			continue
		}
		if name := Name(segs[i+1]); t.Has(name) {
			return name, true
		}
	}
	return "", false
}
