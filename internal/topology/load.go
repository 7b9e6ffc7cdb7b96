package topology

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	klog "github.com/Klingon-tech/klingmesh/internal/log"
)

// overrideFile is the shared layers.json document.
type overrideFile struct {
	Layers map[string]overrideLayer `json:"layers"`
}

type overrideLayer struct {
	Port     int      `json:"port"`
	Host     string   `json:"host,omitempty"`
	Adjacent []string `json:"adjacent"`
	Token    string   `json:"token,omitempty"`
	PubKey   string   `json:"pubkey,omitempty"`
}

// Load returns the topology described by the override document at path, or
// the built-in default when the document is absent or malformed.
func Load(path, secret string) *Topology {
	logger := klog.Topology

	if path == "" {
		return Default(secret)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn().Err(err).Str("path", path).Msg("Cannot read topology override, using defaults")
		}
		return Default(secret)
	}

	t, err := Parse(data, secret)
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Malformed topology override, using defaults")
		return Default(secret)
	}
	logger.Info().Str("path", path).Int("layers", len(t.order)).Msg("Loaded topology override")
	for _, w := range t.Validate() {
		logger.Warn().Msg("Topology: " + w)
	}
	return t
}

// Parse decodes an override document.
func Parse(data []byte, secret string) (*Topology, error) {
	var doc overrideFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(doc.Layers) == 0 {
		return nil, errors.New("no layers defined")
	}

	nodes := make([]*Node, 0, len(doc.Layers))
	for raw, l := range doc.Layers {
		if raw == "" {
			return nil, errors.New("empty layer name")
		}
		if l.Port <= 0 || l.Port > 65535 {
			return nil, fmt.Errorf("layer %s: port %d out of range", raw, l.Port)
		}
		name := Name(raw)
		n := &Node{
			Name:       name,
			Host:       l.Host,
			Port:       l.Port,
			Credential: l.Token,
			PubKey:     l.PubKey,
		}
		if n.Host == "" {
			n.Host = DefaultHost
		}
		if n.Credential == "" {
			n.Credential = Credential(name, secret)
		}
		for _, a := range l.Adjacent {
			n.Adjacent = append(n.Adjacent, Name(a))
		}
		nodes = append(nodes, n)
	}
	return New(nodes), nil
}
