// Mesh layer daemon.
//
// Usage:
//
//	meshd --layer=l2          Run one layer
//	meshd --help              Show help
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Klingon-tech/klingmesh/config"
	klog "github.com/Klingon-tech/klingmesh/internal/log"
	"github.com/Klingon-tech/klingmesh/internal/node"
	"github.com/Klingon-tech/klingmesh/internal/topology"
)

func main() {
	cfg, _, err := config.Load(os.Args[1:], os.Getenv)
	if errors.Is(err, config.ErrExit) {
		return
	}
	if err != nil {
		fatal(err)
	}

	if err := config.EnsureDirs(cfg); err != nil {
		fatal(err)
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, cfg.Log.File); err != nil {
		fatal(fmt.Errorf("init logging: %w", err))
	}

	topo := topology.Load(cfg.TopologyFile(), cfg.Cluster.Secret)
	self, err := topo.ResolveCurrentNode(topology.Hints{
		Override:   cfg.Layer,
		StateDir:   cfg.StateDir,
		ConfigPath: cfg.ConfigPath,
	})
	if err != nil {
		fatal(err)
	}
	cfg.Layer = string(self)

	n, err := node.New(cfg, topo, self)
	if err != nil {
		fatal(err)
	}

	if err := n.Start(); err != nil {
		n.Stop()
		fatal(err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	n.Stop()
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
