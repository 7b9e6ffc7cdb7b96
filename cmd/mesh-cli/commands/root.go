// Package commands holds the mesh-cli command tree.
package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Klingon-tech/klingmesh/config"
	"github.com/Klingon-tech/klingmesh/internal/rpcclient"
	"github.com/Klingon-tech/klingmesh/internal/topology"
)

// globals are the flags shared by every subcommand.
type globals struct {
	layer    string
	endpoint string
	token    string
	secret   string
	shared   string
	timeout  time.Duration
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "mesh-cli",
		Short:         "Query and drive a meshd layer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.layer, "layer", string(topology.L2), "Layer to talk to")
	root.PersistentFlags().StringVar(&g.endpoint, "rpc", "", "RPC endpoint (default: the layer's topology address)")
	root.PersistentFlags().StringVar(&g.token, "token", "", "Bearer credential (default: derived from --secret)")
	root.PersistentFlags().StringVar(&g.secret, "secret", "", "Cluster secret used to derive the credential")
	root.PersistentFlags().StringVar(&g.shared, "shared", config.DefaultSharedDir(), "Shared directory holding the layers.json topology override")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", rpcclient.DefaultTimeout, "Per-call timeout")

	root.AddCommand(
		newHealthCmd(g),
		newStatusCmd(g),
		newTopologyCmd(g),
		newSendCmd(g),
		newIdentityCmd(g),
	)
	return root
}

// topology returns the layer graph the daemons use: the shared override
// when present, the built-in default otherwise.
func (g *globals) topology() *topology.Topology {
	if g.shared == "" {
		return topology.Default(g.secret)
	}
	return topology.Load((&config.Config{SharedDir: g.shared}).TopologyFile(), g.secret)
}

// client resolves the endpoint and credential of the selected layer.
func (g *globals) client() (*rpcclient.Client, error) {
	name := topology.Name(strings.ToLower(g.layer))
	topo := g.topology()
	node, ok := topo.Node(name)
	if !ok && (g.endpoint == "" || g.token == "") {
		return nil, fmt.Errorf("unknown layer %q", g.layer)
	}

	endpoint := g.endpoint
	if endpoint == "" {
		endpoint = node.Address()
	}
	token := g.token
	if token == "" {
		token = node.Credential
	}
	return rpcclient.NewWithTimeout(endpoint, token, g.timeout), nil
}

// call invokes method and prints the result as indented JSON.
func (g *globals) call(out io.Writer, method string, params any) error {
	c, err := g.client()
	if err != nil {
		return err
	}
	var result json.RawMessage
	if err := c.Call(method, params, &result); err != nil {
		return err
	}
	return printJSON(out, result)
}

func printJSON(out io.Writer, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
