package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newHealthCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show the layer's health report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.call(cmd.OutOrStdout(), "health", nil)
		},
	}
}

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show neighbor liveness, identity sync and memory pressure",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.call(cmd.OutOrStdout(), "mesh_getStatus", nil)
		},
	}
}

func newTopologyCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "topology",
		Short: "Show the layer graph as the node sees it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.call(cmd.OutOrStdout(), "mesh_getTopology", nil)
		},
	}
}

func newSendCmd(g *globals) *cobra.Command {
	var (
		method    string
		paramsRaw string
		timeoutMs int64
	)
	cmd := &cobra.Command{
		Use:   "send <to> [message]",
		Short: "Route a message from the layer to an adjacent one",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := map[string]any{"to": args[0]}
			if len(args) == 2 {
				p["message"] = args[1]
			}
			if method != "" {
				p["method"] = method
			}
			if paramsRaw != "" {
				var v any
				if err := json.Unmarshal([]byte(paramsRaw), &v); err != nil {
					return fmt.Errorf("--params: %w", err)
				}
				p["params"] = v
			}
			if _, hasMsg := p["message"]; !hasMsg && p["params"] == nil {
				return fmt.Errorf("either a message or --params is required")
			}
			if timeoutMs > 0 {
				p["timeoutMs"] = timeoutMs
			}
			return g.call(cmd.OutOrStdout(), "mesh_route", p)
		},
	}
	cmd.Flags().StringVar(&method, "method", "", "Remote method (default: agent)")
	cmd.Flags().StringVar(&paramsRaw, "params", "", "Raw JSON params for --method")
	cmd.Flags().Int64Var(&timeoutMs, "timeout-ms", 0, "Outbound call timeout in milliseconds")
	return cmd
}

func newIdentityCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Inspect core identity fingerprints",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "sync",
			Short: "Compare the two cores' fingerprints",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return g.call(cmd.OutOrStdout(), "mesh_identitySync", nil)
			},
		},
		&cobra.Command{
			Use:   "compute",
			Short: "Recompute and persist a core's fingerprint",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return g.call(cmd.OutOrStdout(), "mesh_computeIdentity", nil)
			},
		},
	)
	return cmd
}
