package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/notargets/meshredist/comm/wsnet"
	"github.com/notargets/meshredist/redist"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var nodeRank int

// nodeCmd runs one rank of a websocket world
var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run one rank over websockets",
	Long: `Joins the ranks listed in transport.peers as --rank. Every node builds the
same grid, keeps its own shard and redistributes it with the other nodes.

Example, three terminals:
  MESHREDIST_TRANSPORT=websocket MESHREDIST_PEERS=127.0.0.1:7000,127.0.0.1:7001,127.0.0.1:7002 meshredist node --rank 0
  (same with --rank 1 and --rank 2)`,
	RunE: runNode,
}

func runNode(cmd *cobra.Command, args []string) error {
	if cfg.Transport.Kind != "websocket" {
		return fmt.Errorf("node needs transport.kind websocket, have %q", cfg.Transport.Kind)
	}
	peers := cfg.Transport.Peers
	local, err := shards(cfg, len(peers))
	if err != nil {
		return err
	}
	if nodeRank < 0 || nodeRank >= len(peers) {
		return fmt.Errorf("rank %d outside [0,%d)", nodeRank, len(peers))
	}
	opts, err := redistOptions(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	dialCtx, cancel := context.WithTimeout(ctx, cfg.GetConnectTimeout())
	defer cancel()
	c, err := wsnet.Dial(dialCtx, nodeRank, peers, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	rd := redist.New(c, opts)
	out, err := passes(cfg, rd, local[nodeRank])
	if err != nil {
		return err
	}
	logger.Info("node done",
		zap.Int("rank", nodeRank),
		zap.Int("cells", out.NumCells()),
		zap.Int("points", out.NumPoints()))
	printSummary(cmd.OutOrStdout(), []rankSummary{{rank: nodeRank, in: local[nodeRank], out: out, report: rd.LastReport()}})
	return nil
}
