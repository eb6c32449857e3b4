package main

import (
	"fmt"

	"github.com/notargets/meshredist/comm"
	"github.com/notargets/meshredist/redist"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	runRanks     int
	runBlocking  bool
	runNoObjects bool
)

// runCmd redistributes the grid over in-process ranks
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Redistribute the configured grid over in-process ranks",
	Long: `Builds the configured grid, shards it over loopback ranks running as
goroutines and redistributes it. The pass summary of every rank is printed
once all ranks are done.`,
	RunE: runLoopback,
}

func runLoopback(cmd *cobra.Command, args []string) error {
	n := cfg.Transport.Ranks
	if runRanks > 0 {
		n = runRanks
	}
	local, err := shards(cfg, n)
	if err != nil {
		return err
	}
	opts, err := redistOptions(cfg, logger)
	if err != nil {
		return err
	}

	w := comm.NewLoopbackWorld(n)
	rows := make([]rankSummary, n)
	var g errgroup.Group
	for r := 0; r < n; r++ {
		var c comm.Communicator = w.Comm(r)
		switch {
		case runBlocking:
			c = comm.BlockingOnly(c)
		case runNoObjects:
			c = comm.WithoutObjects(c)
		}
		g.Go(func() error {
			rd := redist.New(c, opts)
			out, err := passes(cfg, rd, local[r])
			if err != nil {
				// Release the ranks still waiting on this one
				w.Close(fmt.Errorf("%w: rank %d aborted", comm.ErrTransport, r))
				return err
			}
			rows[r] = rankSummary{rank: r, in: local[r], out: out, report: rd.LastReport()}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("redistribution complete", zap.Int("ranks", n), zap.Int("passes", cfg.Redistribution.Passes))
	printSummary(cmd.OutOrStdout(), rows)
	return nil
}
