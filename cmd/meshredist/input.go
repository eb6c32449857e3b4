package main

import (
	"fmt"
	"io"

	"github.com/notargets/meshredist/config"
	"github.com/notargets/meshredist/mesh"
	"github.com/notargets/meshredist/redist"
	"github.com/notargets/meshredist/testgrid"
	"go.uber.org/zap"
)

// shards builds the configured grid and splits it over n ranks. Every node
// computes the same split, so websocket nodes agree on their input.
func shards(cfg *config.Config, n int) ([]*mesh.Mesh, error) {
	g := cfg.Grid
	grid := testgrid.UniformHexGrid(g.NX, g.NY, g.NZ, g.Spacing)
	var f testgrid.ShardFunc
	switch g.Shard {
	case "block":
		f = testgrid.Block(n, grid.NumCells())
	case "round_robin":
		f = testgrid.RoundRobin(n)
	case "slabs":
		f = testgrid.Slabs(n, 0, float64(g.NX)*g.Spacing)
	case "single":
		f = testgrid.Only(0)
	default:
		return nil, fmt.Errorf("unknown shard %q", g.Shard)
	}
	return testgrid.Shard(grid, n, f)
}

func redistOptions(cfg *config.Config, log *zap.Logger) (redist.Options, error) {
	popts, err := cfg.PartitionOptions()
	if err != nil {
		return redist.Options{}, err
	}
	return redist.Options{
		GlobalPointIDs:      cfg.Redistribution.GlobalPointIDs,
		RetainDecomposition: cfg.Redistribution.RetainDecomposition,
		Partition:           popts,
		Logger:              log,
	}, nil
}

// passes runs the configured number of passes, feeding each output into
// the next
func passes(cfg *config.Config, rd *redist.Redistributor, local *mesh.Mesh) (*mesh.Mesh, error) {
	out := local
	for i := 0; i < cfg.Redistribution.Passes; i++ {
		var err error
		if out, err = rd.Redistribute(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type rankSummary struct {
	rank    int
	in, out *mesh.Mesh
	report  *redist.Report
}

func printSummary(w io.Writer, rows []rankSummary) {
	fmt.Fprintf(w, "%-6s %-12s %10s %10s %10s %10s\n", "rank", "strategy", "cells_in", "cells_out", "points_out", "moved")
	for _, r := range rows {
		fmt.Fprintf(w, "%-6d %-12s %10d %10d %10d %10d\n",
			r.rank, r.report.Strategy, r.in.NumCells(), r.out.NumCells(), r.out.NumPoints(), r.report.Stats.MovedCells)
	}
}
