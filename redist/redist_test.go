package redist

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/notargets/meshredist/comm"
	"github.com/notargets/meshredist/marshal"
	"github.com/notargets/meshredist/mesh"
	"github.com/notargets/meshredist/partitions"
	"github.com/notargets/meshredist/testgrid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type wrapper func(comm.Communicator) comm.Communicator

// objectsOnly keeps the object path but hides the async operations
type objectsOnly struct{ comm.ObjectCommunicator }

var transports = []struct {
	name     string
	wrap     wrapper
	strategy Strategy
}{
	{"all_to_all/objects", nil, AllToAll},
	{"all_to_all/serialized", comm.WithoutObjects, AllToAll},
	{"fan_in/serialized", comm.BlockingOnly, FanIn},
	{"fan_in/objects", func(c comm.Communicator) comm.Communicator {
		return objectsOnly{c.(comm.ObjectCommunicator)}
	}, FanIn},
}

// runWorld runs f on every rank of a loopback world. A failing rank closes
// the world so the others are released instead of blocking.
func runWorld(t *testing.T, n int, wrap wrapper, f func(c comm.Communicator) error) []error {
	t.Helper()
	w := comm.NewLoopbackWorld(n)
	errs := make([]error, n)
	var g errgroup.Group
	for r := 0; r < n; r++ {
		var c comm.Communicator = w.Comm(r)
		if wrap != nil {
			c = wrap(c)
		}
		g.Go(func() error {
			if err := f(c); err != nil {
				errs[r] = err
				w.Close(fmt.Errorf("%w: rank %d aborted", comm.ErrTransport, r))
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	if errors.Join(errs...) == nil {
		assert.Zero(t, w.Pending(), "undelivered messages")
	}
	return errs
}

// redistribute runs one pass on every rank and requires it to succeed
func redistribute(t *testing.T, shards []*mesh.Mesh, wrap wrapper, opts Options) ([]*mesh.Mesh, []*Report) {
	t.Helper()
	outs := make([]*mesh.Mesh, len(shards))
	reports := make([]*Report, len(shards))
	errs := runWorld(t, len(shards), wrap, func(c comm.Communicator) error {
		o := opts
		o.Logger = zaptest.NewLogger(t)
		rd := New(c, o)
		out, err := rd.Redistribute(shards[c.Rank()])
		outs[c.Rank()], reports[c.Rank()] = out, rd.LastReport()
		return err
	})
	require.NoError(t, errors.Join(errs...))
	return outs, reports
}

func shardGrid(t *testing.T, grid *mesh.Mesh, n int, f testgrid.ShardFunc) []*mesh.Mesh {
	t.Helper()
	shards, err := testgrid.Shard(grid, n, f)
	require.NoError(t, err)
	return shards
}

func totalCells(meshes []*mesh.Mesh) int {
	n := 0
	for _, m := range meshes {
		n += m.NumCells()
	}
	return n
}

func TestDetectStrategy(t *testing.T) {
	w := comm.NewLoopbackWorld(1)
	for _, tr := range transports {
		var c comm.Communicator = w.Comm(0)
		if tr.wrap != nil {
			c = tr.wrap(c)
		}
		assert.Equal(t, tr.strategy, DetectStrategy(c), tr.name)
		assert.Equal(t, tr.strategy, New(c, Options{}).Strategy(), tr.name)
	}
	assert.Equal(t, "fan_in", FanIn.String())
}

func TestRedistribute_ConservationAndCoverage(t *testing.T) {
	grid := testgrid.UniformHexGrid(6, 4, 3, 1)
	for _, tr := range transports {
		for n := 1; n <= 5; n++ {
			t.Run(fmt.Sprintf("%s/%d", tr.name, n), func(t *testing.T) {
				shards := shardGrid(t, grid, n, testgrid.RoundRobin(n))
				outs, reports := redistribute(t, shards, tr.wrap, Options{
					GlobalPointIDs: testgrid.GlobalPointIDs,
					Partition:      partitions.Options{RegionsPerRank: 2},
				})
				assert.Equal(t, grid.NumCells(), totalCells(outs))

				sent := make([][]int, n)
				received := make([][]int, n)
				for rank, out := range outs {
					require.NoError(t, out.Validate())
					rep := reports[rank]
					assert.Equal(t, tr.strategy, rep.Strategy)
					d := rep.Decomposition
					for c := 0; c < out.NumCells(); c++ {
						region := d.Locate(out.CellCenter(c))
						assert.Equal(t, rank, d.Owner[region], "rank %d cell %d", rank, c)
					}
					// Cells held or received are either sent on or kept
					in, onward := shards[rank].NumCells(), out.NumCells()
					for peer := range rep.SentCells {
						if peer != rank {
							in += rep.ReceivedCells[peer]
							onward += rep.SentCells[peer]
						}
					}
					assert.Equal(t, in, onward, "rank %d", rank)
					assert.Equal(t, rep.SentCells[rank], rep.ReceivedCells[rank])
					sent[rank], received[rank] = rep.SentCells, rep.ReceivedCells
				}
				assert.NoError(t, partitions.ValidateSymmetry(sent, received))
				assert.Equal(t, reports[0].Decomposition, reports[n-1].Decomposition)
			})
		}
	}
}

func TestRedistribute_StrategyEquivalence(t *testing.T) {
	grid := testgrid.UniformHexGrid(8, 3, 3, 0.5)
	for _, gids := range []string{"", testgrid.GlobalPointIDs} {
		shards := shardGrid(t, grid, 4, testgrid.RoundRobin(4))
		opts := Options{GlobalPointIDs: gids, Partition: partitions.Options{RegionsPerRank: 3}}
		ring, _ := redistribute(t, shards, nil, opts)
		tree, _ := redistribute(t, shards, comm.BlockingOnly, opts)
		for rank := range ring {
			assert.True(t, mesh.SameCells(ring[rank], tree[rank]), "gids %q rank %d", gids, rank)
			if gids != "" {
				assert.Equal(t, ring[rank].NumPoints(), tree[rank].NumPoints())
				ids := ring[rank].PointData[gids].Ints
				assert.Len(t, ids, len(uniqueIDs(ids)), "duplicate points on rank %d", rank)
			}
		}
	}
}

func uniqueIDs(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func TestRedistribute_Deterministic(t *testing.T) {
	grid := testgrid.UniformHexGrid(5, 5, 2, 1)
	shards := shardGrid(t, grid, 3, testgrid.RoundRobin(3))
	opts := Options{GlobalPointIDs: testgrid.GlobalPointIDs}
	for _, tr := range transports {
		first, _ := redistribute(t, shards, tr.wrap, opts)
		second, _ := redistribute(t, shards, tr.wrap, opts)
		for rank := range first {
			a, err := marshal.Serialize(first[rank])
			require.NoError(t, err)
			b, err := marshal.Serialize(second[rank])
			require.NoError(t, err)
			assert.Equal(t, a, b, "%s rank %d", tr.name, rank)
		}
	}
}

func TestRedistribute_SlabsStayInPlace(t *testing.T) {
	grid := testgrid.UniformHexGrid(20, 5, 1, 2)
	shards := shardGrid(t, grid, 4, testgrid.Slabs(4, 0, 40))
	for rank, s := range shards {
		require.Equal(t, 25, s.NumCells())
		box, _ := s.Bounds()
		assert.Equal(t, float64(10*rank), box.Min.X)
	}
	for _, tr := range transports {
		outs, reports := redistribute(t, shards, tr.wrap, Options{GlobalPointIDs: testgrid.GlobalPointIDs})
		for rank, out := range outs {
			assert.Empty(t, cmp.Diff(shards[rank], out, cmpopts.EquateEmpty()), "%s rank %d", tr.name, rank)
			assert.Equal(t, rank, reports[rank].Decomposition.Owner[rank])
			assert.Zero(t, reports[rank].Stats.MovedCells)
		}
	}
}

func TestRedistribute_RetainedDecompositionIsIdempotent(t *testing.T) {
	grid := testgrid.UniformHexGrid(6, 6, 2, 1)
	shards := shardGrid(t, grid, 3, testgrid.RoundRobin(3))
	for _, tr := range transports {
		first := make([]*mesh.Mesh, 3)
		second := make([]*mesh.Mesh, 3)
		reports := make([]*Report, 3)
		errs := runWorld(t, 3, tr.wrap, func(c comm.Communicator) error {
			rd := New(c, Options{GlobalPointIDs: testgrid.GlobalPointIDs, RetainDecomposition: true})
			out, err := rd.Redistribute(shards[c.Rank()])
			if err != nil {
				return err
			}
			first[c.Rank()] = out
			if second[c.Rank()], err = rd.Redistribute(out); err != nil {
				return err
			}
			reports[c.Rank()] = rd.LastReport()
			return nil
		})
		require.NoError(t, errors.Join(errs...))
		for rank := range first {
			assert.True(t, mesh.SameCells(first[rank], second[rank]), "%s rank %d", tr.name, rank)
			rep := reports[rank]
			assert.True(t, rep.Reused)
			assert.Zero(t, rep.Stats.MovedCells)
			for dest, n := range rep.SentCells {
				if dest != rank {
					assert.Zero(t, n, "%s rank %d sent to %d", tr.name, rank, dest)
				}
			}
		}
	}
}

func TestRedistribute_RetainFollowsCommunicatorSize(t *testing.T) {
	grid := testgrid.UniformHexGrid(4, 4, 4, 1)
	shards := shardGrid(t, grid, 2, testgrid.Block(2, grid.NumCells()))

	// One rank world, then the same redistributor state reused on two ranks
	rds := make([]*Redistributor, 2)
	errs := runWorld(t, 1, nil, func(c comm.Communicator) error {
		rds[0] = New(c, Options{RetainDecomposition: true})
		_, err := rds[0].Redistribute(grid)
		return err
	})
	require.NoError(t, errors.Join(errs...))
	require.NotNil(t, rds[0].retained)

	errs = runWorld(t, 2, nil, func(c comm.Communicator) error {
		rd := New(c, Options{RetainDecomposition: true})
		rd.retained = rds[0].retained
		out, err := rd.Redistribute(shards[c.Rank()])
		if err != nil {
			return err
		}
		if rd.LastReport().Reused || out == nil {
			return fmt.Errorf("stale decomposition reused")
		}
		return nil
	})
	require.NoError(t, errors.Join(errs...))
}

// dedupMeshes returns two triangle meshes sharing the points with global
// ids 11, 12 and 13 under different local indices
func dedupMeshes() []*mesh.Mesh {
	a := mesh.New()
	for _, p := range []r3.Vec{{X: 0}, {X: 1}, {X: 1, Y: 1}, {Y: 1}} {
		a.AddPoint(p)
	}
	a.AddCell(mesh.Tri, 0, 1, 2)
	a.AddCell(mesh.Tri, 0, 2, 3)
	a.PointData["gid"] = mesh.NewIntArray(1, 10, 11, 12, 13)

	b := mesh.New()
	for _, p := range []r3.Vec{{X: 1, Y: 1}, {Y: 1}, {X: 1}, {X: 2}} {
		b.AddPoint(p)
	}
	b.AddCell(mesh.Tri, 2, 3, 0)
	b.AddCell(mesh.Tri, 1, 0, 3)
	b.PointData["gid"] = mesh.NewIntArray(1, 12, 13, 11, 14)
	return []*mesh.Mesh{a, b}
}

// cellIDs lists the global ids of the points of every cell
func cellIDs(m *mesh.Mesh, name string) [][]int64 {
	ids := m.PointData[name].Ints
	cells := make([][]int64, m.NumCells())
	for c := range cells {
		for _, p := range m.Cell(c) {
			cells[c] = append(cells[c], ids[p])
		}
	}
	return cells
}

func TestRedistribute_MergesDuplicatePoints(t *testing.T) {
	everything := partitions.NewDecomposition([]partitions.Region{
		{ID: 0, Bounds: r3.Box{Min: r3.Vec{X: -1, Y: -1, Z: -1}, Max: r3.Vec{X: 3, Y: 3, Z: 1}}},
	}, []int{1}, 2)
	for _, tr := range transports {
		outs, _ := redistribute(t, dedupMeshes(), tr.wrap, Options{GlobalPointIDs: "gid", Decomposition: everything})
		assert.True(t, outs[0].IsEmpty(), tr.name)

		out := outs[1]
		require.Equal(t, 5, out.NumPoints(), tr.name)
		assert.ElementsMatch(t, []int64{10, 11, 12, 13, 14}, out.PointData["gid"].Ints)
		assert.ElementsMatch(t, [][]int64{{10, 11, 12}, {10, 12, 13}, {11, 14, 12}, {13, 12, 14}},
			cellIDs(out, "gid"), tr.name)
		for i, id := range out.PointData["gid"].Ints {
			want := map[int64]r3.Vec{10: {}, 11: {X: 1}, 12: {X: 1, Y: 1}, 13: {Y: 1}, 14: {X: 2}}[id]
			assert.Equal(t, want, out.Points[i], "%s gid %d", tr.name, id)
		}
	}
}

func TestRedistribute_WithoutGlobalIDsKeepsDuplicates(t *testing.T) {
	everything := partitions.NewDecomposition([]partitions.Region{
		{ID: 0, Bounds: r3.Box{Min: r3.Vec{X: -1, Y: -1, Z: -1}, Max: r3.Vec{X: 3, Y: 3, Z: 1}}},
	}, []int{0}, 2)
	outs, _ := redistribute(t, dedupMeshes(), comm.BlockingOnly, Options{Decomposition: everything})
	assert.Equal(t, 8, outs[0].NumPoints())
	assert.Equal(t, 4, outs[0].NumCells())
	assert.True(t, outs[1].IsEmpty())
}

func TestRedistribute_EmptyRanks(t *testing.T) {
	grid := testgrid.UniformHexGrid(4, 3, 2, 1)
	for _, tr := range transports {
		shards := shardGrid(t, grid, 4, testgrid.Only(2))
		outs, reports := redistribute(t, shards, tr.wrap, Options{GlobalPointIDs: testgrid.GlobalPointIDs})
		assert.Equal(t, grid.NumCells(), totalCells(outs), tr.name)
		for rank, rep := range reports {
			if rank != 2 {
				assert.Zero(t, shards[rank].NumCells())
				for _, n := range rep.SentCells {
					assert.Zero(t, n)
				}
			}
		}
	}
}

func TestRedistribute_RegionWithoutCells(t *testing.T) {
	grid := testgrid.UniformHexGrid(4, 2, 2, 1)
	d := partitions.NewDecomposition([]partitions.Region{
		{ID: 0, Bounds: r3.Box{Max: r3.Vec{X: 2, Y: 2, Z: 2}}},
		{ID: 1, Bounds: r3.Box{Min: r3.Vec{X: 2}, Max: r3.Vec{X: 4, Y: 2, Z: 2}}},
		{ID: 2, Bounds: r3.Box{Min: r3.Vec{X: 10}, Max: r3.Vec{X: 20, Y: 2, Z: 2}}},
	}, []int{1, 2, 0}, 3)
	for _, tr := range transports {
		shards := shardGrid(t, grid, 3, testgrid.RoundRobin(3))
		outs, _ := redistribute(t, shards, tr.wrap, Options{GlobalPointIDs: testgrid.GlobalPointIDs, Decomposition: d})
		assert.True(t, outs[0].IsEmpty(), tr.name)
		assert.Equal(t, 8, outs[1].NumCells(), tr.name)
		assert.Equal(t, 8, outs[2].NumCells(), tr.name)
	}
}

// failures runs one pass per rank and returns the errors
func failures(t *testing.T, shards []*mesh.Mesh, wrap wrapper, opts Options) []error {
	t.Helper()
	return runWorld(t, len(shards), wrap, func(c comm.Communicator) error {
		_, err := New(c, opts).Redistribute(shards[c.Rank()])
		return err
	})
}

func TestRedistribute_NoPointsAnywhere(t *testing.T) {
	for _, tr := range transports {
		errs := failures(t, []*mesh.Mesh{nil, mesh.New(), mesh.New()}, tr.wrap, Options{})
		for rank, err := range errs {
			require.Error(t, err, "%s rank %d", tr.name, rank)
			assert.Equal(t, DecompositionFailed, KindOf(err))
			assert.ErrorIs(t, err, partitions.ErrDecompositionFailed)
			var pe *PassError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, rank, pe.Rank)
			assert.Equal(t, "decompose", pe.Op)
		}
	}
}

func TestRedistribute_InvalidAssignment(t *testing.T) {
	grid := testgrid.UniformHexGrid(2, 2, 2, 1)
	shards := shardGrid(t, grid, 2, testgrid.RoundRobin(2))
	box, _ := grid.Bounds()
	bad := partitions.NewDecomposition([]partitions.Region{{ID: 0, Bounds: box}}, []int{7}, 2)
	for _, err := range failures(t, shards, nil, Options{Decomposition: bad}) {
		assert.Equal(t, DecompositionFailed, KindOf(err))
	}
	wrongSize := partitions.NewDecomposition([]partitions.Region{{ID: 0, Bounds: box}}, []int{0}, 1)
	for _, err := range failures(t, shards, comm.BlockingOnly, Options{Decomposition: wrongSize}) {
		assert.Equal(t, DecompositionFailed, KindOf(err))
	}
}

func TestRedistribute_MissingGlobalIDs(t *testing.T) {
	grid := testgrid.UniformHexGrid(3, 2, 1, 1)
	shards := shardGrid(t, grid, 2, testgrid.RoundRobin(2))
	for _, tr := range transports {
		for rank, err := range failures(t, shards, tr.wrap, Options{GlobalPointIDs: "NodeIds"}) {
			assert.Equal(t, InvalidState, KindOf(err), "%s rank %d", tr.name, rank)
			assert.ErrorIs(t, err, mesh.ErrInvalidState)
		}
	}
}

func TestRedistribute_InvalidInput(t *testing.T) {
	broken := mesh.New()
	broken.AddPoint(r3.Vec{})
	broken.AddCell(mesh.Line, 0, 3)
	errs := failures(t, []*mesh.Mesh{broken, broken.Clone()}, nil, Options{})
	for _, err := range errs {
		assert.Equal(t, InvalidState, KindOf(err))
	}
}

// corrupting damages every fan-in payload it sends
type corrupting struct{ comm.Communicator }

func (c corrupting) Send(buf []byte, dest, tag int) error {
	if tag >= tagFanIn && (tag-tagFanIn)%4 == stepPayload {
		bad := append([]byte(nil), buf...)
		bad[0] ^= 0xff
		buf = bad
	}
	return c.Communicator.Send(buf, dest, tag)
}

func TestRedistribute_MalformedPayload(t *testing.T) {
	grid := testgrid.UniformHexGrid(4, 1, 1, 1)
	shards := shardGrid(t, grid, 2, testgrid.Only(1))
	errs := failures(t, shards, func(c comm.Communicator) comm.Communicator {
		return corrupting{comm.BlockingOnly(c)}
	}, Options{})
	assert.Equal(t, MalformedPayload, KindOf(errs[0]))
	assert.ErrorIs(t, errs[0], marshal.ErrMalformedPayload)
	assert.NoError(t, errs[1])
}

func TestRedistribute_TransportFailure(t *testing.T) {
	grid := testgrid.UniformHexGrid(4, 1, 1, 1)
	shards := shardGrid(t, grid, 2, testgrid.Only(1))
	w := comm.NewLoopbackWorld(2)
	w.Close(nil)
	_, err := New(comm.BlockingOnly(w.Comm(0)), Options{}).Redistribute(shards[0])
	assert.Equal(t, TransportFailure, KindOf(err))
	assert.ErrorIs(t, err, comm.ErrTransport)
}

func TestPassError(t *testing.T) {
	err := &PassError{Kind: MalformedPayload, Rank: 3, Op: "fan-in region 2", Err: marshal.ErrMalformedPayload}
	assert.Equal(t, "redistribute rank 3: fan-in region 2: MalformedPayload: malformed payload", err.Error())
	assert.Equal(t, MalformedPayload, KindOf(fmt.Errorf("wrapped: %w", err)))
	assert.Zero(t, KindOf(errors.New("plain")))

	assert.ErrorIs(t, transportErr(errors.New("socket reset")), comm.ErrTransport)
	assert.Nil(t, transportErr(nil))
	assert.Equal(t, InvalidState, classify(errors.New("plain"), InvalidState))
	assert.Equal(t, TransportFailure, classify(comm.ErrPartnerUnreachable, InvalidState))
}
