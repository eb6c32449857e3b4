// Package redist moves the cells of a mesh sharded across ranks to the
// ranks owning the spatial regions they fall in.
//
// A pass builds (or reuses) a k-d decomposition shared by every rank,
// classifies the local cells by region, and exchanges sub-meshes with one of
// two strategies picked from the capabilities of the communicator:
//
//   - AllToAll, when the communicator supports non-blocking operations:
//     every rank extracts one sub-mesh per destination and trades them in a
//     ring, metadata first so receive buffers are sized once.
//   - FanIn, when only blocking Send/Receive exist: regions are walked in
//     ascending order and the contributions of each are merged up a
//     binary tree rooted at the region owner.
//
// Both strategies leave every rank with the same set of cells. Arriving
// sub-meshes are merged into the output as they come, deduplicating points
// by a global point id array when one is configured.
package redist

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/notargets/meshredist/comm"
	"github.com/notargets/meshredist/mesh"
	"github.com/notargets/meshredist/partitions"
	"go.uber.org/zap"
)

// Strategy is the exchange algorithm of a pass
type Strategy int

const (
	AllToAll Strategy = iota + 1 // Ring of non-blocking pairwise exchanges
	FanIn                        // Per region fan-in trees over blocking primitives
)

func (s Strategy) String() string {
	switch s {
	case AllToAll:
		return "all_to_all"
	case FanIn:
		return "fan_in"
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// DetectStrategy picks the strategy c supports best
func DetectStrategy(c comm.Communicator) Strategy {
	if _, ok := c.(comm.AsyncCommunicator); ok {
		return AllToAll
	}
	return FanIn
}

// Options configures a Redistributor. Every rank must use the same options;
// ranks disagreeing on RetainDecomposition or Partition diverge in the
// collective steps and hang.
type Options struct {
	// GlobalPointIDs names the int64 point array used to merge duplicate
	// points. Empty disables deduplication.
	GlobalPointIDs string
	// RetainDecomposition keeps the decomposition for the next pass. It is
	// rebuilt anyway when the communicator size changes.
	RetainDecomposition bool
	Partition           partitions.Options
	// Decomposition, when set, is used instead of building one. It must be
	// identical on every rank.
	Decomposition *partitions.Decomposition
	Logger        *zap.Logger
}

// Report describes the last pass of a rank
type Report struct {
	PassID        string
	Strategy      Strategy
	Reused        bool // Decomposition retained from the previous pass
	Decomposition *partitions.Decomposition
	Stats         partitions.PartitionStats
	SentCells     []int // [rank] cells handed to each rank, this one included
	ReceivedCells []int // [rank] cells taken from each rank, this one included
}

// Redistributor runs redistribution passes for one rank
type Redistributor struct {
	c        comm.Communicator
	opts     Options
	log      *zap.Logger
	strategy Strategy
	retained *partitions.Decomposition
	last     *Report
}

// New returns a Redistributor for the rank of c
func New(c comm.Communicator, opts Options) *Redistributor {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Redistributor{
		c:        c,
		opts:     opts,
		log:      log,
		strategy: DetectStrategy(c),
	}
}

// Strategy returns the exchange strategy detected for the communicator
func (r *Redistributor) Strategy() Strategy { return r.strategy }

// LastReport returns the report of the last successful pass, nil before
func (r *Redistributor) LastReport() *Report { return r.last }

// DiscardDecomposition drops a retained decomposition. It has to be called
// on every rank.
func (r *Redistributor) DiscardDecomposition() { r.retained = nil }

// pass holds the state of one redistribution pass. It is discarded when the
// pass ends.
type pass struct {
	link
	rank, size int
	opts       *Options
	log        *zap.Logger
	local      *mesh.Mesh
	d          *partitions.Decomposition
	cl         *partitions.Classification
	ct         *partitions.Contributions
	out        *mesh.Merger
	report     *Report
}

func (p *pass) fail(op string, err error, fallback ErrorKind) error {
	pe := &PassError{Kind: classify(err, fallback), Rank: p.rank, Op: op, Err: err}
	p.log.Error("redistribution failed", zap.String("op", op), zap.Stringer("kind", pe.Kind), zap.Error(err))
	return pe
}

// Redistribute is collective: every rank calls it with its local mesh and
// receives the cells of the regions it owns. local is not modified. A nil
// local mesh is treated as empty. On failure the returned error is a
// *PassError.
func (r *Redistributor) Redistribute(local *mesh.Mesh) (*mesh.Mesh, error) {
	if local == nil {
		local = mesh.New()
	}
	id := uuid.NewString()
	p := &pass{
		link:  newLink(r.c),
		rank:  r.c.Rank(),
		size:  r.c.Size(),
		opts:  &r.opts,
		log:   r.log.With(zap.String("pass", id), zap.Int("rank", r.c.Rank()), zap.Stringer("strategy", r.strategy)),
		local: local,
		out:   mesh.NewMerger(r.opts.GlobalPointIDs),
		report: &Report{
			PassID:        id,
			Strategy:      r.strategy,
			SentCells:     make([]int, r.c.Size()),
			ReceivedCells: make([]int, r.c.Size()),
		},
	}
	p.log.Debug("pass started", zap.Int("local_cells", local.NumCells()), zap.Int("local_points", local.NumPoints()))

	if err := local.Validate(); err != nil {
		return nil, p.fail("validate input", err, InvalidState)
	}
	if err := checkGlobalIDs(local, r.opts.GlobalPointIDs); err != nil {
		return nil, p.fail("validate input", err, InvalidState)
	}

	d, err := r.decomposition(p)
	if err != nil {
		return nil, err
	}
	p.d = d
	p.cl = partitions.ClassifyLocalCells(d, local)
	if p.ct, err = partitions.GatherContributions(r.c, p.cl); err != nil {
		return nil, p.fail("gather contributions", err, TransportFailure)
	}
	p.report.Decomposition = d
	p.report.Stats = p.ct.Statistics(d)
	p.log.Info("decomposition ready",
		zap.Bool("reused", p.report.Reused),
		zap.Int("regions", d.NumRegions()),
		zap.Stringer("assignment", d.Strategy),
		zap.Int("total_cells", p.report.Stats.TotalCells),
		zap.Int("moved_cells", p.report.Stats.MovedCells),
		zap.Int("min_cells", p.report.Stats.MinCells),
		zap.Int("max_cells", p.report.Stats.MaxCells),
		zap.Float64("imbalance", p.report.Stats.Imbalance))

	switch r.strategy {
	case AllToAll:
		err = p.exchangeAllToAll(r.c.(comm.AsyncCommunicator))
	default:
		err = p.exchangeFanIn()
	}
	if err != nil {
		return nil, err
	}

	out, err := p.out.Finish()
	if err != nil {
		return nil, p.fail("finish", err, InvalidState)
	}
	r.last = p.report
	p.log.Info("pass complete",
		zap.Int("cells", out.NumCells()),
		zap.Int("points", out.NumPoints()),
		zap.Ints("sent_cells", p.report.SentCells),
		zap.Ints("received_cells", p.report.ReceivedCells))
	return out, nil
}

// decomposition returns the decomposition of this pass: the configured one,
// the retained one, or a freshly built one. All ranks fail identically on
// an unusable decomposition since all of them hold the same one.
func (r *Redistributor) decomposition(p *pass) (*partitions.Decomposition, error) {
	d := r.opts.Decomposition
	switch {
	case d != nil:
	case r.retained != nil && r.retained.NumRanks == p.size:
		d = r.retained
		p.report.Reused = true
	default:
		var err error
		d, err = partitions.BuildDecomposition(r.c, p.local.Points, r.opts.Partition)
		if err != nil {
			return nil, p.fail("decompose", err, TransportFailure)
		}
	}
	r.retained = nil
	if err := d.Validate(); err != nil {
		return nil, p.fail("decompose", err, DecompositionFailed)
	}
	if d.NumRanks != p.size {
		return nil, p.fail("decompose", fmt.Errorf("%w: decomposition for %d ranks used with %d",
			partitions.ErrDecompositionFailed, d.NumRanks, p.size), DecompositionFailed)
	}
	if r.opts.RetainDecomposition {
		r.retained = d
	}
	return d, nil
}

// checkGlobalIDs fails before any exchange when the configured global id
// array is unusable, so a rank does not abort halfway through a pass
func checkGlobalIDs(m *mesh.Mesh, name string) error {
	if name == "" || m.NumPoints() == 0 {
		return nil
	}
	a, ok := m.PointData[name]
	switch {
	case !ok:
		return fmt.Errorf("%w: no global point id array %q", mesh.ErrInvalidState, name)
	case a.Kind != mesh.Int64 || a.Components != 1:
		return fmt.Errorf("%w: global point id array %q is %s with %d components",
			mesh.ErrInvalidState, name, a.Kind, a.Components)
	}
	return nil
}

// keep merges sub, which stays on this rank, into the output
func (p *pass) keep(op string, sub *mesh.Mesh) error {
	if err := p.out.MergeInto(sub); err != nil {
		return p.fail(op, err, InvalidState)
	}
	p.report.SentCells[p.rank] += sub.NumCells()
	p.report.ReceivedCells[p.rank] += sub.NumCells()
	return nil
}

// accept merges sub, received from src, into the output
func (p *pass) accept(op string, sub *mesh.Mesh, src int) error {
	if err := p.out.MergeInto(sub); err != nil {
		return p.fail(op, err, InvalidState)
	}
	p.report.ReceivedCells[src] += sub.NumCells()
	return nil
}
