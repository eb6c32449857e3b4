package wsnet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/notargets/meshredist/comm"
	"github.com/notargets/meshredist/mesh"
	"github.com/notargets/meshredist/redist"
	"github.com/notargets/meshredist/testgrid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

// world connects n ranks over loopback TCP
func world(t *testing.T, n int) []*Comm {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	listeners := make([]*Listener, n)
	peers := make([]string, n)
	for r := range listeners {
		l, err := Listen("127.0.0.1:0", zaptest.NewLogger(t))
		require.NoError(t, err)
		listeners[r], peers[r] = l, l.Addr()
	}
	comms := make([]*Comm, n)
	g, ctx := errgroup.WithContext(ctx)
	for r := range listeners {
		g.Go(func() error {
			c, err := listeners[r].Connect(ctx, r, peers)
			comms[r] = c
			return err
		})
	}
	require.NoError(t, g.Wait())
	t.Cleanup(func() {
		for _, c := range comms {
			c.Close()
		}
	})
	return comms
}

func TestComm_SendReceive(t *testing.T) {
	comms := world(t, 3)
	for r, c := range comms {
		assert.Equal(t, r, c.Rank())
		assert.Equal(t, 3, c.Size())
	}

	require.NoError(t, comms[2].Send([]byte("to zero"), 0, 5))
	require.NoError(t, comms[2].Send([]byte("again"), 0, 5))
	require.NoError(t, comms[0].Send([]byte("to two"), 2, -7))
	require.NoError(t, comms[1].Send([]byte("self"), 1, 1))

	buf := make([]byte, 32)
	n, err := comms[0].Receive(buf, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, "to zero", string(buf[:n]))
	n, err = comms[0].Receive(buf, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, "again", string(buf[:n]))
	n, err = comms[2].Receive(buf, 0, -7)
	require.NoError(t, err)
	assert.Equal(t, "to two", string(buf[:n]))
	n, err = comms[1].Receive(buf, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, "self", string(buf[:n]))

	_, err = comms[0].Receive(buf, 3, 0)
	assert.ErrorIs(t, err, comm.ErrTransport)
	assert.ErrorIs(t, comms[0].Send(nil, -1, 0), comm.ErrTransport)
}

func TestComm_AllGather(t *testing.T) {
	comms := world(t, 4)
	var g errgroup.Group
	for _, c := range comms {
		g.Go(func() error {
			all, err := comm.AllGather(c, []byte{byte(c.Rank())}, 9)
			if err != nil {
				return err
			}
			for r, b := range all {
				if len(b) != 1 || int(b[0]) != r {
					return errors.New("wrong gather result")
				}
			}
			return nil
		})
	}
	assert.NoError(t, g.Wait())
}

func TestComm_PartnerUnreachable(t *testing.T) {
	comms := world(t, 3)
	require.NoError(t, comms[2].Close())
	_, err := comms[0].Receive(make([]byte, 8), 2, 0)
	assert.ErrorIs(t, err, comm.ErrPartnerUnreachable)
	assert.ErrorIs(t, err, comm.ErrTransport)
}

func TestComm_Redistribute(t *testing.T) {
	grid := testgrid.UniformHexGrid(6, 4, 2, 1)
	shards, err := testgrid.Shard(grid, 3, testgrid.RoundRobin(3))
	require.NoError(t, err)
	opts := redist.Options{GlobalPointIDs: testgrid.GlobalPointIDs}

	comms := world(t, 3)
	overSockets := make([]*mesh.Mesh, 3)
	var g errgroup.Group
	for _, c := range comms {
		g.Go(func() error {
			rd := redist.New(c, opts)
			if rd.Strategy() != redist.FanIn {
				return errors.New("websocket ranks must fan in")
			}
			out, err := rd.Redistribute(shards[c.Rank()])
			overSockets[c.Rank()] = out
			return err
		})
	}
	require.NoError(t, g.Wait())

	w := comm.NewLoopbackWorld(3)
	inMemory := make([]*mesh.Mesh, 3)
	var local errgroup.Group
	for r := range inMemory {
		local.Go(func() error {
			out, err := redist.New(w.Comm(r), opts).Redistribute(shards[r])
			inMemory[r] = out
			return err
		})
	}
	require.NoError(t, local.Wait())

	total := 0
	for r := range inMemory {
		assert.True(t, mesh.SameCells(inMemory[r], overSockets[r]), "rank %d", r)
		total += overSockets[r].NumCells()
	}
	assert.Equal(t, grid.NumCells(), total)
}
