package blocksync

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nautlabs/nautsync/config"
	"github.com/nautlabs/nautsync/libs/log"
	"github.com/nautlabs/nautsync/types"
)

func startTestPool(
	ctx context.Context,
	t *testing.T,
	cfg *config.SyncConfig,
	start int64,
) (*BlockPool, chan BlockRequest, chan PeerError) {
	t.Helper()

	requestsCh := make(chan BlockRequest, requestsChCap)
	errorsCh := make(chan PeerError, errorsChCap)

	pool := NewBlockPool(log.TestingLogger(t), cfg, start, requestsCh, errorsCh, NopMetrics())
	require.NoError(t, pool.Start(ctx))
	t.Cleanup(func() {
		if err := pool.Stop(); err == nil {
			pool.Wait()
		}
	})

	return pool, requestsCh, errorsCh
}

func TestBlockPoolBasic(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, requestsCh, errorsCh := startTestPool(ctx, t, config.TestSyncConfig(), 1)

	peerBest := int64(90)
	pool.SetPeerRange("peerA", peerBest, 0)
	pool.SetPeerRange("peerB", peerBest, 0)
	pool.SetPeerRange("peerC", peerBest, 0)
	assert.Equal(t, peerBest, pool.MaxPeerHeight())

	// Answer every scheduled request and confirm every imported batch, the
	// way the surrounding reactor would.
	deadline := time.After(10 * time.Second)
	for !pool.IsCaughtUp() {
		select {
		case req := <-requestsCh:
			pool.AddBlock(req.Peer, req.Start, makeBlocks(req.Start, req.End-req.Start))

		case perr := <-errorsCh:
			t.Fatalf("unexpected peer error: %v (peer %v)", perr.Err, perr.Peer)

		case <-time.After(time.Millisecond):
			for _, bd := range pool.PopReadyBlocks() {
				pool.MarkImported(bd.Block.Hash())
			}

		case <-deadline:
			t.Fatalf("pool did not catch up, height %d of %d", pool.Height(), peerBest)
		}
	}

	assert.Equal(t, peerBest+1, pool.Height())
}

func TestBlockPoolTimeout(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.TestSyncConfig()
	cfg.PeerTimeout = 20 * time.Millisecond

	pool, requestsCh, errorsCh := startTestPool(ctx, t, cfg, 1)

	pool.SetPeerRange("peerA", 100, 0)
	pool.SetPeerRange("peerB", 100, 0)

	// Nobody answers, so every peer must eventually be reported.
	timedOut := map[types.PeerID]struct{}{}
	deadline := time.After(5 * time.Second)
	for len(timedOut) < 2 {
		select {
		case <-requestsCh:
			// Drop the request on the floor.

		case perr := <-errorsCh:
			require.ErrorIs(t, perr.Err, errPeerTimeout)
			timedOut[perr.Peer] = struct{}{}

		case <-deadline:
			t.Fatalf("only %d peers timed out", len(timedOut))
		}
	}
}

func TestBlockPoolAddBlockFreesPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, requestsCh, _ := startTestPool(ctx, t, config.TestSyncConfig(), 1)

	pool.SetPeerRange("peerA", 100, 0)

	req := <-requestsCh
	assert.Equal(t, types.PeerID("peerA"), req.Peer)
	assert.Equal(t, int64(1), req.Start)

	pool.AddBlock(req.Peer, req.Start, makeBlocks(req.Start, req.End-req.Start))

	// The peer is idle again and gets the follow-up range.
	select {
	case req = <-requestsCh:
		assert.Equal(t, types.PeerID("peerA"), req.Peer)
		assert.Equal(t, int64(11), req.Start)
	case <-time.After(time.Second):
		t.Fatal("expected a follow-up request")
	}
}

func TestBlockPoolRemovePeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, _, _ := startTestPool(ctx, t, config.TestSyncConfig(), 1)

	pool.SetPeerRange("peerA", 100, 0)
	pool.SetPeerRange("peerB", 60, 0)
	assert.Equal(t, int64(100), pool.MaxPeerHeight())

	_, numPeers := pool.GetStatus()
	assert.Equal(t, 2, numPeers)

	pool.RemovePeer("peerA")
	assert.Equal(t, int64(60), pool.MaxPeerHeight())

	// Removing an unknown peer is a no-op.
	pool.RemovePeer("peerZ")
	_, numPeers = pool.GetStatus()
	assert.Equal(t, 1, numPeers)

	pool.RemovePeer("peerB")
	assert.Zero(t, pool.MaxPeerHeight())
	assert.False(t, pool.IsCaughtUp())
}

func TestBlockPoolSetPeerRangeUpdates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, _, _ := startTestPool(ctx, t, config.TestSyncConfig(), 1)

	pool.SetPeerRange("peerA", 50, 0)
	assert.Equal(t, int64(50), pool.MaxPeerHeight())

	// The peer advanced its tip.
	pool.SetPeerRange("peerA", 80, 20)
	assert.Equal(t, int64(80), pool.MaxPeerHeight())

	_, numPeers := pool.GetStatus()
	assert.Equal(t, 1, numPeers)
}

func TestBlockPoolIsCaughtUp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, requestsCh, _ := startTestPool(ctx, t, config.TestSyncConfig(), 1)

	// No peers, not caught up.
	assert.False(t, pool.IsCaughtUp())

	pool.SetPeerRange("peerA", 5, 0)

	deadline := time.After(5 * time.Second)
	for !pool.IsCaughtUp() {
		select {
		case req := <-requestsCh:
			pool.AddBlock(req.Peer, req.Start, makeBlocks(req.Start, req.End-req.Start))
		case <-time.After(time.Millisecond):
			for _, bd := range pool.PopReadyBlocks() {
				pool.MarkImported(bd.Block.Hash())
			}
		case <-deadline:
			t.Fatal("pool did not catch up")
		}
	}

	assert.Equal(t, int64(6), pool.Height())
}
