package blocksync

import (
	"context"
	"time"

	"github.com/nautlabs/nautsync/config"
	"github.com/nautlabs/nautsync/libs/log"
	"github.com/nautlabs/nautsync/libs/service"
	tmsync "github.com/nautlabs/nautsync/libs/sync"
	"github.com/nautlabs/nautsync/types"
)

// BlockRequest names a half-open block range [Start, End) to be fetched
// from a peer.
type BlockRequest struct {
	Peer  types.PeerID
	Start int64
	End   int64
}

// PeerError pairs an error with the peer that caused it.
type PeerError struct {
	Err  error
	Peer types.PeerID
}

/*
Peers self-report their best height and the common ancestor they share with
us. The pool periodically offers every idle peer the next range worth
requesting and emits the resulting requests on requestsCh; the surrounding
reactor performs the actual network exchange and feeds responses back via
AddBlock (or peer failures via RemovePeer). Completed contiguous prefixes
are drained with PopReadyBlocks and released with MarkImported once the
import pipeline confirms them.

The pool is the single logical owner of its BlockCollection; all access is
serialized through pool.mtx.
*/
type BlockPool struct {
	service.BaseService
	logger log.Logger

	cfg *config.SyncConfig

	mtx           tmsync.Mutex
	collection    *BlockCollection
	peers         map[types.PeerID]*bpPeer
	maxPeerHeight int64
	height        int64 // next height wanted by the import pipeline

	requestsCh chan<- BlockRequest
	errorsCh   chan<- PeerError

	metrics *Metrics
}

// NewBlockPool returns a new BlockPool whose next wanted height is start.
// Block requests and peer errors are sent to requestsCh and errorsCh
// accordingly.
func NewBlockPool(
	logger log.Logger,
	cfg *config.SyncConfig,
	start int64,
	requestsCh chan<- BlockRequest,
	errorsCh chan<- PeerError,
	metrics *Metrics,
) *BlockPool {
	pool := &BlockPool{
		logger:     logger,
		cfg:        cfg,
		collection: NewBlockCollection(logger),
		peers:      make(map[types.PeerID]*bpPeer),
		height:     start,
		requestsCh: requestsCh,
		errorsCh:   errorsCh,
		metrics:    metrics,
	}
	pool.BaseService = *service.NewBaseService(logger, "BlockPool", pool)
	return pool
}

// OnStart implements service.Implementation by spawning the request
// scheduling routine.
func (pool *BlockPool) OnStart(ctx context.Context) error {
	go pool.makeRequestsRoutine(ctx)
	return nil
}

// OnStop implements service.Implementation.
func (pool *BlockPool) OnStop() {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()
	for _, peer := range pool.peers {
		peer.stopTimeout()
	}
}

// makeRequestsRoutine offers idle peers new work on every tick.
func (pool *BlockPool) makeRequestsRoutine(ctx context.Context) {
	ticker := time.NewTicker(pool.cfg.RequestInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pool.Quit():
			return
		case <-ticker.C:
			for _, req := range pool.scheduleRequests() {
				pool.sendRequest(req)
			}
		}
	}
}

// scheduleRequests assigns a range to every idle peer that can serve one.
func (pool *BlockPool) scheduleRequests() []BlockRequest {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()

	var requests []BlockRequest
	for id, peer := range pool.peers {
		if peer.didTimeout || pool.collection.HasPeerDownload(id) {
			continue
		}

		r := pool.collection.NeededBlocks(
			id,
			pool.cfg.BatchSize,
			peer.best,
			peer.common,
			pool.cfg.MaxParallelDownloads,
			pool.cfg.MaxDownloadAhead,
		)
		if r == nil {
			continue
		}

		peer.resetTimeout(pool.cfg.PeerTimeout)
		requests = append(requests, BlockRequest{Peer: id, Start: r.Start, End: r.End})
		pool.metrics.RequestedRanges.Add(1)
		pool.logger.Debug("scheduled block range", "peer", id, "start", r.Start, "end", r.End)
	}
	pool.metrics.PendingRanges.Set(float64(pool.collection.NumRanges()))

	return requests
}

// AddBlock records a peer's response for the range starting at start. The
// peer's outstanding request is released first, so the peer becomes idle
// and can be offered more work on the next tick.
func (pool *BlockPool) AddBlock(peerID types.PeerID, start int64, blocks []*types.Block) {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()

	if peer := pool.peers[peerID]; peer != nil {
		peer.stopTimeout()
	}
	pool.collection.ClearPeerDownload(peerID)
	pool.collection.Insert(start, blocks, peerID)
	pool.metrics.ReceivedBlocks.Add(float64(len(blocks)))
}

// PopReadyBlocks returns the longest contiguous run of downloaded blocks
// starting at the pool's next wanted height, advancing it past the run.
func (pool *BlockPool) PopReadyBlocks() []types.BlockData {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()

	batch := pool.collection.ReadyBlocks(pool.height)
	pool.height += int64(len(batch))
	pool.metrics.Height.Set(float64(pool.height))

	// Everything below the new height is settled, so raise each peer's
	// common ancestor accordingly. Otherwise an empty ledger would make the
	// scheduler re-request heights we already hold.
	if len(batch) > 0 {
		for _, peer := range pool.peers {
			if c := minInt64(peer.best, pool.height-1); c > peer.common {
				peer.common = c
			}
		}
	}

	return batch
}

// MarkImported releases the extracted batch whose first block has the given
// hash. Must be called once (and only once) per batch durably applied by
// the import pipeline.
func (pool *BlockPool) MarkImported(hash types.BlockID) {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()

	pool.collection.ClearQueued(hash)
}

// SetPeerRange records the peer's claimed best height and common ancestor,
// registering the peer if it is new. The caller refreshes this whenever the
// peer reports new chain state.
func (pool *BlockPool) SetPeerRange(peerID types.PeerID, best, common int64) {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()

	peer := pool.peers[peerID]
	if peer != nil {
		peer.best = best
		peer.common = common
	} else {
		peer = newBPPeer(pool, peerID, best, common)
		peer.setLogger(pool.logger.With("peer", peerID))
		pool.peers[peerID] = peer
		pool.metrics.NumPeers.Set(float64(len(pool.peers)))
	}

	if best > pool.maxPeerHeight {
		pool.maxPeerHeight = best
		pool.metrics.MaxPeerHeight.Set(float64(best))
	}
}

// RemovePeer abandons whatever range the peer was downloading and forgets
// the peer. If there's no peer with peerID, the function is a no-op.
func (pool *BlockPool) RemovePeer(peerID types.PeerID) {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()

	pool.removePeer(peerID)
}

// CONTRACT: pool.mtx must be locked.
func (pool *BlockPool) removePeer(peerID types.PeerID) {
	pool.collection.ClearPeerDownload(peerID)

	peer, ok := pool.peers[peerID]
	if !ok {
		return
	}
	peer.stopTimeout()
	delete(pool.peers, peerID)
	pool.metrics.NumPeers.Set(float64(len(pool.peers)))

	if peer.best == pool.maxPeerHeight {
		pool.updateMaxPeerHeight()
	}
}

// If no peers are left, maxPeerHeight is set to 0.
//
// CONTRACT: pool.mtx must be locked.
func (pool *BlockPool) updateMaxPeerHeight() {
	var max int64
	for _, peer := range pool.peers {
		if peer.best > max {
			max = peer.best
		}
	}
	pool.maxPeerHeight = max
	pool.metrics.MaxPeerHeight.Set(float64(max))
}

// Height returns the pool's next wanted height.
func (pool *BlockPool) Height() int64 {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()
	return pool.height
}

// MaxPeerHeight returns the highest reported height.
func (pool *BlockPool) MaxPeerHeight() int64 {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()
	return pool.maxPeerHeight
}

// GetStatus returns the pool's next wanted height and the number of
// registered peers.
func (pool *BlockPool) GetStatus() (height int64, numPeers int) {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()
	return pool.height, len(pool.peers)
}

// IsCaughtUp returns true if this node has downloaded everything its peers
// claim to have.
func (pool *BlockPool) IsCaughtUp() bool {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()

	// Need at least 1 peer to be considered caught up.
	if len(pool.peers) == 0 {
		return false
	}
	return pool.height > pool.maxPeerHeight
}

func (pool *BlockPool) sendRequest(req BlockRequest) {
	if !pool.IsRunning() {
		return
	}
	pool.requestsCh <- req
}

func (pool *BlockPool) sendError(err error, peerID types.PeerID) {
	if !pool.IsRunning() {
		return
	}
	pool.errorsCh <- PeerError{Err: err, Peer: peerID}
}
