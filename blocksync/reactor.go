package blocksync

import (
	"context"
	"errors"
	"time"

	"github.com/creachadair/taskgroup"

	"github.com/nautlabs/nautsync/config"
	"github.com/nautlabs/nautsync/libs/log"
	"github.com/nautlabs/nautsync/libs/service"
	tmsync "github.com/nautlabs/nautsync/libs/sync"
	"github.com/nautlabs/nautsync/types"
)

const (
	requestsChCap = 256
	errorsChCap   = 64
)

// Dispatcher performs the actual network exchange for a block request.
// Implementations belong to the transport layer; the reactor never opens
// connections itself.
type Dispatcher interface {
	// SendBlockRequest asks peer for the half-open range [start, end).
	// The response is delivered asynchronously via Reactor.AddBlock.
	SendBlockRequest(ctx context.Context, peer types.PeerID, start, end int64) error
}

// BlockImporter durably applies blocks, in order and without gaps. Height
// returns the last applied height, or 0 for an empty chain.
type BlockImporter interface {
	SaveBlock(block *types.Block)
	Height() int64
}

// Reactor drives a BlockPool: it forwards the pool's scheduled requests to
// the Dispatcher, turns dispatch and peer failures into peer removals, and
// periodically drains ready blocks into the BlockImporter, confirming each
// applied batch back to the pool.
type Reactor struct {
	service.BaseService
	logger log.Logger

	cfg *config.SyncConfig

	pool       *BlockPool
	dispatcher Dispatcher
	importer   BlockImporter

	requestsCh chan BlockRequest
	errorsCh   chan PeerError

	metrics *Metrics

	closer *tmsync.Closer
	tasks  *taskgroup.Group
}

// NewReactor returns a new block sync reactor. Syncing resumes one past the
// importer's current height.
func NewReactor(
	logger log.Logger,
	cfg *config.SyncConfig,
	dispatcher Dispatcher,
	importer BlockImporter,
	metrics *Metrics,
) *Reactor {
	requestsCh := make(chan BlockRequest, requestsChCap)
	errorsCh := make(chan PeerError, errorsChCap)

	r := &Reactor{
		logger:     logger,
		cfg:        cfg,
		pool:       NewBlockPool(logger, cfg, importer.Height()+1, requestsCh, errorsCh, metrics),
		dispatcher: dispatcher,
		importer:   importer,
		requestsCh: requestsCh,
		errorsCh:   errorsCh,
		metrics:    metrics,
		closer:     tmsync.NewCloser(),
	}
	r.BaseService = *service.NewBaseService(logger, "BlockSync", r)
	return r
}

// Pool returns the reactor's block pool.
func (r *Reactor) Pool() *BlockPool { return r.pool }

// OnStart implements service.Implementation by starting the pool and the
// request/import routines.
func (r *Reactor) OnStart(ctx context.Context) error {
	if err := r.pool.Start(ctx); err != nil {
		return err
	}

	g := taskgroup.New(nil)
	g.Go(func() error { r.requestRoutine(ctx); return nil })
	g.Go(func() error { r.importRoutine(ctx); return nil })
	r.tasks = g

	return nil
}

// OnStop implements service.Implementation, blocking until both routines
// have drained.
func (r *Reactor) OnStop() {
	r.closer.Close()
	if err := r.pool.Stop(); err != nil && !errors.Is(err, service.ErrAlreadyStopped) {
		r.logger.Error("stopping pool", "err", err)
	}
	_ = r.tasks.Wait()
}

// AddBlock delivers a peer's response for the range starting at start.
// Called by the transport layer when a block response arrives.
func (r *Reactor) AddBlock(peerID types.PeerID, start int64, blocks []*types.Block) {
	r.pool.AddBlock(peerID, start, blocks)
}

// SetPeerRange records a peer's claimed chain state. Called by the
// transport layer on peer status updates.
func (r *Reactor) SetPeerRange(peerID types.PeerID, best, common int64) {
	r.pool.SetPeerRange(peerID, best, common)
}

// RemovePeer abandons the peer's outstanding work. Called by the transport
// layer on disconnect or protocol failure.
func (r *Reactor) RemovePeer(peerID types.PeerID) {
	r.pool.RemovePeer(peerID)
}

// IsCaughtUp returns true if the pool believes it has downloaded everything
// its peers claim to have.
func (r *Reactor) IsCaughtUp() bool { return r.pool.IsCaughtUp() }

func (r *Reactor) requestRoutine(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.closer.Done():
			return

		case req := <-r.requestsCh:
			if err := r.dispatcher.SendBlockRequest(ctx, req.Peer, req.Start, req.End); err != nil {
				r.logger.Error("failed to dispatch block request", "peer", req.Peer, "err", err)
				r.pool.RemovePeer(req.Peer)
			}

		case perr := <-r.errorsCh:
			r.logger.Error("peer failure", "peer", perr.Peer, "err", perr.Err)
			r.pool.RemovePeer(perr.Peer)
		}
	}
}

func (r *Reactor) importRoutine(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.TrySyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.closer.Done():
			return
		case <-ticker.C:
			r.importReady()
		}
	}
}

// importReady hands the longest contiguous run of downloaded blocks to the
// importer and confirms every applied batch back to the pool.
func (r *Reactor) importReady() {
	batch := r.pool.PopReadyBlocks()
	if len(batch) == 0 {
		return
	}

	for _, bd := range batch {
		r.importer.SaveBlock(bd.Block)
	}
	// Only first-of-batch hashes are recorded by the pool; the rest are
	// no-ops.
	for _, bd := range batch {
		r.pool.MarkImported(bd.Block.Hash())
	}

	r.metrics.ImportedBlocks.Add(float64(len(batch)))
	r.logger.Info("imported blocks", "count", len(batch), "height", r.importer.Height())
}
