package blocksync

import (
	"errors"
	"time"

	"github.com/nautlabs/nautsync/libs/log"
	"github.com/nautlabs/nautsync/types"
)

var errPeerTimeout = errors.New("peer did not send us anything")

// bpPeer is the pool's view of a single remote peer: the chain state it
// claims and a timer bounding how long we wait for its outstanding request.
type bpPeer struct {
	id     types.PeerID
	best   int64 // highest height the peer claims to have
	common int64 // highest height known to be shared with the peer

	didTimeout bool
	timeout    *time.Timer

	pool   *BlockPool
	logger log.Logger
}

func newBPPeer(pool *BlockPool, peerID types.PeerID, best, common int64) *bpPeer {
	return &bpPeer{
		pool:   pool,
		id:     peerID,
		best:   best,
		common: common,
		logger: log.NewNopLogger(),
	}
}

func (peer *bpPeer) setLogger(l log.Logger) {
	peer.logger = l
}

// resetTimeout (re)arms the inactivity timer. Armed whenever a request is
// assigned to the peer.
func (peer *bpPeer) resetTimeout(d time.Duration) {
	if peer.timeout == nil {
		peer.timeout = time.AfterFunc(d, peer.onTimeout)
	} else {
		peer.timeout.Reset(d)
	}
}

// stopTimeout disarms the inactivity timer. Called once a response arrives.
func (peer *bpPeer) stopTimeout() {
	if peer.timeout != nil {
		peer.timeout.Stop()
	}
}

func (peer *bpPeer) onTimeout() {
	peer.pool.mtx.Lock()
	peer.didTimeout = true
	peer.pool.mtx.Unlock()

	peer.logger.Error("request timed out", "reason", errPeerTimeout)
	peer.pool.sendError(errPeerTimeout, peer.id)
}
