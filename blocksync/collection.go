package blocksync

import (
	"fmt"

	"github.com/google/btree"

	"github.com/nautlabs/nautsync/libs/log"
	"github.com/nautlabs/nautsync/types"
)

// ledgerDegree is the branching factor of the range ledger btree.
const ledgerDegree = 32

// BlockRange is a half-open range [Start, End) of block heights.
type BlockRange struct {
	Start int64
	End   int64
}

// Len returns the number of blocks covered by the range.
func (r BlockRange) Len() int64 { return r.End - r.Start }

func (r BlockRange) String() string { return fmt.Sprintf("[%d, %d)", r.Start, r.End) }

type rangeState int

const (
	// rangeStateDownloading marks a range currently requested from one or
	// more peers.
	rangeStateDownloading rangeState = iota
	// rangeStateComplete marks a fully downloaded range not yet handed to
	// the caller.
	rangeStateComplete
	// rangeStateQueued marks a range handed to the caller, awaiting import
	// confirmation.
	rangeStateQueued
)

// rangeEntry is a single record of the range ledger, keyed by the first
// height of the range it covers.
type rangeEntry struct {
	start  int64
	state  rangeState
	length int64            // Downloading and Queued
	peers  uint32           // Downloading: number of peers in flight
	blocks []types.BlockData // Complete
}

// end returns one past the last height covered by the entry.
func (e *rangeEntry) end() int64 {
	if e.state == rangeStateComplete {
		return e.start + int64(len(e.blocks))
	}
	return e.start + e.length
}

func (e *rangeEntry) Less(than btree.Item) bool {
	return e.start < than.(*rangeEntry).start
}

// BlockCollection tracks the download state of block ranges across many
// partially-overlapping peers and reassembles responses into a single
// ordered, gap-free stream.
//
// It keeps three structures: the range ledger (an ordered map from a range's
// first height to its state), the peer request table (which range each peer
// is currently fetching), and the queued-range index (first-block hash of
// each extracted batch, so the caller can disavow the batch once imported).
//
// A BlockCollection performs no I/O and is not safe for concurrent use: it
// is owned by a single goroutine (the BlockPool) which serializes access.
type BlockCollection struct {
	logger log.Logger

	ledger       *btree.BTree
	peerRequests map[types.PeerID]int64
	queuedRanges map[types.BlockID]BlockRange
}

// NewBlockCollection returns an empty BlockCollection.
func NewBlockCollection(logger log.Logger) *BlockCollection {
	return &BlockCollection{
		logger:       logger,
		ledger:       btree.New(ledgerDegree),
		peerRequests: make(map[types.PeerID]int64),
		queuedRanges: make(map[types.BlockID]BlockRange),
	}
}

// NeededBlocks returns the next range worth requesting from the given peer,
// or nil if no useful work exists for it right now.
//
// count is the desired batch size for a fresh range. peerBest is the highest
// height the peer claims to have and common the highest height known to be
// shared with it; the peer is never asked for anything at or below common.
// maxParallel bounds how many peers may be assigned the same in-flight range
// and maxAhead bounds how far past the lowest pending range a new request
// may start.
//
// On success the peer is recorded in the peer request table and the range is
// marked Downloading in the ledger. A peer with an entry in the request
// table must be released with ClearPeerDownload before it can be offered
// another range.
func (bc *BlockCollection) NeededBlocks(
	who types.PeerID,
	count int64,
	peerBest int64,
	common int64,
	maxParallel uint32,
	maxAhead int64,
) *BlockRange {
	firstDifferent := common + 1

	var (
		candidate BlockRange
		found     bool
		inFlight  uint32 // current download count when re-requesting
	)

	// Walk the ledger in ascending order as (predecessor, successor)
	// pairs; the pair ahead of the first entry and the pair past the last
	// use nil for the missing side. First match wins.
	entries := bc.entries()
	for i := 0; i <= len(entries) && !found; i++ {
		var prev, next *rangeEntry
		if i > 0 {
			prev = entries[i-1]
		}
		if i < len(entries) {
			next = entries[i]
		}

		if prev == nil {
			switch {
			case next == nil:
				// Nothing scheduled at all: open a fresh range.
				candidate = BlockRange{Start: firstDifferent, End: firstDifferent + count}
				found = true
			case next.start > firstDifferent:
				// Gap before the first ledger entry. This must only ever
				// match ahead of the first entry, or a range inside an
				// existing span could be handed out.
				candidate = BlockRange{Start: firstDifferent, End: minInt64(firstDifferent+count, next.start)}
				found = true
			}
			continue
		}

		switch {
		case prev.state == rangeStateDownloading && prev.peers < maxParallel && prev.start >= firstDifferent:
			// An in-flight range can take another downloader. This is the
			// only case that revisits an existing start.
			candidate = BlockRange{Start: prev.start, End: prev.start + prev.length}
			inFlight = prev.peers
			found = true

		case next != nil && prev.end() < next.start && prev.end() >= firstDifferent:
			// Gap between two adjacent ledger entries.
			candidate = BlockRange{Start: prev.end(), End: minInt64(next.start, prev.end()+count)}
			found = true

		case next == nil && prev.end() >= firstDifferent:
			// Extend past the last ledger entry.
			candidate = BlockRange{Start: prev.end(), End: prev.end() + count}
			found = true
		}
	}

	if !found {
		return nil
	}

	if candidate.Start > peerBest {
		bc.logger.Debug("range out of peer reach", "peer", who, "start", candidate.Start, "peer_best", peerBest)
		return nil
	}
	if candidate.End > peerBest+1 {
		candidate.End = peerBest + 1
	}

	if lowest, ok := bc.lowestStart(); ok && candidate.Start > lowest+maxAhead {
		bc.logger.Debug("range too far ahead", "peer", who, "start", candidate.Start, "lowest_pending", lowest)
		return nil
	}

	if candidate.End <= candidate.Start {
		panic(fmt.Sprintf("empty block range %v scheduled for peer %v", candidate, who))
	}

	bc.peerRequests[who] = candidate.Start
	bc.ledger.ReplaceOrInsert(&rangeEntry{
		start:  candidate.Start,
		state:  rangeStateDownloading,
		length: candidate.Len(),
		peers:  inFlight + 1,
	})

	return &candidate
}

// Insert records a peer's response for the range starting at start. An empty
// response is ignored, as is a response for a range that is already complete
// with at least as many blocks (a stale duplicate). A response for a range
// still marked Downloading finalizes it; this is the expected path.
func (bc *BlockCollection) Insert(start int64, blocks []*types.Block, who types.PeerID) {
	if len(blocks) == 0 {
		return
	}

	if e := bc.get(start); e != nil {
		switch {
		case e.state == rangeStateDownloading:
			bc.logger.Debug("inserting blocks still marked as being downloaded", "start", start)
		case e.state == rangeStateComplete && len(e.blocks) >= len(blocks):
			bc.logger.Debug("ignored blocks already downloaded", "start", start)
			return
		}
	}

	data := make([]types.BlockData, len(blocks))
	for i, b := range blocks {
		data[i] = types.BlockData{Block: b, Origin: who}
	}
	bc.ledger.ReplaceOrInsert(&rangeEntry{
		start:  start,
		state:  rangeStateComplete,
		blocks: data,
	})
}

// ReadyBlocks extracts the longest contiguous run of completed blocks
// beginning at from, in ascending order. Extracted ranges are converted to
// Queued in place and the hash of each batch's first block is recorded so
// the caller can release the batch with ClearQueued once imported.
func (bc *BlockCollection) ReadyBlocks(from int64) []types.BlockData {
	var ready []types.BlockData

	prev := from
	for _, e := range bc.entries() {
		if e.start > prev {
			break
		}
		switch e.state {
		case rangeStateComplete:
			length := int64(len(e.blocks))
			prev = e.start + length
			if length > 0 {
				bc.queuedRanges[e.blocks[0].Block.Hash()] = BlockRange{Start: e.start, End: e.start + length}
			}
			ready = append(ready, e.blocks...)
			e.state = rangeStateQueued
			e.length = length
			e.blocks = nil

		case rangeStateQueued:
			// An already queued range is skipped without moving the
			// cursor.

		default:
			return ready
		}
	}

	return ready
}

// ClearQueued forgets the extracted batch whose first block has the given
// hash, removing every ledger entry inside its span. Unknown hashes are
// ignored.
func (bc *BlockCollection) ClearQueued(hash types.BlockID) {
	r, ok := bc.queuedRanges[hash]
	if !ok {
		return
	}
	delete(bc.queuedRanges, hash)

	for n := r.Start; n < r.End; n++ {
		bc.ledger.Delete(&rangeEntry{start: n})
	}
}

// ClearPeerDownload releases the range assigned to the given peer. If other
// peers are still downloading the same range its in-flight count is
// decremented; otherwise the range is dropped from the ledger so it becomes
// requestable again.
func (bc *BlockCollection) ClearPeerDownload(who types.PeerID) {
	start, ok := bc.peerRequests[who]
	if !ok {
		return
	}
	delete(bc.peerRequests, who)

	e := bc.get(start)
	if e == nil || e.state != rangeStateDownloading {
		return
	}
	if e.peers > 1 {
		e.peers--
		return
	}
	bc.ledger.Delete(&rangeEntry{start: start})
}

// Clear wipes the ledger and the peer request table. The queued-range index
// survives so batches already handed out can still be released.
func (bc *BlockCollection) Clear() {
	bc.ledger.Clear(false)
	bc.peerRequests = make(map[types.PeerID]int64)
}

// HasPeerDownload reports whether the peer currently has a range assigned.
func (bc *BlockCollection) HasPeerDownload(who types.PeerID) bool {
	_, ok := bc.peerRequests[who]
	return ok
}

// NumRanges returns the number of ledger entries.
func (bc *BlockCollection) NumRanges() int { return bc.ledger.Len() }

// NumQueued returns the number of extracted batches awaiting import
// confirmation.
func (bc *BlockCollection) NumQueued() int { return len(bc.queuedRanges) }

func (bc *BlockCollection) get(start int64) *rangeEntry {
	item := bc.ledger.Get(&rangeEntry{start: start})
	if item == nil {
		return nil
	}
	return item.(*rangeEntry)
}

func (bc *BlockCollection) entries() []*rangeEntry {
	entries := make([]*rangeEntry, 0, bc.ledger.Len())
	bc.ledger.Ascend(func(i btree.Item) bool {
		entries = append(entries, i.(*rangeEntry))
		return true
	})
	return entries
}

func (bc *BlockCollection) lowestStart() (int64, bool) {
	item := bc.ledger.Min()
	if item == nil {
		return 0, false
	}
	return item.(*rangeEntry).start, true
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
