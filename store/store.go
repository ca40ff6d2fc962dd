package store

import (
	"encoding/json"
	"fmt"

	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	tmsync "github.com/nautlabs/nautsync/libs/sync"
	"github.com/nautlabs/nautsync/types"
)

/*
BlockStore is a simple low level store for synced blocks. It stores each
block's opaque payload under an ordered key derived from its height, plus a
small JSON state record tracking the contiguous [base, height] span it
holds.

The store can be assumed to contain all contiguous blocks between base and
height (inclusive); SaveBlock enforces this.

NOTE: BlockStore methods will panic if they encounter errors reading or
writing the underlying DB, indicating probable corruption on disk.
*/
type BlockStore struct {
	db dbm.DB

	mtx    tmsync.RWMutex
	base   int64
	height int64
}

// NewBlockStore returns a new BlockStore with the given DB, initialized to
// the last height that was committed to the DB.
func NewBlockStore(db dbm.DB) *BlockStore {
	state := loadBlockStoreState(db)
	return &BlockStore{
		db:     db,
		base:   state.Base,
		height: state.Height,
	}
}

// Base returns the first known contiguous block height, or 0 for empty
// block stores.
func (bs *BlockStore) Base() int64 {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.base
}

// Height returns the last known contiguous block height, or 0 for empty
// block stores.
func (bs *BlockStore) Height() int64 {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.height
}

// Size returns the number of blocks in the block store.
func (bs *BlockStore) Size() int64 {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	if bs.height == 0 {
		return 0
	}
	return bs.height - bs.base + 1
}

// LoadBlock returns the block with the given height. If no block is found
// for that height, it returns nil.
func (bs *BlockStore) LoadBlock(height int64) *types.Block {
	ok, err := bs.db.Has(blockKey(height))
	if err != nil {
		panic(err)
	}
	if !ok {
		return nil
	}

	data, err := bs.db.Get(blockKey(height))
	if err != nil {
		panic(err)
	}
	return &types.Block{Height: height, Data: data}
}

// SaveBlock persists the given block. Blocks must be saved in order, one
// past the store's current height; the first saved block establishes the
// base.
func (bs *BlockStore) SaveBlock(block *types.Block) {
	if block == nil {
		panic("BlockStore can only save a non-nil block")
	}

	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if bs.height > 0 && block.Height != bs.height+1 {
		panic(fmt.Sprintf("BlockStore can only save contiguous blocks. Wanted %v, got %v",
			bs.height+1, block.Height))
	}

	if err := bs.db.Set(blockKey(block.Height), block.Data); err != nil {
		panic(err)
	}

	if bs.base == 0 {
		bs.base = block.Height
	}
	bs.height = block.Height
	bs.saveStateLocked()
}

// CONTRACT: bs.mtx must be locked.
func (bs *BlockStore) saveStateLocked() {
	state := blockStoreState{Base: bs.base, Height: bs.height}
	bytes, err := json.Marshal(state)
	if err != nil {
		panic(err)
	}
	if err := bs.db.SetSync(blockStoreStateKey, bytes); err != nil {
		panic(err)
	}
}

//-----------------------------------------------------------------------------

var blockStoreStateKey = []byte("blockStore")

// prefixBlock namespaces block payload keys in the DB.
const prefixBlock = int64(0)

func blockKey(height int64) []byte {
	key, err := orderedcode.Append(nil, prefixBlock, height)
	if err != nil {
		panic(err)
	}
	return key
}

// blockStoreState tracks the span of blocks the store holds.
type blockStoreState struct {
	Base   int64 `json:"base"`
	Height int64 `json:"height"`
}

func loadBlockStoreState(db dbm.DB) blockStoreState {
	bytes, err := db.Get(blockStoreStateKey)
	if err != nil {
		panic(err)
	}
	if len(bytes) == 0 {
		return blockStoreState{}
	}

	var state blockStoreState
	if err := json.Unmarshal(bytes, &state); err != nil {
		panic(fmt.Sprintf("could not unmarshal block store state: %v", err))
	}
	return state
}
