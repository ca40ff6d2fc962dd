package blocksync

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/nautlabs/nautsync/libs/log"
	"github.com/nautlabs/nautsync/types"
)

func TestCollectionProperties(t *testing.T) {
	rapid.Check(t, rapid.Run(&collectionModel{}))
}

// collectionModel cuts a chain into contiguous ranges and feeds them to a
// BlockCollection in random order, interleaving drains and import
// confirmations. Whatever the order, the drained stream must be the chain in
// ascending order with every height delivered exactly once.
type collectionModel struct {
	bc *BlockCollection

	total       int64
	pending     []BlockRange
	next        int64 // first height not yet drained
	unconfirmed []types.BlockData
}

func (m *collectionModel) Init(t *rapid.T) {
	m.bc = NewBlockCollection(log.NewNopLogger())
	m.total = rapid.Int64Range(1, 150).Draw(t, "total").(int64)
	m.next = 1
	m.pending = nil
	m.unconfirmed = nil

	for s := int64(1); s <= m.total; {
		e := s + rapid.Int64Range(1, 30).Draw(t, "len").(int64)
		if e > m.total+1 {
			e = m.total + 1
		}
		m.pending = append(m.pending, BlockRange{Start: s, End: e})
		s = e
	}
}

// Deliver inserts one of the outstanding ranges, picked at random.
func (m *collectionModel) Deliver(t *rapid.T) {
	if len(m.pending) == 0 {
		return
	}
	ix := rapid.IntRange(0, len(m.pending)-1).Draw(t, "index").(int)
	r := m.pending[ix]
	m.pending = append(m.pending[:ix], m.pending[ix+1:]...)

	peer := types.PeerID(fmt.Sprintf("peer%d", ix%3))
	m.bc.Insert(r.Start, makeBlocks(r.Start, r.Len()), peer)
}

// Drain extracts whatever is ready and verifies it continues the chain.
func (m *collectionModel) Drain(t *rapid.T) {
	batch := m.bc.ReadyBlocks(m.next)
	for _, bd := range batch {
		require.Equal(t, m.next, bd.Block.Height)
		m.next++
	}
	m.unconfirmed = append(m.unconfirmed, batch...)
}

// Confirm releases every extracted block, the way the import pipeline does.
func (m *collectionModel) Confirm(t *rapid.T) {
	for _, bd := range m.unconfirmed {
		m.bc.ClearQueued(bd.Block.Hash())
	}
	m.unconfirmed = m.unconfirmed[:0]
}

func (m *collectionModel) Check(t *rapid.T) {
	require.LessOrEqual(t, m.next, m.total+1)

	// Once every range is in, a drain must surface the rest of the chain.
	if len(m.pending) == 0 {
		m.Drain(t)
		require.Equal(t, m.total+1, m.next)
	}
}
