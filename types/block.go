package types

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// PeerID is the opaque identity of a remote node, assigned by the caller's
// transport layer. The empty string means "no peer".
type PeerID string

// BlockID is a stable content identifier for a block.
type BlockID [sha256.Size]byte

// String returns an uppercase hex representation, as used in logs.
func (id BlockID) String() string {
	return fmt.Sprintf("%X", id[:])
}

// Block is an opaque block payload at a given height. The sync machinery
// never looks inside Data; it only needs heights to order blocks and hashes
// to identify extracted batches.
type Block struct {
	Height int64
	Data   []byte
}

// Hash returns the block's content identifier. It is deterministic for a
// given (Height, Data) pair.
func (b *Block) Hash() BlockID {
	h := sha256.New()

	var hb [8]byte
	binary.BigEndian.PutUint64(hb[:], uint64(b.Height))
	h.Write(hb[:])
	h.Write(b.Data)

	var id BlockID
	copy(id[:], h.Sum(nil))
	return id
}

// BlockData is a downloaded block together with the peer it came from.
// Origin is empty only for blocks fabricated locally (e.g. in tests).
type BlockData struct {
	Block  *Block
	Origin PeerID
}
