package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockHashDeterministic(t *testing.T) {
	b1 := &Block{Height: 7, Data: []byte("payload")}
	b2 := &Block{Height: 7, Data: []byte("payload")}

	require.Equal(t, b1.Hash(), b2.Hash())
}

func TestBlockHashDistinct(t *testing.T) {
	base := &Block{Height: 7, Data: []byte("payload")}

	assert.NotEqual(t, base.Hash(), (&Block{Height: 8, Data: []byte("payload")}).Hash())
	assert.NotEqual(t, base.Hash(), (&Block{Height: 7, Data: []byte("payloae")}).Hash())
	assert.NotEqual(t, base.Hash(), (&Block{Height: 7}).Hash())
}

func TestBlockIDString(t *testing.T) {
	id := (&Block{Height: 1}).Hash()
	s := id.String()

	require.Len(t, s, 64)
	for _, c := range s {
		require.Contains(t, "0123456789ABCDEF", string(c))
	}
}
