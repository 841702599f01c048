package buffer

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkInvariant(t *testing.T, b *Buffer) {
	t.Helper()
	require.GreaterOrEqual(t, b.ReadOffset(), 0)
	require.LessOrEqual(t, b.ReadOffset(), b.WriteOffset())
	require.LessOrEqual(t, b.WriteOffset(), b.Cap())
}

func TestGrowDoublesOrFits(t *testing.T) {
	b := New(8, 0)
	require.NoError(t, b.Grow(4))
	assert.Equal(t, 8, b.Cap(), "no realloc when it fits")

	_, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	require.NoError(t, b.Grow(4))
	assert.Equal(t, 16, b.Cap(), "doubling wins over exact fit")

	require.NoError(t, b.Grow(100))
	assert.Equal(t, 106, b.Cap(), "exact fit wins over doubling")
	assert.Equal(t, "abcdef", string(b.Unread()))
}

func TestGrowFromZero(t *testing.T) {
	b := New(0, 0)
	require.NoError(t, b.Grow(10))
	assert.Equal(t, 10, b.Cap())
}

func TestGrowRespectsLimit(t *testing.T) {
	b := New(8, 20)
	_, err := b.Write(make([]byte, 8))
	require.NoError(t, err)

	require.NoError(t, b.Grow(10))
	assert.Equal(t, 18, b.Cap())

	require.NoError(t, b.Grow(12))
	assert.Equal(t, 20, b.Cap(), "doubling clamps to the limit")

	err = b.Grow(13)
	require.ErrorIs(t, err, ErrTooLarge)
	assert.Equal(t, 20, b.Cap())
	checkInvariant(t, b)
}

func TestCompactOnlyWhenBeneficial(t *testing.T) {
	b := New(10, 0)
	_, err := b.Write([]byte("0123456789"))
	require.NoError(t, err)

	require.NoError(t, b.Consume(2))
	// free right = 0, wasted left = 2
	assert.True(t, b.Compact())
	assert.Equal(t, 0, b.ReadOffset())
	assert.Equal(t, 8, b.WriteOffset())
	assert.Equal(t, "23456789", string(b.Unread()))

	require.NoError(t, b.Consume(1))
	// free right = 2, wasted left = 1
	assert.False(t, b.Compact())
	assert.Equal(t, 1, b.ReadOffset())
}

func TestCursorBounds(t *testing.T) {
	b := New(4, 0)
	require.ErrorIs(t, b.Commit(5), ErrOutOfRange)
	require.ErrorIs(t, b.Consume(1), ErrOutOfRange)
	require.ErrorIs(t, b.Grow(-1), ErrOutOfRange)

	copy(b.Free(), "ab")
	require.NoError(t, b.Commit(2))
	require.ErrorIs(t, b.Consume(3), ErrOutOfRange)
	require.NoError(t, b.Consume(2))
	assert.Equal(t, 0, b.Len())
	checkInvariant(t, b)
}

func TestReset(t *testing.T) {
	b := New(4, 0)
	_, err := b.Write([]byte("abcdefgh"))
	require.NoError(t, err)
	require.NoError(t, b.Consume(3))
	c := b.Cap()

	b.Reset()
	assert.Equal(t, 0, b.ReadOffset())
	assert.Equal(t, 0, b.WriteOffset())
	assert.Equal(t, c, b.Cap())
}

// TestRandomOperationsPreserveContent mirrors every operation on a plain
// slice and checks the unread window never diverges from it.
func TestRandomOperationsPreserveContent(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	b := New(16, 1<<20)
	var model []byte
	lastCap := b.Cap()

	for i := 0; i < 5000; i++ {
		switch rng.Intn(4) {
		case 0:
			n := rng.Intn(64)
			require.NoError(t, b.Grow(n))
			require.GreaterOrEqual(t, b.Cap(), b.WriteOffset()+n)
		case 1:
			p := make([]byte, rng.Intn(48))
			rng.Read(p)
			_, err := b.Write(p)
			require.NoError(t, err)
			model = append(model, p...)
		case 2:
			if b.Len() == 0 {
				continue
			}
			n := rng.Intn(b.Len() + 1)
			require.NoError(t, b.Consume(n))
			model = model[n:]
		case 3:
			b.Compact()
		}
		checkInvariant(t, b)
		require.GreaterOrEqual(t, b.Cap(), lastCap, "capacity never shrinks")
		lastCap = b.Cap()
		require.True(t, bytes.Equal(model, b.Unread()), "content diverged at step %d", i)
	}
}
