package hushvac

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cssl-unist/hushvac/internal/layout"
)

func TestMaxArenasConstInSync(t *testing.T) {
	require.Equal(t, layout.MaxArenas, maxArenasConst)
}

func TestArenaCreateAllocDestroy(t *testing.T) {
	a, err := ArenaCreate(WithSweeper(false))
	require.NoError(t, err)
	defer a.Destroy()

	p, err := a.Alloc(32)
	require.NoError(t, err)
	require.NotNil(t, p)

	a.heap.Free(p)
}

func TestArenaDestroyTwiceErrors(t *testing.T) {
	a, err := ArenaCreate(WithSweeper(false))
	require.NoError(t, err)
	require.NoError(t, a.Destroy())
	require.Error(t, a.Destroy())
}

func TestArenaCreateExhaustion(t *testing.T) {
	var created []*Arena
	defer func() {
		for _, a := range created {
			a.Destroy()
		}
	}()

	for i := 0; i < maxArenasConst; i++ {
		a, err := ArenaCreate(WithSweeper(false))
		if err != nil {
			require.ErrorIs(t, err, ErrArenaLimit)
			return
		}
		created = append(created, a)
	}
	_, err := ArenaCreate(WithSweeper(false))
	require.ErrorIs(t, err, ErrArenaLimit)
}
