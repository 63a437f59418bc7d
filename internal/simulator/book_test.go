package simulator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/orderbook"
)

func TestBookDiffsReplayToSnapshot(t *testing.T) {
	b := NewBook("BTCUSDT", 100, 5000, 42)

	initial := b.Snapshot()
	snap, err := initial.ToDomain()
	require.NoError(t, err)
	local := orderbook.New()
	local.Reset(snap)

	for i := 0; i < 500; i++ {
		api := b.Next()
		require.Equal(t, api.FinalUpdateID-1, api.PrevFinalUpdateID)
		require.Equal(t, api.FirstUpdateID, api.FinalUpdateID)

		ev, err := api.ToDomain()
		require.NoError(t, err)
		require.Equal(t, local.LastUpdateID(), ev.PrevFinalUpdateID, "diff %d does not chain", i)
		local.Apply(ev)
	}

	final := b.Snapshot()
	want, err := final.ToDomain()
	require.NoError(t, err)
	assert.Equal(t, want.LastUpdateID, local.LastUpdateID())

	bids, asks := local.Depth()
	assert.Equal(t, len(want.Bids), bids)
	assert.Equal(t, len(want.Asks), asks)
	for _, lvl := range want.Bids {
		qty, ok := local.Qty(orderbook.Bid, lvl.Price)
		require.True(t, ok, "bid %s missing", lvl.Price)
		assert.True(t, qty.Equal(lvl.Qty))
	}
	for _, lvl := range want.Asks {
		qty, ok := local.Qty(orderbook.Ask, lvl.Price)
		require.True(t, ok, "ask %s missing", lvl.Price)
		assert.True(t, qty.Equal(lvl.Qty))
	}
}

func TestBookSnapshotOrdering(t *testing.T) {
	snap := NewBook("BTCUSDT", 250, 1, 1).Snapshot()

	require.Len(t, snap.Bids, 10)
	require.Len(t, snap.Asks, 10)
	assert.Equal(t, "249.50", snap.Bids[0][0])
	assert.Equal(t, "250.50", snap.Asks[0][0])
	assert.Equal(t, "220.00", snap.Bids[9][0])
	assert.Equal(t, "280.00", snap.Asks[9][0])
}

func TestBookDeletesUseFeedZero(t *testing.T) {
	b := NewBook("BTCUSDT", 100, 1, 3)

	found := false
	for i := 0; i < 300 && !found; i++ {
		ev := b.Next()
		for _, lvl := range append(ev.Bids, ev.Asks...) {
			if lvl[1] == removedQty {
				found = true
			}
		}
	}
	assert.True(t, found, "expected at least one level removal in 300 diffs")
}
