package book

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1vbutkus/fish-sub000/internal/clob"
	"github.com/1vbutkus/fish-sub000/internal/ladder"
)

func marketWithHouse(t *testing.T, orders ...clob.HouseOrder) (*PublicMarketBook, *HouseBook) {
	t.Helper()
	pub := newPublic(t)
	require.NoError(t, pub.ApplySnapshotBatch([]clob.OrderBook{
		snapshot("m", "yes", ms(1),
			[]ladder.Level{{Price: "0.16", Size: "50"}, {Price: "0.15", Size: "10"}},
			[]ladder.Level{{Price: "0.20", Size: "8"}, {Price: "0.22", Size: "3"}}),
		snapshot("m", "no", ms(1),
			[]ladder.Level{{Price: "0.80", Size: "8"}, {Price: "0.78", Size: "3"}},
			[]ladder.Level{{Price: "0.84", Size: "50"}, {Price: "0.85", Size: "10"}}),
	}))
	house := newHouse(t)
	require.NoError(t, house.ResetFromLiveOrderList(orders))
	return pub, house
}

func TestNetBook_SubtractsHouse(t *testing.T) {
	pub, house := marketWithHouse(t,
		order("o1", "Yes", "BUY", "0.16", "20", "0"),
		order("o2", "Yes", "ASK", "0.20", "8", "0"),
	)

	net, err := NewNetBook(pub, house, true)
	require.NoError(t, err)

	assert.Equal(t, "m", net.ConditionID)
	assert.Equal(t, map[int64]int64{160: 30000, 150: 10000}, net.Main.Ladder.Bids)
	assert.Equal(t, map[int64]int64{220: 3000}, net.Main.Ladder.Asks)
	assert.Equal(t, map[int64]int64{840: 30000, 850: 10000}, net.Counter.Ladder.Asks)
	assert.Equal(t, map[int64]int64{780: 3000}, net.Counter.Ladder.Bids)

	for _, side := range []ladder.Side{ladder.Bid, ladder.Ask} {
		for _, a := range []struct{ pub, house, net *ladder.Ladder }{
			{pub.Main().Ladder(), house.Main().Ladder(), net.Main.Ladder},
			{pub.Counter().Ladder(), house.Counter().Ladder(), net.Counter.Ladder},
		} {
			p := a.pub.Bids
			if side == ladder.Ask {
				p = a.pub.Asks
			}
			for price, size := range p {
				assert.Equal(t, size-a.house.Get(price, side), a.net.Get(price, side))
			}
		}
	}

	bid, ask := net.GetBestPrices()
	assert.Equal(t, int64(160), bid)
	assert.Equal(t, int64(220), ask)
}

func TestNetBook_NegativeSize(t *testing.T) {
	pub, house := marketWithHouse(t, order("o1", "Yes", "BUY", "0.16", "60", "0"))

	_, err := NewNetBook(pub, house, true)
	assert.True(t, errors.Is(err, ErrNegativeNetSize))

	net, err := NewNetBook(pub, house, false)
	require.NoError(t, err)
	_, ok := net.Main.Ladder.Bids[160]
	assert.False(t, ok)
}

func TestNetBook_HouseLevelMissingFromPublic(t *testing.T) {
	pub, house := marketWithHouse(t, order("o1", "Yes", "BUY", "0.10", "1", "0"))
	_, err := NewNetBook(pub, house, true)
	assert.True(t, errors.Is(err, ErrNegativeNetSize))
}

func TestNetBook_Mismatched(t *testing.T) {
	pub := newPublic(t)
	other, err := NewHouseBook("m2", "yes", "no")
	require.NoError(t, err)
	_, err = NewNetBook(pub, other, true)
	assert.True(t, errors.Is(err, ErrMarketMismatch))

	swapped, err := NewHouseBook("m", "no", "yes")
	require.NoError(t, err)
	_, err = NewNetBook(pub, swapped, true)
	assert.True(t, errors.Is(err, ErrUnknownAsset))
}

func TestNetBook_EmptyBestPrices(t *testing.T) {
	net, err := NewNetBook(newPublic(t), newHouse(t), true)
	require.NoError(t, err)
	bid, ask := net.GetBestPrices()
	assert.Equal(t, int64(0), bid)
	assert.Equal(t, int64(ladder.Scale), ask)
}

func TestNetBook_Sub(t *testing.T) {
	pub, house := marketWithHouse(t)
	before, err := NewNetBook(pub, house, true)
	require.NoError(t, err)

	require.NoError(t, house.ResetFromLiveOrderList([]clob.HouseOrder{
		order("o1", "Yes", "BUY", "0.16", "20", "0"),
	}))
	after, err := NewNetBook(pub, house, true)
	require.NoError(t, err)

	rep := after.Sub(before)
	assert.Equal(t, "m", rep.ConditionID)
	assert.Equal(t, []LevelDiff{
		{AssetID: "yes", Side: ladder.Bid, Price: 160, Delta: -20000},
		{AssetID: "no", Side: ladder.Ask, Price: 840, Delta: -20000},
	}, rep.Levels)

	assert.True(t, after.Sub(after).Empty())
	assert.Len(t, before.Sub(nil).Levels, 8)
}
