package book

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1vbutkus/fish-sub000/internal/clob"
	"github.com/1vbutkus/fish-sub000/internal/ladder"
)

var t0 = time.UnixMilli(1700000000000)

func ms(n int64) time.Time { return t0.Add(time.Duration(n) * time.Millisecond) }

func snapshot(market, asset string, ts time.Time, bids, asks []ladder.Level) clob.OrderBook {
	return clob.OrderBook{Market: market, AssetID: asset, Timestamp: ts, Hash: "h", Bids: bids, Asks: asks}
}

func priceChange(market, asset string, ts time.Time, changes ...clob.PriceChange) clob.PriceChangeEvent {
	return clob.PriceChangeEvent{Market: market, AssetID: asset, Timestamp: ts, Hash: "pc", Changes: changes}
}

func TestAssetBook_Snapshot(t *testing.T) {
	b := NewAssetBook("yes")
	err := b.UpdateFromSnapshot(snapshot("m", "yes", ms(1),
		[]ladder.Level{{Price: "0.2", Size: "5"}, {Price: "0.19", Size: "0"}},
		[]ladder.Level{{Price: "0.25", Size: "7.5"}}))
	require.NoError(t, err)

	assert.Equal(t, ms(1), b.Timestamp())
	assert.Equal(t, "h", b.Hash())
	assert.Equal(t, map[int64]int64{200: 5000}, b.Ladder().Bids)
	assert.Equal(t, map[int64]int64{250: 7500}, b.Ladder().Asks)
}

func TestAssetBook_RejectsStaleAndForeign(t *testing.T) {
	b := NewAssetBook("yes")
	require.NoError(t, b.UpdateFromSnapshot(snapshot("m", "yes", ms(5), nil, nil)))

	err := b.UpdateFromSnapshot(snapshot("m", "yes", ms(5), nil, nil))
	assert.True(t, errors.Is(err, ErrStaleOrMismatchedUpdate), "equal timestamp must fail")

	err = b.UpdateFromStreamEvent(priceChange("m", "yes", ms(4)))
	assert.True(t, errors.Is(err, ErrStaleOrMismatchedUpdate), "older timestamp must fail")

	err = b.UpdateFromSnapshot(snapshot("m", "no", ms(6), nil, nil))
	assert.True(t, errors.Is(err, ErrStaleOrMismatchedUpdate), "foreign asset must fail")

	assert.Equal(t, ms(5), b.Timestamp())
}

func TestAssetBook_TimestampStrictlyIncreases(t *testing.T) {
	b := NewAssetBook("yes")
	prev := b.Timestamp()
	for i := int64(1); i <= 20; i++ {
		var ev clob.Event
		if i%5 == 0 {
			ev = clob.BookEvent{OrderBook: snapshot("m", "yes", ms(i), []ladder.Level{{Price: "0.5", Size: "1"}}, nil)}
		} else {
			ev = priceChange("m", "yes", ms(i), clob.PriceChange{Price: "0.4", Size: "2", Side: "BUY"})
		}
		require.NoError(t, b.UpdateFromStreamEvent(ev))
		assert.True(t, b.Timestamp().After(prev))
		prev = b.Timestamp()
	}
}

func TestAssetBook_PriceChangeZeroSizeRemovesLevel(t *testing.T) {
	b := NewAssetBook("yes")
	require.NoError(t, b.UpdateFromSnapshot(snapshot("m", "yes", ms(1),
		[]ladder.Level{{Price: "0.20", Size: "5"}, {Price: "0.10", Size: "1"}}, nil)))

	err := b.UpdateFromStreamEvent(priceChange("m", "yes", ms(2),
		clob.PriceChange{Price: "0.20", Size: "0", Side: "BUY"}))
	require.NoError(t, err)

	_, ok := b.Ladder().Bids[200]
	assert.False(t, ok)
	assert.Equal(t, int64(1000), b.Ladder().Bids[100])
	assert.Equal(t, "pc", b.Hash())
}

func TestAssetBook_PriceChangeIsAtomic(t *testing.T) {
	b := NewAssetBook("yes")
	require.NoError(t, b.UpdateFromSnapshot(snapshot("m", "yes", ms(1),
		[]ladder.Level{{Price: "0.20", Size: "5"}}, nil)))

	err := b.UpdateFromStreamEvent(priceChange("m", "yes", ms(2),
		clob.PriceChange{Price: "0.20", Size: "9", Side: "BUY"},
		clob.PriceChange{Price: "0.30", Size: "1", Side: "HOLD"}))
	require.True(t, errors.Is(err, ladder.ErrInvalidSide))

	assert.Equal(t, int64(5000), b.Ladder().Bids[200])
	assert.Equal(t, ms(1), b.Timestamp())
}

func TestAssetBook_ControlEventsIgnored(t *testing.T) {
	b := NewAssetBook("yes")
	require.NoError(t, b.UpdateFromStreamEvent(clob.TickSizeChangeEvent{AssetID: "yes", Timestamp: ms(1)}))
	require.NoError(t, b.UpdateFromStreamEvent(clob.InternalEvent{Name: clob.InternalReconnect}))
	assert.True(t, b.Timestamp().IsZero())

	err := b.UpdateFromStreamEvent(clob.LastTradePriceEvent{AssetID: "yes"})
	assert.True(t, errors.Is(err, ErrUnknownEventType))
	err = b.UpdateFromStreamEvent(clob.UnknownEvent{EventType: "mystery"})
	assert.True(t, errors.Is(err, ErrUnknownEventType))
}
