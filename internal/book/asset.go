// Package book keeps the per-market order book state: the public book as the
// exchange reports it, the house book derived from the bot's own resting
// orders, and the net book that removes the latter from the former.
//
// Books are not safe for concurrent use. One writer at a time is assumed;
// see the monitor package for the refresh cycle that enforces it.
package book

import (
	"fmt"
	"time"

	"github.com/1vbutkus/fish-sub000/internal/clob"
	"github.com/1vbutkus/fish-sub000/internal/ladder"
)

// AssetBook is the book of one tradable asset.
type AssetBook struct {
	assetID   string
	timestamp time.Time
	hash      string
	ladder    *ladder.Ladder
}

// NewAssetBook returns an empty book with a zero timestamp.
func NewAssetBook(assetID string) *AssetBook {
	return &AssetBook{assetID: assetID, ladder: ladder.New()}
}

func (b *AssetBook) AssetID() string      { return b.assetID }
func (b *AssetBook) Timestamp() time.Time { return b.timestamp }
func (b *AssetBook) Hash() string         { return b.hash }

// Ladder exposes the current levels. Callers must treat it as read-only.
func (b *AssetBook) Ladder() *ladder.Ladder { return b.ladder }

func (b *AssetBook) checkUpdate(assetID string, ts time.Time) error {
	if assetID != b.assetID {
		return fmt.Errorf("%w: asset %q applied to book %q", ErrStaleOrMismatchedUpdate, assetID, b.assetID)
	}
	if !ts.After(b.timestamp) {
		return fmt.Errorf("%w: asset %s timestamp %d not after %d",
			ErrStaleOrMismatchedUpdate, assetID, ts.UnixMilli(), b.timestamp.UnixMilli())
	}
	return nil
}

// UpdateFromSnapshot replaces the whole ladder with a full snapshot. The
// snapshot must be for this asset and strictly newer than the book.
func (b *AssetBook) UpdateFromSnapshot(ob clob.OrderBook) error {
	if err := b.checkUpdate(ob.AssetID, ob.Timestamp); err != nil {
		return err
	}
	l, err := ladder.NewFromNativePrices(ob.Bids, ob.Asks)
	if err != nil {
		return fmt.Errorf("asset %s: %w", b.assetID, err)
	}
	b.ladder = l
	b.timestamp = ob.Timestamp
	b.hash = ob.Hash
	return nil
}

// UpdateFromStreamEvent applies one WebSocket event. book events replace the
// ladder, price_change events overwrite individual levels, tick size and
// internal events are accepted without effect, and anything else fails with
// ErrUnknownEventType.
func (b *AssetBook) UpdateFromStreamEvent(ev clob.Event) error {
	switch e := ev.(type) {
	case clob.BookEvent:
		return b.UpdateFromSnapshot(e.OrderBook)
	case clob.PriceChangeEvent:
		return b.applyPriceChange(e)
	case clob.TickSizeChangeEvent, clob.InternalEvent:
		return nil
	default:
		return fmt.Errorf("%w: %q on asset %s", ErrUnknownEventType, ev.Type(), b.assetID)
	}
}

// applyPriceChange is all-or-nothing: a bad change leaves the book as it was.
func (b *AssetBook) applyPriceChange(e clob.PriceChangeEvent) error {
	if err := b.checkUpdate(e.AssetID, e.Timestamp); err != nil {
		return err
	}
	next := b.ladder.Clone()
	for _, c := range e.Changes {
		side, err := ladder.ParseSide(c.Side)
		if err != nil {
			return fmt.Errorf("asset %s: %w", b.assetID, err)
		}
		if err := next.UpdateSingle(c.Price, c.Size, side); err != nil {
			return fmt.Errorf("asset %s: %w", b.assetID, err)
		}
	}
	b.ladder = next
	b.timestamp = e.Timestamp
	b.hash = e.Hash
	return nil
}

// replace installs a derived ladder. Used by the house book rebuild.
func (b *AssetBook) replace(l *ladder.Ladder, ts time.Time) {
	b.ladder = l
	b.timestamp = ts
	b.hash = ""
}

// EqualsValues compares asset id and levels, ignoring timestamp and hash.
func (b *AssetBook) EqualsValues(o *AssetBook) bool {
	if b == nil || o == nil {
		return b == o
	}
	return b.assetID == o.assetID && b.ladder.Equal(o.ladder)
}
