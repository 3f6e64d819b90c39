package book

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/1vbutkus/fish-sub000/internal/clob"
	"github.com/1vbutkus/fish-sub000/internal/ladder"
)

// MarketBook pairs the two complementary assets of one binary market. Main
// is conventionally the Yes token and Counter the No token.
type MarketBook struct {
	conditionID string
	main        *AssetBook
	counter     *AssetBook
}

func newMarketBook(conditionID, mainID, counterID string) (MarketBook, error) {
	if mainID == counterID {
		return MarketBook{}, fmt.Errorf("%w: %q", ErrSameAsset, mainID)
	}
	return MarketBook{
		conditionID: conditionID,
		main:        NewAssetBook(mainID),
		counter:     NewAssetBook(counterID),
	}, nil
}

func (m *MarketBook) ConditionID() string { return m.conditionID }
func (m *MarketBook) Main() *AssetBook    { return m.main }
func (m *MarketBook) Counter() *AssetBook { return m.counter }

// EqualsValues compares both asset books by value.
func (m *MarketBook) EqualsValues(o *MarketBook) bool {
	if m == nil || o == nil {
		return m == o
	}
	return m.conditionID == o.conditionID &&
		m.main.EqualsValues(o.main) &&
		m.counter.EqualsValues(o.counter)
}

// route resolves the asset book an event addresses.
func (m *MarketBook) route(market, assetID string) (*AssetBook, error) {
	if market != "" && market != m.conditionID {
		return nil, fmt.Errorf("%w: event for %q on book %q", ErrMarketMismatch, market, m.conditionID)
	}
	switch assetID {
	case m.main.assetID:
		return m.main, nil
	case m.counter.assetID:
		return m.counter, nil
	default:
		return nil, fmt.Errorf("%w: %q in market %s", ErrUnknownAsset, assetID, m.conditionID)
	}
}

// Mismatch is one price where main and counter disagree. Price is the main
// asset's level; the counter level is ladder.CounterPrice(Price) on the
// opposite side.
type Mismatch struct {
	MainSide    ladder.Side
	Price       int64
	MainSize    int64
	CounterSize int64
}

func (x Mismatch) String() string {
	return fmt.Sprintf("main %s %d=%d vs counter %s %d=%d",
		x.MainSide, x.Price, x.MainSize,
		ladder.CounterSide(x.MainSide), ladder.CounterPrice(x.Price), x.CounterSize)
}

// Mismatches lists every level violating main.bids[p] == counter.asks[1000-p]
// and main.asks[p] == counter.bids[1000-p], sorted by side then price.
func (m *MarketBook) Mismatches() []Mismatch {
	var out []Mismatch
	out = appendMismatches(out, ladder.Bid, m.main.ladder.Bids, m.counter.ladder.Asks)
	out = appendMismatches(out, ladder.Ask, m.main.ladder.Asks, m.counter.ladder.Bids)
	return out
}

func appendMismatches(out []Mismatch, side ladder.Side, main, counter map[int64]int64) []Mismatch {
	union := make(map[int64]int64, len(main)+len(counter))
	for p := range main {
		union[p] = 0
	}
	for cp := range counter {
		union[ladder.CounterPrice(cp)] = 0
	}
	for _, p := range ladder.Prices(union) {
		ms, cs := main[p], counter[ladder.CounterPrice(p)]
		if ms != cs {
			out = append(out, Mismatch{MainSide: side, Price: p, MainSize: ms, CounterSize: cs})
		}
	}
	return out
}

// PublicMarketBook is the exchange's view of a market, fed by REST snapshots
// and market-channel events.
type PublicMarketBook struct {
	MarketBook
	log *zap.Logger
}

// NewPublicMarketBook creates an empty public book. A nil logger disables
// logging.
func NewPublicMarketBook(conditionID, mainID, counterID string, log *zap.Logger) (*PublicMarketBook, error) {
	mb, err := newMarketBook(conditionID, mainID, counterID)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PublicMarketBook{
		MarketBook: mb,
		log:        log.With(zap.String("condition_id", conditionID)),
	}, nil
}

// ApplySnapshotBatch applies REST snapshots in order. The first error aborts
// the batch; earlier snapshots stay applied.
func (b *PublicMarketBook) ApplySnapshotBatch(books []clob.OrderBook) error {
	for _, ob := range books {
		ab, err := b.route(ob.Market, ob.AssetID)
		if err != nil {
			return err
		}
		if err := ab.UpdateFromSnapshot(ob); err != nil {
			return err
		}
	}
	return nil
}

// ApplyStreamBatch applies market-channel events in order. Internal
// lifecycle events are skipped.
func (b *PublicMarketBook) ApplyStreamBatch(events []clob.Event) error {
	for _, ev := range events {
		if ev.Type() == clob.EventInternal {
			continue
		}
		ae, ok := ev.(clob.AssetEvent)
		if !ok {
			return fmt.Errorf("%w: %q on market %s", ErrUnknownEventType, ev.Type(), b.conditionID)
		}
		ab, err := b.route(ae.MarketID(), ae.Asset())
		if err != nil {
			return err
		}
		if err := ab.UpdateFromStreamEvent(ev); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the complement invariant. With strict set a violation is
// returned as ErrComplementMismatch; otherwise each mismatch is logged and
// nil is returned.
func (b *PublicMarketBook) Validate(strict bool) error {
	mm := b.Mismatches()
	if len(mm) == 0 {
		return nil
	}
	if strict {
		return fmt.Errorf("%w: %s (%d levels)", ErrComplementMismatch, mm[0], len(mm))
	}
	for _, x := range mm {
		b.log.Warn("complement mismatch", zap.Stringer("level", x))
	}
	return nil
}

// EqualsValues compares both books by ladder contents only.
func (b *PublicMarketBook) EqualsValues(o *PublicMarketBook) bool {
	if b == nil || o == nil {
		return b == o
	}
	return b.MarketBook.EqualsValues(&o.MarketBook)
}
