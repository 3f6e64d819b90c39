package book

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/1vbutkus/fish-sub000/internal/clob"
	"github.com/1vbutkus/fish-sub000/internal/ladder"
)

// HouseBook is the book formed by the bot's own resting orders. It is never
// patched level by level: every change to the order set rebuilds both
// ladders from scratch, so the result depends only on the set of live
// orders.
type HouseBook struct {
	MarketBook
	orders map[string]clob.HouseOrder
	now    func() time.Time
}

// NewHouseBook creates an empty house book.
func NewHouseBook(conditionID, mainID, counterID string) (*HouseBook, error) {
	mb, err := newMarketBook(conditionID, mainID, counterID)
	if err != nil {
		return nil, err
	}
	return &HouseBook{
		MarketBook: mb,
		orders:     make(map[string]clob.HouseOrder),
		now:        time.Now,
	}, nil
}

// ResetFromLiveOrderList replaces the order set with a REST listing and
// rebuilds. On error the previous state is kept.
func (h *HouseBook) ResetFromLiveOrderList(orders []clob.HouseOrder) error {
	next := make(map[string]clob.HouseOrder, len(orders))
	for _, o := range orders {
		next[o.ID] = o
	}
	return h.commit(next)
}

// ApplyStreamEvents applies user-channel events in order: a LIVE order is
// upserted, any other status removes it. Internal lifecycle events are
// skipped. The ladders are rebuilt once at the end; on error the previous
// state is kept.
func (h *HouseBook) ApplyStreamEvents(events []clob.Event) error {
	next := make(map[string]clob.HouseOrder, len(h.orders))
	for id, o := range h.orders {
		next[id] = o
	}
	for _, ev := range events {
		switch e := ev.(type) {
		case clob.HouseOrderEvent:
			o := e.Order()
			if o.Status == clob.StatusLive {
				next[o.ID] = o
			} else {
				delete(next, o.ID)
			}
		case clob.InternalEvent:
		default:
			return fmt.Errorf("%w: %q on house book %s", ErrUnknownEventType, ev.Type(), h.conditionID)
		}
	}
	return h.commit(next)
}

// Orders returns the live orders sorted by id.
func (h *HouseBook) Orders() []clob.HouseOrder {
	out := make([]clob.HouseOrder, 0, len(h.orders))
	for _, o := range h.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (h *HouseBook) commit(orders map[string]clob.HouseOrder) error {
	mainL, counterL, err := h.build(orders)
	if err != nil {
		return err
	}
	h.orders = orders
	ts := h.now()
	h.main.replace(mainL, ts)
	h.counter.replace(counterL, ts)
	return nil
}

// Rebuild recomputes both ladders from the current order set.
func (h *HouseBook) Rebuild() error {
	return h.commit(h.orders)
}

// build places each order's remaining size on its own asset and mirrors it
// onto the complementary asset at 1000-p on the opposite side.
func (h *HouseBook) build(orders map[string]clob.HouseOrder) (*ladder.Ladder, *ladder.Ladder, error) {
	mainL, counterL := ladder.New(), ladder.New()

	for _, o := range orders {
		if o.Market != h.conditionID {
			return nil, nil, fmt.Errorf("%w: order %s is on %q, book is %q", ErrMarketMismatch, o.ID, o.Market, h.conditionID)
		}
		if o.Status != clob.StatusLive {
			return nil, nil, fmt.Errorf("%w: order %s is %s", ErrOrderNotLive, o.ID, o.Status)
		}

		side, err := ladder.ParseSide(o.Side)
		if err != nil {
			return nil, nil, fmt.Errorf("order %s: %w", o.ID, err)
		}
		price, err := ladder.ToFixed(o.Price)
		if err != nil {
			return nil, nil, fmt.Errorf("order %s price: %w", o.ID, err)
		}
		original, err := ladder.ToFixed(o.OriginalSize)
		if err != nil {
			return nil, nil, fmt.Errorf("order %s original_size: %w", o.ID, err)
		}
		matched := int64(0)
		if o.SizeMatched != "" {
			if matched, err = ladder.ToFixed(o.SizeMatched); err != nil {
				return nil, nil, fmt.Errorf("order %s size_matched: %w", o.ID, err)
			}
		}
		remaining := original - matched
		if remaining <= 0 {
			continue
		}

		own, mirror, asset := mainL, counterL, h.main.assetID
		switch {
		case strings.EqualFold(o.Outcome, clob.OutcomeYes):
		case strings.EqualFold(o.Outcome, clob.OutcomeNo):
			own, mirror, asset = counterL, mainL, h.counter.assetID
		default:
			return nil, nil, fmt.Errorf("%w: order %s outcome %q", ErrUnknownOutcome, o.ID, o.Outcome)
		}
		if o.AssetID != asset {
			return nil, nil, fmt.Errorf("%w: order %s outcome %s is asset %q, not %q", ErrUnknownAsset, o.ID, o.Outcome, asset, o.AssetID)
		}
		if err := own.Add(price, remaining, side); err != nil {
			return nil, nil, err
		}
		if err := mirror.Add(ladder.CounterPrice(price), remaining, ladder.CounterSide(side)); err != nil {
			return nil, nil, err
		}
	}
	return mainL, counterL, nil
}

// EqualsValues compares the derived ladders. Two books built from different
// but equivalent order sets compare equal.
func (h *HouseBook) EqualsValues(o *HouseBook) bool {
	if h == nil || o == nil {
		return h == o
	}
	return h.MarketBook.EqualsValues(&o.MarketBook)
}
