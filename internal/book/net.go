package book

import (
	"fmt"
	"sort"
	"time"

	"github.com/1vbutkus/fish-sub000/internal/ladder"
)

// NetAsset is the net ladder of one asset.
type NetAsset struct {
	AssetID string
	Ladder  *ladder.Ladder
}

// NetBook is the public book with the house book's liquidity removed, i.e.
// what the rest of the market is quoting.
type NetBook struct {
	ConditionID string
	Main        NetAsset
	Counter     NetAsset
	ComputedAt  time.Time
}

// NewNetBook subtracts house from public level by level. Levels whose net
// size is zero are dropped. With validate set a negative net size fails with
// ErrNegativeNetSize; otherwise such levels are dropped too.
func NewNetBook(public *PublicMarketBook, house *HouseBook, validate bool) (*NetBook, error) {
	if public.conditionID != house.conditionID {
		return nil, fmt.Errorf("%w: public %q, house %q", ErrMarketMismatch, public.conditionID, house.conditionID)
	}
	if public.main.assetID != house.main.assetID || public.counter.assetID != house.counter.assetID {
		return nil, fmt.Errorf("%w: public assets %s/%s, house assets %s/%s", ErrUnknownAsset,
			public.main.assetID, public.counter.assetID, house.main.assetID, house.counter.assetID)
	}

	mainL, err := subtract(public.main, house.main, validate)
	if err != nil {
		return nil, err
	}
	counterL, err := subtract(public.counter, house.counter, validate)
	if err != nil {
		return nil, err
	}
	return &NetBook{
		ConditionID: public.conditionID,
		Main:        NetAsset{AssetID: public.main.assetID, Ladder: mainL},
		Counter:     NetAsset{AssetID: public.counter.assetID, Ladder: counterL},
		ComputedAt:  time.Now(),
	}, nil
}

func subtract(pub, house *AssetBook, validate bool) (*ladder.Ladder, error) {
	out := ladder.New()
	if err := subtractSide(out.Bids, pub.ladder.Bids, house.ladder.Bids, pub.assetID, ladder.Bid, validate); err != nil {
		return nil, err
	}
	if err := subtractSide(out.Asks, pub.ladder.Asks, house.ladder.Asks, pub.assetID, ladder.Ask, validate); err != nil {
		return nil, err
	}
	return out, nil
}

func subtractSide(dst, pub, house map[int64]int64, assetID string, side ladder.Side, validate bool) error {
	for p, s := range pub {
		if net := s - house[p]; net > 0 {
			dst[p] = net
		} else if net < 0 && validate {
			return fmt.Errorf("%w: asset %s %s %d public=%d house=%d", ErrNegativeNetSize, assetID, side, p, s, house[p])
		}
	}
	if !validate {
		return nil
	}
	for p, s := range house {
		if _, ok := pub[p]; !ok && s > 0 {
			return fmt.Errorf("%w: asset %s %s %d public=0 house=%d", ErrNegativeNetSize, assetID, side, p, s)
		}
	}
	return nil
}

// GetBestPrices returns the main asset's best net bid and ask in fixed point.
// An empty side reports 0 for the bid and 1000 for the ask.
func (n *NetBook) GetBestPrices() (bid, ask int64) {
	bid, ok := n.Main.Ladder.BestBid()
	if !ok {
		bid = 0
	}
	ask, ok = n.Main.Ladder.BestAsk()
	if !ok {
		ask = ladder.Scale
	}
	return bid, ask
}

// LevelDiff is the size change of one level between two net books.
type LevelDiff struct {
	AssetID string
	Side    ladder.Side
	Price   int64
	Delta   int64
}

// DiffReport lists the changed levels between two net books, main asset
// first, then bids before asks, each by ascending price.
type DiffReport struct {
	ConditionID string
	Levels      []LevelDiff
}

func (d DiffReport) Empty() bool { return len(d.Levels) == 0 }

// Sub reports n minus other level by level. A nil other is treated as an
// empty book.
func (n *NetBook) Sub(other *NetBook) DiffReport {
	rep := DiffReport{ConditionID: n.ConditionID}
	var prevMain, prevCounter *ladder.Ladder
	if other != nil {
		prevMain, prevCounter = other.Main.Ladder, other.Counter.Ladder
	}
	rep.Levels = appendDiffs(rep.Levels, n.Main, prevMain)
	rep.Levels = appendDiffs(rep.Levels, n.Counter, prevCounter)
	return rep
}

func appendDiffs(out []LevelDiff, cur NetAsset, prev *ladder.Ladder) []LevelDiff {
	if prev == nil {
		prev = ladder.New()
	}
	out = appendSideDiffs(out, cur.AssetID, ladder.Bid, cur.Ladder.Bids, prev.Bids)
	out = appendSideDiffs(out, cur.AssetID, ladder.Ask, cur.Ladder.Asks, prev.Asks)
	return out
}

func appendSideDiffs(out []LevelDiff, assetID string, side ladder.Side, cur, prev map[int64]int64) []LevelDiff {
	var prices []int64
	for p, s := range cur {
		if prev[p] != s {
			prices = append(prices, p)
		}
	}
	for p := range prev {
		if _, ok := cur[p]; !ok {
			prices = append(prices, p)
		}
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i] < prices[j] })
	for _, p := range prices {
		out = append(out, LevelDiff{AssetID: assetID, Side: side, Price: p, Delta: cur[p] - prev[p]})
	}
	return out
}
