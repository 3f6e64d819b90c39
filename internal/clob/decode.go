package clob

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/1vbutkus/fish-sub000/internal/ladder"
)

var ErrMalformedFrame = errors.New("malformed frame")

// flexString accepts both JSON strings and JSON numbers.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

// ParseTimestamp converts the exchange's unix timestamp to time.Time. The
// exchange sends milliseconds; values that look like seconds are accepted
// with an optional fraction.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if ms < 1e11 {
			return time.Unix(ms, 0), nil
		}
		return time.UnixMilli(ms), nil
	}
	sec, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrMalformedFrame, raw)
	}
	return time.UnixMicro(int64(sec * 1e6)), nil
}

type rawEnvelope struct {
	EventType string `json:"event_type"`
}

type rawLevel struct {
	Price flexString `json:"price"`
	Size  flexString `json:"size"`
}

type rawBook struct {
	Market    string     `json:"market"`
	AssetID   string     `json:"asset_id"`
	Timestamp flexString `json:"timestamp"`
	Hash      string     `json:"hash"`
	Bids      []rawLevel `json:"bids"`
	Asks      []rawLevel `json:"asks"`
	Buys      []rawLevel `json:"buys"`
	Sells     []rawLevel `json:"sells"`
}

type rawChange struct {
	AssetID string     `json:"asset_id"`
	Price   flexString `json:"price"`
	Size    flexString `json:"size"`
	Side    string     `json:"side"`
	Hash    string     `json:"hash"`
}

type rawPriceChange struct {
	Market       string      `json:"market"`
	AssetID      string      `json:"asset_id"`
	Timestamp    flexString  `json:"timestamp"`
	Hash         string      `json:"hash"`
	Changes      []rawChange `json:"changes"`
	PriceChanges []rawChange `json:"price_changes"`
}

type rawTickSize struct {
	Market      string     `json:"market"`
	AssetID     string     `json:"asset_id"`
	OldTickSize flexString `json:"old_tick_size"`
	NewTickSize flexString `json:"new_tick_size"`
	Timestamp   flexString `json:"timestamp"`
}

type rawLastTrade struct {
	Market    string     `json:"market"`
	AssetID   string     `json:"asset_id"`
	Price     flexString `json:"price"`
	Size      flexString `json:"size"`
	Side      string     `json:"side"`
	Timestamp flexString `json:"timestamp"`
}

type rawOrder struct {
	ID           string     `json:"id"`
	Market       string     `json:"market"`
	AssetID      string     `json:"asset_id"`
	Outcome      string     `json:"outcome"`
	Side         string     `json:"side"`
	Price        flexString `json:"price"`
	OriginalSize flexString `json:"original_size"`
	SizeMatched  flexString `json:"size_matched"`
	Status       string     `json:"status"`
	Type         string     `json:"type"`
	Timestamp    flexString `json:"timestamp"`
}

type rawTrade struct {
	ID        string     `json:"id"`
	Market    string     `json:"market"`
	AssetID   string     `json:"asset_id"`
	Outcome   string     `json:"outcome"`
	Side      string     `json:"side"`
	Price     flexString `json:"price"`
	Size      flexString `json:"size"`
	Status    string     `json:"status"`
	Timestamp flexString `json:"timestamp"`
}

func levels(raw []rawLevel) []ladder.Level {
	out := make([]ladder.Level, 0, len(raw))
	for _, r := range raw {
		out = append(out, ladder.Level{Price: string(r.Price), Size: string(r.Size)})
	}
	return out
}

// DecodeOrderBook decodes a REST book snapshot.
func DecodeOrderBook(data []byte) (OrderBook, error) {
	var rb rawBook
	if err := json.Unmarshal(data, &rb); err != nil {
		return OrderBook{}, fmt.Errorf("%w: book: %v", ErrMalformedFrame, err)
	}
	return rb.toOrderBook()
}

func (rb rawBook) toOrderBook() (OrderBook, error) {
	ts, err := ParseTimestamp(string(rb.Timestamp))
	if err != nil {
		return OrderBook{}, err
	}
	bids, asks := rb.Bids, rb.Asks
	if len(bids) == 0 && len(rb.Buys) > 0 {
		bids = rb.Buys
	}
	if len(asks) == 0 && len(rb.Sells) > 0 {
		asks = rb.Sells
	}
	return OrderBook{
		Market:    rb.Market,
		AssetID:   rb.AssetID,
		Timestamp: ts,
		Hash:      rb.Hash,
		Bids:      levels(bids),
		Asks:      levels(asks),
	}, nil
}

// DecodeHouseOrder decodes a REST open-order record.
func DecodeHouseOrder(data []byte) (HouseOrder, error) {
	var ro rawOrder
	if err := json.Unmarshal(data, &ro); err != nil {
		return HouseOrder{}, fmt.Errorf("%w: order: %v", ErrMalformedFrame, err)
	}
	return ro.toHouseOrder(), nil
}

func (ro rawOrder) toHouseOrder() HouseOrder {
	status := strings.ToUpper(ro.Status)
	if status == "" {
		switch strings.ToUpper(ro.Type) {
		case "PLACEMENT", "UPDATE":
			status = StatusLive
		case "CANCELLATION":
			status = StatusCanceled
		}
	}
	return HouseOrder{
		ID:           ro.ID,
		Market:       ro.Market,
		AssetID:      ro.AssetID,
		Outcome:      ro.Outcome,
		Side:         ro.Side,
		Price:        string(ro.Price),
		OriginalSize: string(ro.OriginalSize),
		SizeMatched:  string(ro.SizeMatched),
		Status:       status,
	}
}

// DecodeFrame splits an inbound text frame into typed events. Frames are
// JSON arrays of event objects; a bare object is accepted as a one-element
// array. Every event is stamped with received.
func DecodeFrame(data []byte, received time.Time) ([]Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedFrame)
	}

	var elems []json.RawMessage
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &elems); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
	case '{':
		elems = []json.RawMessage{data}
	default:
		return nil, fmt.Errorf("%w: not json: %.32q", ErrMalformedFrame, data)
	}

	meta := Meta{Received: received}
	out := make([]Event, 0, len(elems))
	for _, elem := range elems {
		evs, err := decodeElement(elem, meta)
		if err != nil {
			return out, err
		}
		out = append(out, evs...)
	}
	return out, nil
}

func decodeElement(elem json.RawMessage, meta Meta) ([]Event, error) {
	var env rawEnvelope
	if err := json.Unmarshal(elem, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch EventType(env.EventType) {
	case EventBook:
		var rb rawBook
		if err := json.Unmarshal(elem, &rb); err != nil {
			return nil, fmt.Errorf("%w: book: %v", ErrMalformedFrame, err)
		}
		ob, err := rb.toOrderBook()
		if err != nil {
			return nil, err
		}
		return []Event{BookEvent{OrderBook: ob, Meta: meta}}, nil

	case EventPriceChange:
		var rp rawPriceChange
		if err := json.Unmarshal(elem, &rp); err != nil {
			return nil, fmt.Errorf("%w: price_change: %v", ErrMalformedFrame, err)
		}
		return rp.split(meta)

	case EventTickSizeChange:
		var rt rawTickSize
		if err := json.Unmarshal(elem, &rt); err != nil {
			return nil, fmt.Errorf("%w: tick_size_change: %v", ErrMalformedFrame, err)
		}
		ts, err := ParseTimestamp(string(rt.Timestamp))
		if err != nil {
			return nil, err
		}
		return []Event{TickSizeChangeEvent{
			Market:      rt.Market,
			AssetID:     rt.AssetID,
			OldTickSize: string(rt.OldTickSize),
			NewTickSize: string(rt.NewTickSize),
			Timestamp:   ts,
			Meta:        meta,
		}}, nil

	case EventLastTradePrice:
		var rl rawLastTrade
		if err := json.Unmarshal(elem, &rl); err != nil {
			return nil, fmt.Errorf("%w: last_trade_price: %v", ErrMalformedFrame, err)
		}
		ts, err := ParseTimestamp(string(rl.Timestamp))
		if err != nil {
			return nil, err
		}
		return []Event{LastTradePriceEvent{
			Market:    rl.Market,
			AssetID:   rl.AssetID,
			Price:     string(rl.Price),
			Size:      string(rl.Size),
			Side:      rl.Side,
			Timestamp: ts,
			Meta:      meta,
		}}, nil

	case EventOrder:
		var ro rawOrder
		if err := json.Unmarshal(elem, &ro); err != nil {
			return nil, fmt.Errorf("%w: order: %v", ErrMalformedFrame, err)
		}
		ts, err := ParseTimestamp(string(ro.Timestamp))
		if err != nil {
			return nil, err
		}
		return []Event{OrderEvent{
			HouseOrder: ro.toHouseOrder(),
			Action:     ro.Type,
			Timestamp:  ts,
			Meta:       meta,
		}}, nil

	case EventTrade:
		var rt rawTrade
		if err := json.Unmarshal(elem, &rt); err != nil {
			return nil, fmt.Errorf("%w: trade: %v", ErrMalformedFrame, err)
		}
		ts, err := ParseTimestamp(string(rt.Timestamp))
		if err != nil {
			return nil, err
		}
		return []Event{TradeEvent{
			ID:        rt.ID,
			Market:    rt.Market,
			AssetID:   rt.AssetID,
			Outcome:   rt.Outcome,
			Side:      rt.Side,
			Price:     string(rt.Price),
			Size:      string(rt.Size),
			Status:    strings.ToUpper(rt.Status),
			Timestamp: ts,
			Meta:      meta,
		}}, nil

	default:
		raw := make([]byte, len(elem))
		copy(raw, elem)
		return []Event{UnknownEvent{EventType: env.EventType, Raw: raw, Meta: meta}}, nil
	}
}

// split turns one price_change element into one event per asset. The
// per-asset shape carries changes[] under a top-level asset_id; the batched
// shape carries price_changes[] with an asset_id and hash on every item.
func (rp rawPriceChange) split(meta Meta) ([]Event, error) {
	ts, err := ParseTimestamp(string(rp.Timestamp))
	if err != nil {
		return nil, err
	}

	if len(rp.PriceChanges) == 0 {
		ev := PriceChangeEvent{
			Market:    rp.Market,
			AssetID:   rp.AssetID,
			Timestamp: ts,
			Hash:      rp.Hash,
			Changes:   toChanges(rp.Changes),
			Meta:      meta,
		}
		return []Event{ev}, nil
	}

	var order []string
	byAsset := make(map[string]*PriceChangeEvent)
	for _, c := range rp.PriceChanges {
		asset := c.AssetID
		if asset == "" {
			asset = rp.AssetID
		}
		ev, ok := byAsset[asset]
		if !ok {
			ev = &PriceChangeEvent{
				Market:    rp.Market,
				AssetID:   asset,
				Timestamp: ts,
				Hash:      rp.Hash,
				Meta:      meta,
			}
			byAsset[asset] = ev
			order = append(order, asset)
		}
		ev.Changes = append(ev.Changes, PriceChange{Price: string(c.Price), Size: string(c.Size), Side: c.Side})
		if c.Hash != "" {
			ev.Hash = c.Hash
		}
	}

	out := make([]Event, 0, len(order))
	for _, asset := range order {
		out = append(out, *byAsset[asset])
	}
	return out, nil
}

func toChanges(raw []rawChange) []PriceChange {
	out := make([]PriceChange, 0, len(raw))
	for _, c := range raw {
		out = append(out, PriceChange{Price: string(c.Price), Size: string(c.Size), Side: c.Side})
	}
	return out
}
