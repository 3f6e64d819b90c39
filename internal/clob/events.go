// Package clob holds the typed wire model of the exchange: REST snapshot
// shapes and the tagged union of WebSocket events. Raw JSON is decoded here
// and nowhere else.
package clob

import (
	"time"

	"github.com/1vbutkus/fish-sub000/internal/ladder"
)

// EventType discriminates WebSocket events.
type EventType string

const (
	EventBook           EventType = "book"
	EventPriceChange    EventType = "price_change"
	EventTickSizeChange EventType = "tick_size_change"
	EventLastTradePrice EventType = "last_trade_price"
	EventOrder          EventType = "order"
	EventTrade          EventType = "trade"
	EventInternal       EventType = "_internal"
)

// Lifecycle names carried by InternalEvent.
const (
	InternalOpen      = "open"
	InternalClose     = "close"
	InternalError     = "error"
	InternalReconnect = "reconnect"
)

// Order statuses the engine cares about.
const (
	StatusLive     = "LIVE"
	StatusCanceled = "CANCELED"
)

// Outcome labels of a binary market.
const (
	OutcomeYes = "Yes"
	OutcomeNo  = "No"
)

// Event is one decoded element of an inbound frame.
type Event interface {
	Type() EventType
	ReceivedAt() time.Time
}

// AssetEvent is an event addressed to one asset of one market.
type AssetEvent interface {
	Event
	Asset() string
	MarketID() string
}

// HouseOrderEvent is an event that carries the state of one house order.
type HouseOrderEvent interface {
	Event
	Order() HouseOrder
}

// Meta carries the local receive time (_rt) of a frame.
type Meta struct {
	Received time.Time
}

func (m Meta) ReceivedAt() time.Time { return m.Received }

// OrderBook is a full book snapshot, either polled over REST or pushed as a
// "book" event.
type OrderBook struct {
	Market    string
	AssetID   string
	Timestamp time.Time
	Hash      string
	Bids      []ladder.Level
	Asks      []ladder.Level
}

func (b OrderBook) Asset() string    { return b.AssetID }
func (b OrderBook) MarketID() string { return b.Market }

type BookEvent struct {
	OrderBook
	Meta
}

func (BookEvent) Type() EventType { return EventBook }

// PriceChange is a single level overwrite.
type PriceChange struct {
	Price string
	Size  string
	Side  string
}

type PriceChangeEvent struct {
	Market    string
	AssetID   string
	Timestamp time.Time
	Hash      string
	Changes   []PriceChange
	Meta
}

func (PriceChangeEvent) Type() EventType    { return EventPriceChange }
func (e PriceChangeEvent) Asset() string    { return e.AssetID }
func (e PriceChangeEvent) MarketID() string { return e.Market }

type TickSizeChangeEvent struct {
	Market      string
	AssetID     string
	OldTickSize string
	NewTickSize string
	Timestamp   time.Time
	Meta
}

func (TickSizeChangeEvent) Type() EventType    { return EventTickSizeChange }
func (e TickSizeChangeEvent) Asset() string    { return e.AssetID }
func (e TickSizeChangeEvent) MarketID() string { return e.Market }

type LastTradePriceEvent struct {
	Market    string
	AssetID   string
	Price     string
	Size      string
	Side      string
	Timestamp time.Time
	Meta
}

func (LastTradePriceEvent) Type() EventType    { return EventLastTradePrice }
func (e LastTradePriceEvent) Asset() string    { return e.AssetID }
func (e LastTradePriceEvent) MarketID() string { return e.Market }

// HouseOrder is one of the bot's own orders.
type HouseOrder struct {
	ID           string
	Market       string
	AssetID      string
	Outcome      string
	Side         string
	Price        string
	OriginalSize string
	SizeMatched  string
	Status       string
}

// OrderEvent is a user-channel order update. Action is the exchange's
// PLACEMENT/UPDATE/CANCELLATION tag.
type OrderEvent struct {
	HouseOrder
	Action    string
	Timestamp time.Time
	Meta
}

func (OrderEvent) Type() EventType     { return EventOrder }
func (e OrderEvent) Order() HouseOrder { return e.HouseOrder }

// TradeEvent is a user-channel trade update. Its status is a trade status
// (MATCHED, MINED, CONFIRMED, ...), never LIVE.
type TradeEvent struct {
	ID        string
	Market    string
	AssetID   string
	Outcome   string
	Side      string
	Price     string
	Size      string
	Status    string
	Timestamp time.Time
	Meta
}

func (TradeEvent) Type() EventType { return EventTrade }

// Order keys the trade by its trade id, which never matches a live order
// id, and its status is never LIVE. Applied to a house book it deletes a key
// that is not there, so trades leave the live-order set unchanged; order
// events carry the fills.
func (e TradeEvent) Order() HouseOrder {
	return HouseOrder{
		ID:           e.ID,
		Market:       e.Market,
		AssetID:      e.AssetID,
		Outcome:      e.Outcome,
		Side:         e.Side,
		Price:        e.Price,
		OriginalSize: e.Size,
		SizeMatched:  e.Size,
		Status:       e.Status,
	}
}

// InternalEvent is synthesized by the stream client on lifecycle
// transitions so consumers can tell a quiet market from a dropped socket.
type InternalEvent struct {
	Name      string
	Channel   string
	Session   string
	Err       string
	Timestamp time.Time
	Meta
}

func (InternalEvent) Type() EventType { return EventInternal }

// UnknownEvent preserves an element whose event_type is not modelled.
type UnknownEvent struct {
	EventType string
	Raw       []byte
	Meta
}

func (e UnknownEvent) Type() EventType { return EventType(e.EventType) }
