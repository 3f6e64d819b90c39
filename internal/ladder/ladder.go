// Package ladder holds the fixed-point price ladder shared by every book in
// the engine. Prices and sizes are scaled by 1000 and rounded, so a price of
// "0.16" is level 160 and a size of "20" is 20000.
package ladder

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the fixed-point multiplier applied to prices and sizes.
const Scale = 1000

var (
	ErrInvalidSide   = errors.New("invalid side")
	ErrInvalidNumber = errors.New("invalid fixed-point number")
)

var scaleDec = decimal.NewFromInt(Scale)

// Side is the book side a level lives on.
type Side uint8

const (
	Bid Side = iota + 1
	Ask
)

func (s Side) String() string {
	switch s {
	case Bid:
		return "BUY"
	case Ask:
		return "ASK"
	default:
		return "unknown"
	}
}

func (s Side) MarshalText() ([]byte, error) {
	if s != Bid && s != Ask {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSide, s)
	}
	return []byte(s.String()), nil
}

// ParseSide maps the exchange's side spelling onto a Side. SELL is accepted
// as the exchange's name for the ask side.
func ParseSide(raw string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BUY":
		return Bid, nil
	case "ASK", "SELL":
		return Ask, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidSide, raw)
	}
}

// CounterSide swaps BUY and ASK.
func CounterSide(s Side) Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

// CounterPrice is the complementary price level 1 - p in fixed point.
func CounterPrice(p1000 int64) int64 {
	return Scale - p1000
}

// ToFixed converts a decimal string to fixed point, rounding half away from
// zero.
func ToFixed(raw string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNumber, raw)
	}
	return d.Mul(scaleDec).Round(0).IntPart(), nil
}

// FloatToFixed converts a float to fixed point with the same rounding as
// ToFixed.
func FloatToFixed(v float64) int64 {
	return decimal.NewFromFloat(v).Mul(scaleDec).Round(0).IntPart()
}

// FormatFixed renders a fixed-point value as a decimal string.
func FormatFixed(v int64) string {
	return decimal.New(v, -3).String()
}

// Level is a native price/size pair as the exchange reports it.
type Level struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// Ladder is a pair of price1000 -> size1000 maps. A stored size is always
// positive; zero sizes remove the level.
type Ladder struct {
	Bids map[int64]int64
	Asks map[int64]int64
}

// New returns an empty ladder.
func New() *Ladder {
	return &Ladder{
		Bids: make(map[int64]int64),
		Asks: make(map[int64]int64),
	}
}

// NewFromNativePrices builds a ladder from exchange levels, dropping levels
// whose rounded size is zero.
func NewFromNativePrices(bids, asks []Level) (*Ladder, error) {
	l := New()
	if err := fill(l.Bids, bids); err != nil {
		return nil, fmt.Errorf("bids: %w", err)
	}
	if err := fill(l.Asks, asks); err != nil {
		return nil, fmt.Errorf("asks: %w", err)
	}
	return l, nil
}

func fill(dst map[int64]int64, levels []Level) error {
	for _, lv := range levels {
		p, err := ToFixed(lv.Price)
		if err != nil {
			return err
		}
		s, err := ToFixed(lv.Size)
		if err != nil {
			return err
		}
		if s <= 0 {
			continue
		}
		dst[p] = s
	}
	return nil
}

func (l *Ladder) sideMap(side Side) (map[int64]int64, error) {
	switch side {
	case Bid:
		return l.Bids, nil
	case Ask:
		return l.Asks, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidSide, side)
	}
}

// UpdateSingle overwrites the level at price with size. A size that rounds
// to zero removes the level.
func (l *Ladder) UpdateSingle(price, size string, side Side) error {
	p, err := ToFixed(price)
	if err != nil {
		return err
	}
	s, err := ToFixed(size)
	if err != nil {
		return err
	}
	return l.Set(p, s, side)
}

// Set is UpdateSingle on already converted values.
func (l *Ladder) Set(p1000, s1000 int64, side Side) error {
	m, err := l.sideMap(side)
	if err != nil {
		return err
	}
	if s1000 > 0 {
		m[p1000] = s1000
	} else {
		delete(m, p1000)
	}
	return nil
}

// UpdateAdd accumulates size onto the level at price. Used when several
// resting orders share a price.
func (l *Ladder) UpdateAdd(price, size string, side Side) error {
	p, err := ToFixed(price)
	if err != nil {
		return err
	}
	s, err := ToFixed(size)
	if err != nil {
		return err
	}
	return l.Add(p, s, side)
}

// Add is UpdateAdd on already converted values.
func (l *Ladder) Add(p1000, s1000 int64, side Side) error {
	m, err := l.sideMap(side)
	if err != nil {
		return err
	}
	total := m[p1000] + s1000
	if total > 0 {
		m[p1000] = total
	} else {
		delete(m, p1000)
	}
	return nil
}

// Get returns the size at a level, zero when absent.
func (l *Ladder) Get(p1000 int64, side Side) int64 {
	m, err := l.sideMap(side)
	if err != nil {
		return 0
	}
	return m[p1000]
}

// BestBid returns the highest bid level.
func (l *Ladder) BestBid() (int64, bool) {
	var best int64
	found := false
	for p := range l.Bids {
		if !found || p > best {
			best, found = p, true
		}
	}
	return best, found
}

// BestAsk returns the lowest ask level.
func (l *Ladder) BestAsk() (int64, bool) {
	var best int64
	found := false
	for p := range l.Asks {
		if !found || p < best {
			best, found = p, true
		}
	}
	return best, found
}

// Equal reports whether both ladders hold the same levels.
func (l *Ladder) Equal(o *Ladder) bool {
	return equalSide(l.Bids, o.Bids) && equalSide(l.Asks, o.Asks)
}

func equalSide(a, b map[int64]int64) bool {
	if len(a) != len(b) {
		return false
	}
	for p, s := range a {
		if v, ok := b[p]; !ok || v != s {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (l *Ladder) Clone() *Ladder {
	c := New()
	for p, s := range l.Bids {
		c.Bids[p] = s
	}
	for p, s := range l.Asks {
		c.Asks[p] = s
	}
	return c
}

// Prices returns the sorted level prices of one side, ascending.
func Prices(m map[int64]int64) []int64 {
	out := make([]int64, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (l *Ladder) String() string {
	var b strings.Builder
	b.WriteString("bids[")
	writeSide(&b, l.Bids)
	b.WriteString("] asks[")
	writeSide(&b, l.Asks)
	b.WriteString("]")
	return b.String()
}

func writeSide(b *strings.Builder, m map[int64]int64) {
	for i, p := range Prices(m) {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(b, "%d:%d", p, m[p])
	}
}
