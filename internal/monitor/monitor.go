// Package monitor runs the refresh cycle that keeps each tracked market's
// books in sync: it polls REST snapshots, drains the stream queues, cross
// checks the two sources, and publishes the resulting net quotes.
//
// All book mutation happens inside Refresh under one mutex, so the books
// themselves need no locking.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/1vbutkus/fish-sub000/internal/audit"
	"github.com/1vbutkus/fish-sub000/internal/book"
	"github.com/1vbutkus/fish-sub000/internal/clob"
	"github.com/1vbutkus/fish-sub000/internal/stream"
)

// Market identifies one binary market and its two assets.
type Market struct {
	ConditionID    string
	MainAssetID    string
	CounterAssetID string
}

// Snapshotter is the REST side of the exchange.
type Snapshotter interface {
	OrderBooks(ctx context.Context, assetIDs []string) ([]clob.OrderBook, error)
	LiveOrders(ctx context.Context, market string) ([]clob.HouseOrder, error)
}

// Config holds the refresh cadence and validation policy.
type Config struct {
	RefreshInterval time.Duration

	// StrictComplement turns complement mismatches into fatal errors
	// instead of warnings.
	StrictComplement bool

	// ValidateNet makes a negative net size fatal.
	ValidateNet bool
}

func DefaultConfig() Config {
	return Config{
		RefreshInterval: time.Second,
		ValidateNet:     true,
	}
}

type marketState struct {
	market Market

	// stream is fed only by market-channel events; house starts each cycle
	// from the previous REST listing and replays user-channel events.
	stream *book.PublicMarketBook
	house  *book.HouseBook

	// awaitingBook holds assets whose price_change events are dropped
	// until a full book event re-bases them.
	awaitingBook map[string]bool

	// pending holds market-channel events not yet applied to stream,
	// oldest first. Events newer than the last REST snapshot wait here so
	// both sides of the cross-check describe the same moment.
	pending []clob.Event

	houseEvents []clob.Event
	houseBased  bool

	net         *book.NetBook
	refreshedAt time.Time
}

// Monitor owns the books of every tracked market.
type Monitor struct {
	cfg    Config
	rest   Snapshotter
	market *stream.Messenger
	user   *stream.Messenger
	gate   *Gate
	audit  audit.Recorder
	log    *zap.Logger

	mu      sync.Mutex
	markets map[string]*marketState
	order   []string
	assets  map[string]string

	quotes chan Quote

	nowFunc func() time.Time
}

// New creates a monitor. user may be nil, in which case the house book is
// built from REST only; gate and recorder may be nil.
func New(cfg Config, markets []Market, rest Snapshotter, marketFeed, userFeed *stream.Messenger,
	gate *Gate, recorder audit.Recorder, log *zap.Logger) (*Monitor, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if gate == nil {
		gate = NewGate(DefaultGateConfig(), log)
	}
	m := &Monitor{
		cfg:     cfg,
		rest:    rest,
		market:  marketFeed,
		user:    userFeed,
		gate:    gate,
		audit:   recorder,
		log:     log,
		markets: make(map[string]*marketState, len(markets)),
		assets:  make(map[string]string, 2*len(markets)),
		quotes:  make(chan Quote, 64),
		nowFunc: time.Now,
	}
	for _, mk := range markets {
		if _, dup := m.markets[mk.ConditionID]; dup {
			return nil, fmt.Errorf("market %s listed twice", mk.ConditionID)
		}
		ms, err := m.newMarketState(mk)
		if err != nil {
			return nil, fmt.Errorf("market %s: %w", mk.ConditionID, err)
		}
		m.markets[mk.ConditionID] = ms
		m.order = append(m.order, mk.ConditionID)
		m.assets[mk.MainAssetID] = mk.ConditionID
		m.assets[mk.CounterAssetID] = mk.ConditionID
	}
	return m, nil
}

func (m *Monitor) newMarketState(mk Market) (*marketState, error) {
	pub, err := book.NewPublicMarketBook(mk.ConditionID, mk.MainAssetID, mk.CounterAssetID, m.log)
	if err != nil {
		return nil, err
	}
	house, err := book.NewHouseBook(mk.ConditionID, mk.MainAssetID, mk.CounterAssetID)
	if err != nil {
		return nil, err
	}
	return &marketState{
		market:       mk,
		stream:       pub,
		house:        house,
		awaitingBook: map[string]bool{mk.MainAssetID: true, mk.CounterAssetID: true},
	}, nil
}

// Quotes is the net quote feed, one quote per market per refresh.
func (m *Monitor) Quotes() <-chan Quote { return m.quotes }

func (m *Monitor) Gate() *Gate { return m.gate }

// NetBook returns the latest net book of a market and when it was computed.
// Readers decide for themselves whether it is fresh enough.
func (m *Monitor) NetBook(conditionID string) (*book.NetBook, time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.markets[conditionID]
	if !ok || ms.net == nil {
		return nil, time.Time{}, false
	}
	return ms.net, ms.refreshedAt, true
}

// Run refreshes every RefreshInterval until ctx ends or a contract
// violation makes the books untrustworthy, in which case that error is
// returned.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		if err := m.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Refresh runs one full cycle for every market. Transport faults are logged
// and mark the market stale; contract violations abort and are returned.
func (m *Monitor) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.routeMarketEvents(m.drain(m.market)); err != nil {
		return err
	}
	m.routeUserEvents(m.drain(m.user))

	for _, id := range m.order {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.refreshMarket(ctx, m.markets[id]); err != nil {
			return fmt.Errorf("market %s: %w", id, err)
		}
	}
	return nil
}

func (m *Monitor) drain(q *stream.Messenger) []clob.Event {
	if q == nil {
		return nil
	}
	return q.Drain()
}

// maxPending bounds the per-market backlog of events held for a REST
// snapshot that never catches up with them.
const maxPending = 10000

// routeMarketEvents queues market-channel events on their market. A dropped
// connection resets every stream book and discards what was queued.
func (m *Monitor) routeMarketEvents(evs []clob.Event) error {
	for _, ev := range evs {
		switch e := ev.(type) {
		case clob.InternalEvent:
			if e.Name == clob.InternalReconnect || e.Name == clob.InternalError {
				if err := m.resetStreamBooks(e); err != nil {
					return err
				}
			}
			continue
		case clob.LastTradePriceEvent:
			continue
		}

		ae, ok := ev.(clob.AssetEvent)
		if !ok {
			return fmt.Errorf("%w: %q on market channel", book.ErrUnknownEventType, ev.Type())
		}
		cond, ok := m.assets[ae.Asset()]
		if !ok {
			return fmt.Errorf("%w: %q on market channel", book.ErrUnknownAsset, ae.Asset())
		}
		ms := m.markets[cond]
		ms.pending = append(ms.pending, ev)
	}
	return nil
}

// applyPending applies queued events to the stream book. An asset's events
// stop at the first one stamped after cutoff[asset] and stay queued, in
// order, for a later cycle; a nil cutoff applies everything.
// Price changes are ignored per asset until its next full book event.
func (m *Monitor) applyPending(ms *marketState, cutoff map[string]time.Time) error {
	if cutoff != nil && len(ms.pending) > maxPending {
		m.log.Warn("stream backlog never matched by rest, applying it",
			zap.String("condition_id", ms.market.ConditionID), zap.Int("events", len(ms.pending)))
		cutoff = nil
	}

	var batch, keep []clob.Event
	held := make(map[string]bool)
	for _, ev := range ms.pending {
		asset := ev.(clob.AssetEvent).Asset()
		if held[asset] || after(eventTime(ev), cutoff[asset]) {
			held[asset] = true
			keep = append(keep, ev)
			continue
		}
		switch ev.(type) {
		case clob.BookEvent:
			delete(ms.awaitingBook, asset)
		case clob.PriceChangeEvent:
			if ms.awaitingBook[asset] {
				continue
			}
		}
		batch = append(batch, ev)
	}
	ms.pending = keep

	if len(batch) == 0 {
		return nil
	}
	if err := ms.stream.ApplyStreamBatch(batch); err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	return nil
}

// after reports whether ts is past cutoff. A zero cutoff holds nothing back.
func after(ts, cutoff time.Time) bool {
	return !cutoff.IsZero() && ts.After(cutoff)
}

func eventTime(ev clob.Event) time.Time {
	switch e := ev.(type) {
	case clob.BookEvent:
		return e.Timestamp
	case clob.PriceChangeEvent:
		return e.Timestamp
	case clob.TickSizeChangeEvent:
		return e.Timestamp
	}
	return time.Time{}
}

func (m *Monitor) resetStreamBooks(e clob.InternalEvent) error {
	m.log.Warn("market stream dropped, awaiting fresh books",
		zap.String("event", e.Name), zap.String("session", e.Session), zap.String("err", e.Err))
	for _, ms := range m.markets {
		pub, err := book.NewPublicMarketBook(ms.market.ConditionID, ms.market.MainAssetID, ms.market.CounterAssetID, m.log)
		if err != nil {
			return err
		}
		ms.stream = pub
		ms.pending = nil
		ms.awaitingBook = map[string]bool{ms.market.MainAssetID: true, ms.market.CounterAssetID: true}
		m.gate.MarkStale(ms.market.ConditionID)
	}
	return nil
}

// routeUserEvents queues user-channel events per market. The channel
// carries every order of the account, so events for untracked markets are
// dropped.
func (m *Monitor) routeUserEvents(evs []clob.Event) {
	for _, ev := range evs {
		switch e := ev.(type) {
		case clob.HouseOrderEvent:
			o := e.Order()
			ms, ok := m.markets[o.Market]
			if !ok {
				m.log.Debug("ignoring order event for untracked market", zap.String("condition_id", o.Market))
				continue
			}
			ms.houseEvents = append(ms.houseEvents, ev)
		case clob.InternalEvent:
			if e.Name == clob.InternalReconnect || e.Name == clob.InternalError {
				m.log.Warn("user stream dropped, house books re-based from rest",
					zap.String("event", e.Name), zap.String("err", e.Err))
				for _, ms := range m.markets {
					ms.houseEvents = nil
					ms.houseBased = false
				}
			}
		default:
			m.log.Warn("unexpected event on user channel", zap.String("event_type", string(ev.Type())))
		}
	}
}

// restSnapshot is one REST poll of a market, already turned into books.
type restSnapshot struct {
	books  []clob.OrderBook
	orders []clob.HouseOrder
	public *book.PublicMarketBook
	house  *book.HouseBook
}

// poll fetches the market's books and live orders. ok is false on a
// transport fault, which has already been logged and marked on the gate.
func (m *Monitor) poll(ctx context.Context, mk Market, log *zap.Logger) (snap restSnapshot, ok bool, err error) {
	snap.books, err = m.rest.OrderBooks(ctx, []string{mk.MainAssetID, mk.CounterAssetID})
	if err != nil {
		log.Warn("book poll failed", zap.Error(err))
		m.gate.MarkStale(mk.ConditionID)
		return snap, false, nil
	}
	if m.user != nil {
		if snap.orders, err = m.rest.LiveOrders(ctx, mk.ConditionID); err != nil {
			log.Warn("order poll failed", zap.Error(err))
			m.gate.MarkStale(mk.ConditionID)
			return snap, false, nil
		}
	}

	if snap.public, err = book.NewPublicMarketBook(mk.ConditionID, mk.MainAssetID, mk.CounterAssetID, log); err != nil {
		return snap, false, err
	}
	if err := snap.public.ApplySnapshotBatch(snap.books); err != nil {
		return snap, false, fmt.Errorf("rest books: %w", err)
	}
	if snap.house, err = book.NewHouseBook(mk.ConditionID, mk.MainAssetID, mk.CounterAssetID); err != nil {
		return snap, false, err
	}
	if err := snap.house.ResetFromLiveOrderList(snap.orders); err != nil {
		return snap, false, fmt.Errorf("rest orders: %w", err)
	}
	return snap, true, nil
}

func (m *Monitor) refreshMarket(ctx context.Context, ms *marketState) error {
	mk := ms.market
	log := m.log.With(zap.String("condition_id", mk.ConditionID))

	snap, ok, err := m.poll(ctx, mk, log)
	if err != nil {
		return err
	}
	if !ok {
		return m.applyPending(ms, nil)
	}

	// Events that arrived while polling may belong to the snapshot; route
	// them, then bring the stream book up to the snapshot and no further.
	if err := m.routeMarketEvents(m.drain(m.market)); err != nil {
		return err
	}
	cutoff := map[string]time.Time{
		mk.MainAssetID:    snap.public.Main().Timestamp(),
		mk.CounterAssetID: snap.public.Counter().Timestamp(),
	}
	if err := m.applyPending(ms, cutoff); err != nil {
		return err
	}

	now := m.nowFunc()
	crossOK := true

	if len(ms.awaitingBook) == 0 && !snap.public.EqualsValues(ms.stream) {
		crossOK = false
		log.Warn("stream book disagrees with rest",
			zap.Stringer("rest_main", snap.public.Main().Ladder()),
			zap.Stringer("stream_main", ms.stream.Main().Ladder()))
		m.record(ctx, audit.KindPublicCrossCheck, mk.ConditionID, now, map[string]string{
			"rest_main":      snap.public.Main().Ladder().String(),
			"stream_main":    ms.stream.Main().Ladder().String(),
			"rest_counter":   snap.public.Counter().Ladder().String(),
			"stream_counter": ms.stream.Counter().Ladder().String(),
		})
	}

	if ms.houseBased {
		if err := ms.house.ApplyStreamEvents(ms.houseEvents); err != nil {
			return fmt.Errorf("house stream: %w", err)
		}
		if !snap.house.EqualsValues(ms.house) {
			crossOK = false
			log.Warn("stream house book disagrees with rest",
				zap.Stringer("rest_main", snap.house.Main().Ladder()),
				zap.Stringer("stream_main", ms.house.Main().Ladder()))
			m.record(ctx, audit.KindHouseCrossCheck, mk.ConditionID, now, map[string]string{
				"rest_main":   snap.house.Main().Ladder().String(),
				"stream_main": ms.house.Main().Ladder().String(),
			})
		}
	}
	ms.houseEvents = nil
	if err := ms.house.ResetFromLiveOrderList(snap.orders); err != nil {
		return fmt.Errorf("house rebase: %w", err)
	}
	ms.houseBased = true
	m.gate.RecordCrossCheck(mk.ConditionID, crossOK)

	net, err := m.netBook(ctx, snap, now)
	if errors.Is(err, book.ErrNegativeNetSize) {
		// The book and order polls are not atomic: an order placed between
		// them is live in the house book but not yet in the public one.
		// Only a second poll that disagrees the same way is a real fault.
		log.Warn("negative net size, polling again", zap.Error(err))
		m.record(ctx, audit.KindNegativeNet, mk.ConditionID, now, map[string]string{"err": err.Error(), "attempt": "1"})

		var retry restSnapshot
		if retry, ok, err = m.poll(ctx, mk, log); err != nil {
			return err
		}
		if !ok {
			return nil
		}
		net, err = m.netBook(ctx, retry, now)
		if errors.Is(err, book.ErrNegativeNetSize) {
			m.record(ctx, audit.KindNegativeNet, mk.ConditionID, now, map[string]string{"err": err.Error(), "attempt": "2"})
		}
	}
	if err != nil {
		return err
	}

	if ms.net != nil {
		if diff := net.Sub(ms.net); !diff.Empty() {
			m.record(ctx, audit.KindNetDiff, mk.ConditionID, now, diff.Levels)
		}
	}
	ms.net = net
	ms.refreshedAt = now
	m.gate.RecordRefresh(mk.ConditionID, now)

	bid, ask := net.GetBestPrices()
	q := Quote{ConditionID: mk.ConditionID, AssetID: mk.MainAssetID, Bid: bid, Ask: ask, RefreshedAt: now}
	select {
	case m.quotes <- q:
	default:
		log.Warn("quote feed full, dropping quote")
	}
	return nil
}

// netBook validates the snapshot's complement relation and subtracts the
// house book from the public one.
func (m *Monitor) netBook(ctx context.Context, snap restSnapshot, now time.Time) (*book.NetBook, error) {
	cond := snap.public.ConditionID()
	if mm := snap.public.Mismatches(); len(mm) > 0 {
		m.record(ctx, audit.KindComplement, cond, now, mm)
	}
	if err := snap.public.Validate(m.cfg.StrictComplement); err != nil {
		return nil, err
	}
	return book.NewNetBook(snap.public, snap.house, m.cfg.ValidateNet)
}

func (m *Monitor) record(ctx context.Context, kind audit.Kind, conditionID string, at time.Time, detail any) {
	err := m.audit.Record(ctx, audit.Entry{ConditionID: conditionID, Kind: kind, Detail: detail, At: at})
	if err != nil && !errors.Is(err, context.Canceled) {
		m.log.Warn("audit record failed", zap.String("kind", string(kind)), zap.Error(err))
	}
}
