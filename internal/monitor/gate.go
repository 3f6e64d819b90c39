package monitor

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/1vbutkus/fish-sub000/internal/stream"
)

// GateConfig holds tunable parameters for the Gate.
type GateConfig struct {
	// StaleAfter is the maximum age of a market's last successful refresh
	// before trading on it is blocked (the GTT budget).
	StaleAfter time.Duration

	// CoolOff is how long a market must stay healthy after recovering
	// before trading is re-enabled.
	CoolOff time.Duration

	// MaxCrossCheckFailures is the number of consecutive REST/stream
	// disagreements tolerated before trading is disabled. Zero disables the
	// check.
	MaxCrossCheckFailures int
}

// DefaultGateConfig returns production-tuned defaults.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		StaleAfter:            5 * time.Second,
		CoolOff:               2 * time.Second,
		MaxCrossCheckFailures: 3,
	}
}

// CircuitSource is anything exposing connection health, in practice a
// stream.Client.
type CircuitSource interface {
	Circuit() stream.CircuitState
}

// Blocking reasons reported by Status.
const (
	ReasonHalted       = "manual halt"
	ReasonCircuitOpen  = "stream circuit open"
	ReasonNoData       = "no refresh yet"
	ReasonStale        = "stale"
	ReasonCoolOff      = "cooling off"
	ReasonCrossCheck   = "repeated cross-check failures"
	ReasonMarkedFaulty = "marked unhealthy"
)

// GateStatus is the trading decision for one market.
type GateStatus struct {
	CanTrade bool
	Reason   string
}

type gateMarket struct {
	lastRefresh time.Time
	// recoveredAt is set on an unhealthy to healthy transition; trading stays
	// blocked until CoolOff has elapsed from it.
	recoveredAt        time.Time
	healthy            bool
	crossCheckFailures int
}

// Gate decides whether the strategy may trade on a market. It enforces:
//   - manual emergency halt
//   - stream connection health via CircuitSource.Circuit()
//   - refresh staleness
//   - cool-off after recovery
//   - escalation after repeated cross-check failures
type Gate struct {
	cfg GateConfig
	log *zap.Logger

	connMu sync.RWMutex
	conns  map[string]CircuitSource

	mu      sync.RWMutex
	markets map[string]*gateMarket

	haltMu sync.RWMutex
	halted bool

	nowFunc func() time.Time
}

// NewGate creates a Gate. A nil logger disables logging.
func NewGate(cfg GateConfig, log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{
		cfg:     cfg,
		log:     log,
		conns:   make(map[string]CircuitSource),
		markets: make(map[string]*gateMarket),
		nowFunc: time.Now,
	}
}

// WatchConnection registers a stream whose circuit gates every market.
func (g *Gate) WatchConnection(name string, c CircuitSource) {
	g.connMu.Lock()
	g.conns[name] = c
	g.connMu.Unlock()
}

// ManualHalt blocks trading on every market until Resume.
func (g *Gate) ManualHalt() {
	g.haltMu.Lock()
	g.halted = true
	g.haltMu.Unlock()
	g.log.Warn("trading halted manually")
}

// Resume clears the manual halt. Markets still need to pass the other
// checks.
func (g *Gate) Resume() {
	g.haltMu.Lock()
	g.halted = false
	g.haltMu.Unlock()
	g.log.Info("manual halt cleared")
}

func (g *Gate) CanTrade(conditionID string) bool {
	return g.Status(conditionID).CanTrade
}

// Status evaluates every check in order and reports the first that blocks.
func (g *Gate) Status(conditionID string) GateStatus {
	g.haltMu.RLock()
	halted := g.halted
	g.haltMu.RUnlock()
	if halted {
		return GateStatus{Reason: ReasonHalted}
	}

	g.connMu.RLock()
	for _, c := range g.conns {
		if c.Circuit() == stream.CircuitOpen {
			g.connMu.RUnlock()
			return GateStatus{Reason: ReasonCircuitOpen}
		}
	}
	g.connMu.RUnlock()

	now := g.nowFunc()

	g.mu.RLock()
	defer g.mu.RUnlock()
	m, ok := g.markets[conditionID]
	switch {
	case !ok || m.lastRefresh.IsZero():
		return GateStatus{Reason: ReasonNoData}
	case !m.healthy:
		return GateStatus{Reason: ReasonMarkedFaulty}
	case now.Sub(m.lastRefresh) > g.cfg.StaleAfter:
		return GateStatus{Reason: ReasonStale}
	case !m.recoveredAt.IsZero() && now.Sub(m.recoveredAt) < g.cfg.CoolOff:
		return GateStatus{Reason: ReasonCoolOff}
	case g.cfg.MaxCrossCheckFailures > 0 && m.crossCheckFailures >= g.cfg.MaxCrossCheckFailures:
		return GateStatus{Reason: ReasonCrossCheck}
	}
	return GateStatus{CanTrade: true}
}

func (g *Gate) market(conditionID string) *gateMarket {
	m, ok := g.markets[conditionID]
	if !ok {
		m = &gateMarket{}
		g.markets[conditionID] = m
	}
	return m
}

// RecordRefresh marks a completed refresh at the given time. The first
// refresh after the market was unhealthy starts the cool-off.
func (g *Gate) RecordRefresh(conditionID string, at time.Time) {
	now := g.nowFunc()
	g.mu.Lock()
	defer g.mu.Unlock()

	m := g.market(conditionID)
	if at.IsZero() || at.After(now) {
		at = now
	}
	if at.After(m.lastRefresh) {
		m.lastRefresh = at
	}
	if !m.healthy {
		m.healthy = true
		m.recoveredAt = now
	}
}

// RecordCrossCheck counts consecutive REST/stream disagreements. A passing
// check resets the count.
func (g *Gate) RecordCrossCheck(conditionID string, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	m := g.market(conditionID)
	if ok {
		m.crossCheckFailures = 0
		return
	}
	m.crossCheckFailures++
	if m.crossCheckFailures == g.cfg.MaxCrossCheckFailures {
		g.log.Warn("cross-check failure limit reached, trading disabled",
			zap.String("condition_id", conditionID), zap.Int("failures", m.crossCheckFailures))
	}
}

// MarkStale forces a market unhealthy, e.g. after a failed REST poll or a
// stream reconnect. The next refresh starts a new cool-off.
func (g *Gate) MarkStale(conditionID string) {
	g.mu.Lock()
	if m, ok := g.markets[conditionID]; ok {
		m.healthy = false
	}
	g.mu.Unlock()
}

// Markets returns the condition ids the gate has seen.
func (g *Gate) Markets() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.markets))
	for id := range g.markets {
		out = append(out, id)
	}
	return out
}
