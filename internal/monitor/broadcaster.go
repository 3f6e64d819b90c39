package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Quote is the net top of book of one market's main asset, in fixed point.
// Bid is 0 and Ask is 1000 when the respective net side is empty.
type Quote struct {
	ConditionID string
	AssetID     string
	Bid         int64
	Ask         int64
	RefreshedAt time.Time
}

// QuoteProvider is anything producing a quote feed.
type QuoteProvider interface {
	Quotes() <-chan Quote
}

// Broadcaster is a many-to-many hub that ingests quotes from any number of
// providers and distributes them to per-market subscribers and a unified
// "all" stream.
type Broadcaster struct {
	log     *zap.Logger
	sources []<-chan Quote

	// Filtered subscribers keyed by condition id.
	mu   sync.RWMutex
	subs map[string][]chan Quote

	allMu  sync.RWMutex
	allSub []chan Quote
}

// NewBroadcaster creates a Broadcaster ready for provider registration.
func NewBroadcaster(log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{
		log:  log,
		subs: make(map[string][]chan Quote),
	}
}

// Register adds a provider's feed as a source. Must be called before Run.
func (b *Broadcaster) Register(provider QuoteProvider) {
	b.sources = append(b.sources, provider.Quotes())
}

// Subscribe returns a buffered channel receiving quotes for one market. The
// caller must drain it; slow subscribers lose quotes.
func (b *Broadcaster) Subscribe(conditionID string) <-chan Quote {
	ch := make(chan Quote, 256)
	b.mu.Lock()
	b.subs[conditionID] = append(b.subs[conditionID], ch)
	b.mu.Unlock()
	return ch
}

// SubscribeAll returns a buffered channel receiving every quote. The Redis
// writer reads from one.
func (b *Broadcaster) SubscribeAll() <-chan Quote {
	ch := make(chan Quote, 512)
	b.allMu.Lock()
	b.allSub = append(b.allSub, ch)
	b.allMu.Unlock()
	return ch
}

// Run consumes every registered source until ctx is cancelled. Each source
// gets its own goroutine.
func (b *Broadcaster) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, src := range b.sources {
		wg.Add(1)
		go func(ch <-chan Quote) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case q, ok := <-ch:
					if !ok {
						return
					}
					b.distribute(q)
				}
			}
		}(src)
	}
	wg.Wait()
}

// distribute never blocks: slow consumers get quotes dropped.
func (b *Broadcaster) distribute(q Quote) {
	b.mu.RLock()
	for _, ch := range b.subs[q.ConditionID] {
		select {
		case ch <- q:
		default:
			b.log.Warn("dropping quote for slow subscriber", zap.String("condition_id", q.ConditionID))
		}
	}
	b.mu.RUnlock()

	b.allMu.RLock()
	for _, ch := range b.allSub {
		select {
		case ch <- q:
		default:
		}
	}
	b.allMu.RUnlock()
}
