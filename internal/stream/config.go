package stream

import (
	"net/http"
	"strings"
	"time"
)

// ProdWSURL is the exchange's WebSocket root; the channel name is appended.
const ProdWSURL = "wss://ws-subscriptions-clob.polymarket.com/ws"

// Channel selects the WebSocket feed a Client subscribes to.
type Channel string

const (
	// Market carries public book events for a list of asset ids.
	Market Channel = "market"
	// HouseOrders carries the authenticated account's order and trade
	// events, optionally narrowed to a list of condition ids.
	HouseOrders Channel = "user"
)

// Config holds tunable parameters for a Client.
type Config struct {
	// URL is the WebSocket root; the channel path is appended to it.
	URL string

	ReadBufferSize  int
	WriteBufferSize int

	// PingInterval paces outbound PING probes and the stall check. A
	// session that delivers no content frame for 3x PingInterval is torn
	// down and reconnected, even while PONGs keep arriving.
	PingInterval time.Duration

	// ConnectTimeout bounds Start.
	ConnectTimeout time.Duration

	// PingTimeout bounds Ping when the caller's context has no deadline.
	PingTimeout time.Duration

	// ReconnectDelay is the fixed pause between reconnect attempts.
	ReconnectDelay time.Duration

	Headers http.Header
}

// DefaultConfig returns the production cadence for url.
func DefaultConfig(url string) Config {
	if strings.TrimSpace(url) == "" {
		url = ProdWSURL
	}
	return Config{
		URL:             url,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		PingInterval:    10 * time.Second,
		ConnectTimeout:  5 * time.Second,
		PingTimeout:     5 * time.Second,
		ReconnectDelay:  2 * time.Second,
	}
}

// StallAfter is the content silence after which a session is considered dead.
func (c Config) StallAfter() time.Duration {
	return 3 * c.PingInterval
}

func (c Config) endpoint(ch Channel) string {
	return strings.TrimRight(c.URL, "/") + "/" + string(ch)
}
