package publish

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1vbutkus/fish-sub000/internal/monitor"
)

type hsetCall struct {
	Key    string
	Fields map[string]string
}

// mockRedis records every HSet call. failNext makes the next call fail.
type mockRedis struct {
	mu       sync.Mutex
	calls    []hsetCall
	failNext bool
}

func (m *mockRedis) HSet(_ context.Context, key string, values ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return errors.New("connection reset")
	}
	fields := make(map[string]string)
	for i := 0; i+1 < len(values); i += 2 {
		k, _ := values[i].(string)
		v, _ := values[i+1].(string)
		fields[k] = v
	}
	m.calls = append(m.calls, hsetCall{Key: key, Fields: fields})
	return nil
}

func (m *mockRedis) getCalls() []hsetCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]hsetCall, len(m.calls))
	copy(out, m.calls)
	return out
}

func startWriter(t *testing.T, client RedisClient) chan<- monitor.Quote {
	t.Helper()
	feed := make(chan monitor.Quote, 8)
	rw := NewRedisWriter(client, feed, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rw.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return feed
}

func TestRedisWriter_HSetCommand(t *testing.T) {
	mock := &mockRedis{}
	feed := startWriter(t, mock)

	feed <- monitor.Quote{
		ConditionID: "0xabc",
		AssetID:     "111",
		Bid:         520,
		Ask:         550,
		RefreshedAt: time.UnixMilli(1700000000000),
	}

	require.Eventually(t, func() bool { return len(mock.getCalls()) == 1 }, time.Second, 10*time.Millisecond)
	c := mock.getCalls()[0]
	assert.Equal(t, "netbook:0xabc", c.Key)
	assert.Equal(t, "111", c.Fields["asset"])
	assert.Equal(t, "0.52", c.Fields["bid"])
	assert.Equal(t, "0.55", c.Fields["ask"])
	assert.Equal(t, "1700000000000", c.Fields["ts"])
}

func TestRedisWriter_EmptySidesUseBounds(t *testing.T) {
	mock := &mockRedis{}
	feed := startWriter(t, mock)

	feed <- monitor.Quote{ConditionID: "0xempty", Bid: 0, Ask: 1000, RefreshedAt: time.UnixMilli(1)}

	require.Eventually(t, func() bool { return len(mock.getCalls()) == 1 }, time.Second, 10*time.Millisecond)
	c := mock.getCalls()[0]
	assert.Equal(t, "0", c.Fields["bid"])
	assert.Equal(t, "1", c.Fields["ask"])
}

func TestRedisWriter_DuplicateSuppression(t *testing.T) {
	mock := &mockRedis{}
	feed := startWriter(t, mock)

	base := monitor.Quote{ConditionID: "FED-DEC", Bid: 480, Ask: 540, RefreshedAt: time.UnixMilli(1000)}
	feed <- base
	dup := base
	dup.RefreshedAt = time.UnixMilli(2000)
	feed <- dup

	changed := base
	changed.Bid = 500
	changed.RefreshedAt = time.UnixMilli(3000)
	feed <- changed

	require.Eventually(t, func() bool { return len(mock.getCalls()) == 2 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	calls := mock.getCalls()
	require.Len(t, calls, 2, "unchanged quote must not be rewritten")
	assert.Equal(t, "0.5", calls[1].Fields["bid"])
	assert.Equal(t, "3000", calls[1].Fields["ts"])
}

func TestRedisWriter_RetriesAfterFailure(t *testing.T) {
	mock := &mockRedis{failNext: true}
	feed := startWriter(t, mock)

	q := monitor.Quote{ConditionID: "mkt", Bid: 100, Ask: 200, RefreshedAt: time.UnixMilli(1)}
	feed <- q
	q.RefreshedAt = time.UnixMilli(2)
	feed <- q

	require.Eventually(t, func() bool { return len(mock.getCalls()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "2", mock.getCalls()[0].Fields["ts"])
}
