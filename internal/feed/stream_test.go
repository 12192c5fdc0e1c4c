package feed

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivetrade/swarmbot/internal/book"
	"github.com/hivetrade/swarmbot/internal/domain"
)

type captureBus struct {
	mu      sync.Mutex
	signals []domain.Signal
}

func (c *captureBus) Publish(sig domain.Signal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signals = append(c.signals, sig)
	return nil
}

func (c *captureBus) marketStates() []domain.MarketState {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.MarketState
	for _, s := range c.signals {
		if ms, ok := s.Payload.(domain.MarketState); ok {
			out = append(out, ms)
		}
	}
	return out
}

func (c *captureBus) riskAlerts() []domain.RiskAlert {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.RiskAlert
	for _, s := range c.signals {
		if ra, ok := s.Payload.(domain.RiskAlert); ok {
			out = append(out, ra)
		}
	}
	return out
}

// feedServer accepts one websocket connection, checks the subscription, and
// hands the connection to script.
func feedServer(t *testing.T, script func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub subscribeMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		assert.Equal(t, "market", sub.Type)
		assert.NotEmpty(t, sub.AssetsIDs)

		// Keep reading so ping frames are answered while the script writes.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		script(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startStream(t *testing.T, url string, assets []string) (*Stream, *book.Registry, *captureBus) {
	t.Helper()
	books := book.NewRegistry()
	b := &captureBus{}
	s, err := New(Options{
		URL:           url,
		Assets:        assets,
		PingInterval:  50 * time.Millisecond,
		ReconnectBase: 10 * time.Millisecond,
		ReconnectMax:  20 * time.Millisecond,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, books, b)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("stream did not stop")
		}
	})
	return s, books, b
}

func snapshotJSON(asset string) string {
	return `{"event_type":"book","asset_id":"` + asset + `",` +
		`"bids":[{"price":"0.40","size":"10"}],` +
		`"asks":[{"price":"0.45","size":"5"}]}`
}

func TestSnapshotPopulatesReplicaAndPublishesState(t *testing.T) {
	url := feedServer(t, func(conn *websocket.Conn) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(snapshotJSON("tok-1"))))
		time.Sleep(200 * time.Millisecond)
	})
	_, books, b := startStream(t, url, []string{"tok-1"})

	require.Eventually(t, func() bool {
		r, ok := books.Get("tok-1")
		if !ok {
			return false
		}
		_, hasBid := r.BestBid()
		return hasBid
	}, 2*time.Second, 5*time.Millisecond)

	r, _ := books.Get("tok-1")
	bid, _ := r.BestBid()
	assert.True(t, bid.Price.Equal(decimal.RequireFromString("0.40")))

	require.Eventually(t, func() bool { return len(b.marketStates()) > 0 },
		time.Second, 5*time.Millisecond)
	ms := b.marketStates()[0]
	assert.Equal(t, "tok-1", ms.TokenID)
	assert.True(t, ms.Mid.Equal(decimal.RequireFromString("0.425")))
}

func TestDeltasBeforeSnapshotAreDiscarded(t *testing.T) {
	url := feedServer(t, func(conn *websocket.Conn) {
		// A delta arriving before any snapshot must not touch the replica.
		early := `{"event_type":"price_change","asset_id":"tok-1",` +
			`"changes":[{"price":"0.99","side":"BUY","size":"1"}]}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(early)))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(snapshotJSON("tok-1"))))
		late := `{"event_type":"price_change","asset_id":"tok-1",` +
			`"changes":[{"price":"0.41","side":"BUY","size":"3"}]}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(late)))
		time.Sleep(300 * time.Millisecond)
	})
	_, books, _ := startStream(t, url, []string{"tok-1"})

	require.Eventually(t, func() bool {
		r, ok := books.Get("tok-1")
		if !ok {
			return false
		}
		bid, hasBid := r.BestBid()
		return hasBid && bid.Price.Equal(decimal.RequireFromString("0.41"))
	}, 2*time.Second, 5*time.Millisecond, "the post-snapshot delta must apply")

	r, _ := books.Get("tok-1")
	bids, _ := r.Depth(10)
	for _, lvl := range bids {
		assert.False(t, lvl.Price.Equal(decimal.RequireFromString("0.99")),
			"the pre-snapshot delta must have been discarded")
	}
}

func TestBatchedEventsAreHandled(t *testing.T) {
	url := feedServer(t, func(conn *websocket.Conn) {
		batch := `[` + snapshotJSON("tok-1") + `,` + snapshotJSON("tok-2") + `]`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(batch)))
		time.Sleep(200 * time.Millisecond)
	})
	s, books, _ := startStream(t, url, []string{"tok-1", "tok-2"})

	require.Eventually(t, func() bool {
		_, ok1 := books.Get("tok-1")
		_, ok2 := books.Get("tok-2")
		return ok1 && ok2
	}, 2*time.Second, 5*time.Millisecond)

	// Every subscribed asset has a snapshot: the stream is fully live.
	require.Eventually(t, func() bool { return s.State() == StateStreaming },
		time.Second, 5*time.Millisecond)
}

func TestFlatDeltaShapeIsAccepted(t *testing.T) {
	url := feedServer(t, func(conn *websocket.Conn) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(snapshotJSON("tok-1"))))
		// Some feeds send deltas as flat fields under a "type" key.
		flat := `{"type":"price_change","asset_id":"tok-1",` +
			`"side":"bid","price":"0.41","size":"3"}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(flat)))
		time.Sleep(200 * time.Millisecond)
	})
	_, books, _ := startStream(t, url, []string{"tok-1"})

	require.Eventually(t, func() bool {
		r, ok := books.Get("tok-1")
		if !ok {
			return false
		}
		bid, hasBid := r.BestBid()
		return hasBid && bid.Price.Equal(decimal.RequireFromString("0.41"))
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMalformedFrameResetsConnectionAndAlerts(t *testing.T) {
	var count int
	var mu sync.Mutex
	url := feedServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		count++
		n := count
		mu.Unlock()

		if n == 1 {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{broken`)))
			time.Sleep(100 * time.Millisecond)
			return
		}
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(snapshotJSON("tok-1"))))
		time.Sleep(300 * time.Millisecond)
	})
	_, books, b := startStream(t, url, []string{"tok-1"})

	// The garbage frame forces a reconnect; the second connection recovers.
	require.Eventually(t, func() bool {
		_, ok := books.Get("tok-1")
		return ok
	}, 3*time.Second, 5*time.Millisecond)

	alerts := b.riskAlerts()
	require.NotEmpty(t, alerts)
	assert.Equal(t, domain.SeverityHigh, alerts[0].Severity)
	assert.Equal(t, domain.ScopeAgent, alerts[0].Scope)
}

func TestReconnectResyncsFromFreshSnapshot(t *testing.T) {
	var count int
	var mu sync.Mutex
	url := feedServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		count++
		n := count
		mu.Unlock()

		if n == 1 {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(snapshotJSON("tok-1"))))
			// Drop the connection to force a reconnect.
			return
		}
		// Second connection: a delta before the fresh snapshot is discarded.
		stale := `{"event_type":"price_change","asset_id":"tok-1",` +
			`"changes":[{"price":"0.88","side":"BUY","size":"1"}]}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(stale)))
		fresh := `{"event_type":"book","asset_id":"tok-1",` +
			`"bids":[{"price":"0.30","size":"10"}],"asks":[{"price":"0.35","size":"5"}]}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(fresh)))
		time.Sleep(300 * time.Millisecond)
	})
	_, books, _ := startStream(t, url, []string{"tok-1"})

	require.Eventually(t, func() bool {
		r, ok := books.Get("tok-1")
		if !ok {
			return false
		}
		bid, hasBid := r.BestBid()
		return hasBid && bid.Price.Equal(decimal.RequireFromString("0.30"))
	}, 3*time.Second, 5*time.Millisecond, "the fresh snapshot must replace the stale book")

	r, _ := books.Get("tok-1")
	bids, _ := r.Depth(10)
	require.Len(t, bids, 1)
	assert.True(t, bids[0].Price.Equal(decimal.RequireFromString("0.30")),
		"the pre-resync delta must not survive")
}
