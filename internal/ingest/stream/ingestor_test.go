package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/gammaflow/internal/metrics"
	"github.com/sawpanic/gammaflow/internal/store"
)

type feedServer struct {
	*httptest.Server

	mu         sync.Mutex
	subscribes []string
	frames     []string
	dropFirst  bool
	conns      int
}

func newFeedServer(t *testing.T, frames []string, dropFirst bool) *feedServer {
	t.Helper()
	fs := &feedServer{frames: frames, dropFirst: dropFirst}
	upgrader := websocket.Upgrader{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, sub, err := conn.ReadMessage()
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conns++
		n := fs.conns
		fs.subscribes = append(fs.subscribes, string(sub))
		fs.mu.Unlock()

		if fs.dropFirst && n == 1 {
			return
		}
		for _, f := range fs.frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *feedServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

func (fs *feedServer) subscriptions() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.subscribes...)
}

func testConfig(url string) Config {
	return Config{
		URL:               url,
		SubscribeTemplate: `{"action":"subscribe","symbol":"{{symbol}}","params":"{{channels}}"}`,
		BackoffInitial:    10 * time.Millisecond,
		BackoffMax:        40 * time.Millisecond,
		MaxLen:            1000,
		VersionPoll:       20 * time.Millisecond,
	}
}

func TestBackoffDoublesToCap(t *testing.T) {
	b := &Backoff{Initial: time.Second, Max: 5 * time.Second}
	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, b.Next())
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}, got)

	b.Reset()
	assert.Equal(t, time.Second, b.Next())
}

func TestRenderSubscription(t *testing.T) {
	msg := RenderSubscription(`{"params":"{{channels}}","s":"{{symbol}}"}`, "SPX", []string{"Q.A", "T.A"})
	assert.Equal(t, `{"params":"Q.A,T.A","s":"SPX"}`, msg)
}

func TestRunAppendsFramesVerbatim(t *testing.T) {
	frames := []string{`[{"symbol":"O:SPXW261016C05850000","bid":1.1}]`, `not even json`}
	fs := newFeedServer(t, frames, false)

	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.SAdd(ctx, store.Channels("SPX"), "T.O:A", "Q.O:A"))

	reg := metrics.New()
	ing := New(mem, testConfig(fs.wsURL()), reg)
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx, stop, "SPX") }()

	require.Eventually(t, func() bool {
		entries, err := mem.XRange(ctx, store.RawStream("SPX"), "-", "+", 0)
		return err == nil && len(entries) == 2
	}, 2*time.Second, 10*time.Millisecond)

	entries, err := mem.XRange(ctx, store.RawStream("SPX"), "-", "+", 0)
	require.NoError(t, err)
	assert.Equal(t, frames[0], entries[0].Values["d"])
	assert.Equal(t, frames[1], entries[1].Values["d"])
	assert.NotEmpty(t, entries[0].Values["rt"])

	subs := fs.subscriptions()
	require.NotEmpty(t, subs)
	assert.Equal(t, `{"action":"subscribe","symbol":"SPX","params":"Q.O:A,T.O:A"}`, subs[0])

	close(stop)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ingestor did not stop")
	}
	assert.Equal(t, 2.0, metrics.Value(reg.StreamMessages.WithLabelValues("SPX")))
}

func TestRunReconnectsAfterDrop(t *testing.T) {
	fs := newFeedServer(t, []string{`{"symbol":"x"}`}, true)
	mem := store.NewMemory()
	reg := metrics.New()
	ing := New(mem, testConfig(fs.wsURL()), reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ing.Run(ctx, nil, "SPX") }()

	require.Eventually(t, func() bool {
		entries, err := mem.XRange(context.Background(), store.RawStream("SPX"), "-", "+", 0)
		return err == nil && len(entries) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, metrics.Value(reg.StreamReconnects.WithLabelValues("SPX")), 1.0)
	assert.GreaterOrEqual(t, len(fs.subscriptions()), 2)
}

func TestRunResubscribesOnChannelVersionChange(t *testing.T) {
	fs := newFeedServer(t, nil, false)
	mem := store.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, mem.SAdd(ctx, store.Channels("NDX"), "Q.O:A"))

	ing := New(mem, testConfig(fs.wsURL()), metrics.New())
	go func() { _ = ing.Run(ctx, nil, "NDX") }()

	require.Eventually(t, func() bool { return len(fs.subscriptions()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, mem.SAdd(ctx, store.Channels("NDX"), "Q.O:B"))
	_, err := mem.Incr(ctx, store.ChannelsVersion("NDX"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(fs.subscriptions()) >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, fs.subscriptions()[1], "Q.O:A,Q.O:B")
}
