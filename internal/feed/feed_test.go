package feed

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type notice struct {
	Kind string `json:"kind"`
	Path string `json:"path"`
}

func dial(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()

	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(url, "http"), nil)
	require.NoError(t, err)

	t.Cleanup(func() { c.CloseNow() })

	return c
}

func TestHub_BroadcastsToSubscribers(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := dial(t, ctx, srv.URL)
	b := dial(t, ctx, srv.URL)

	require.Eventually(t, func() bool { return hub.Subscribers() == 2 }, 2*time.Second, 5*time.Millisecond)

	hub.Publish(notice{Kind: "added", Path: "/p/a.jpg"})

	for _, c := range []*websocket.Conn{a, b} {
		var got notice
		require.NoError(t, wsjson.Read(ctx, c, &got))
		assert.Equal(t, notice{Kind: "added", Path: "/p/a.jpg"}, got)
	}
}

func TestHub_DisconnectRemovesSubscriber(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dial(t, ctx, srv.URL)
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close(websocket.StatusNormalClosure, ""))

	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_PublishWithoutSubscribers(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil)
	assert.NotPanics(t, func() { hub.Publish(notice{Kind: "refresh"}) })
	assert.Zero(t, hub.Subscribers())
}

func TestServer_StartServesEvents(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub := NewHub(nil)
	srv := NewServer(hub, nil)
	require.NoError(t, srv.Start(ctx, "127.0.0.1:0"))

	c := dial(t, ctx, "http://"+srv.Addr()+"/events")
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	hub.Publish(notice{Kind: "refresh"})

	var got notice
	require.NoError(t, wsjson.Read(ctx, c, &got))
	assert.Equal(t, "refresh", got.Kind)
}
