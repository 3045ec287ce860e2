package controller

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/ledgersync/ledgersync/internal/broadcast"
)

func wsURL(h *routerHarness, token string) string {
	u := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func TestDashboard_RequiresToken(t *testing.T) {
	h := newRouterHarness(t)

	resp := h.do(t, http.MethodGet, "/ws", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDashboard_RejectsBadToken(t *testing.T) {
	h := newRouterHarness(t)

	resp := h.do(t, http.MethodGet, "/ws?token=garbage", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDashboard_StreamsBroadcastEvents(t *testing.T) {
	h := newRouterHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(h, adminToken(t)), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		return h.hub.ObserverCount() == 1
	}, 2*time.Second, 10*time.Millisecond, "observer never subscribed")

	h.hub.Broadcast(broadcast.EventAlertCreated, map[string]any{"reason": "dead_letter_buildup"})

	var ev broadcast.Event
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, broadcast.EventAlertCreated, ev.Type)
	assert.Equal(t, "dead_letter_buildup", ev.Payload["reason"])
}

func TestDashboard_ReplacedConnectionIsClosed(t *testing.T) {
	h := newRouterHarness(t)
	token := adminToken(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, _, err := websocket.Dial(ctx, wsURL(h, token), nil)
	require.NoError(t, err)
	defer first.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		return h.hub.ObserverCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Same subject connects again; the hub replaces the old subscription.
	second, _, err := websocket.Dial(ctx, wsURL(h, token), nil)
	require.NoError(t, err)
	defer second.Close(websocket.StatusNormalClosure, "")

	var ev broadcast.Event
	err = wsjson.Read(ctx, first, &ev)
	require.Error(t, err, "first connection should be closed after replacement")

	require.Eventually(t, func() bool {
		return h.hub.ObserverCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}
