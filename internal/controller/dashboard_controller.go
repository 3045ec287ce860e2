package controller

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/ledgersync/ledgersync/internal/broadcast"
	"github.com/ledgersync/ledgersync/internal/infrastructure/observability"
	"github.com/ledgersync/ledgersync/internal/middleware"
)

const writeTimeout = 5 * time.Second

// DashboardController upgrades dashboard clients to a websocket and pumps
// hub events to them. Each observer authenticates at connect time with the
// same bearer tokens the admin API uses.
type DashboardController struct {
	hub       *broadcast.Hub
	jwtSecret string
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewDashboardController(hub *broadcast.Hub, jwtSecret string, metrics *observability.Metrics, logger zerolog.Logger) *DashboardController {
	return &DashboardController{
		hub:       hub,
		jwtSecret: jwtSecret,
		metrics:   metrics,
		logger:    logger.With().Str("component", "dashboard").Logger(),
	}
}

// Connect authenticates the client, subscribes it to the hub, and streams
// events until the client goes away. A slow client only loses its own
// events; the pipeline never blocks on it.
func (c *DashboardController) Connect(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "missing token", Code: "auth_required"})
		return
	}
	claims, err := middleware.ValidateToken(c.jwtSecret, token)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "invalid token", Code: "auth_invalid"})
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		c.logger.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "connection closed")

	observerID := claims.Subject
	if observerID == "" {
		observerID = r.RemoteAddr
	}

	events, cancel := c.hub.Subscribe(observerID)
	defer cancel()

	if c.metrics != nil {
		c.metrics.ConnectedObservers.Inc()
		defer c.metrics.ConnectedObservers.Dec()
	}
	c.logger.Info().Str("observer_id", observerID).Msg("dashboard observer connected")

	// reads are discarded; the returned context ends when the client
	// disconnects
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Str("observer_id", observerID).Msg("dashboard observer disconnected")
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-events:
			if !ok {
				// replaced by a newer connection for the same observer
				conn.Close(websocket.StatusPolicyViolation, "superseded by newer connection")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				c.logger.Debug().Err(err).Str("observer_id", observerID).Msg("observer write failed")
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev broadcast.Event) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, ev)
}
