package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/geoattend/internal/eventbus"
	"github.com/sells-group/geoattend/internal/model"
)

const writeTimeout = 5 * time.Second

// handleLive streams the tenant's zone events over a websocket. The first
// frame is a connected message; events follow in publish order.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if !authorizeTenant(w, r, tenantID) {
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		zap.L().Debug("api: websocket accept", zap.String("tenant_id", tenantID), zap.Error(err))
		return
	}
	defer conn.CloseNow() //nolint:errcheck

	// Nothing is expected from the client; CloseRead handles control frames
	// and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	sub, err := s.deps.Bus.Subscribe(ctx, tenantID)
	if err != nil {
		conn.Close(websocket.StatusGoingAway, "server shutting down") //nolint:errcheck
		return
	}
	defer sub.Close()

	log := zap.L().With(zap.String("tenant_id", tenantID), zap.Uint64("subscriber_id", sub.ID()))
	log.Info("api: live subscriber connected")
	defer log.Info("api: live subscriber disconnected")

	if err := write(ctx, conn, model.LiveMessage{Type: model.LiveConnected}); err != nil {
		return
	}

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				closeEnded(conn, sub.Err(), log)
				return
			}
			if err := write(ctx, conn, model.LiveMessage{Type: model.LiveZoneEvent, Data: &ev}); err != nil {
				log.Debug("api: live write failed", zap.Error(err))
				return
			}
		case <-heartbeat.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				log.Debug("api: live heartbeat failed", zap.Error(err))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, msg model.LiveMessage) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

func closeEnded(conn *websocket.Conn, cause error, log *zap.Logger) {
	switch {
	case errors.Is(cause, eventbus.ErrSlowSubscriber):
		log.Warn("api: closing slow live subscriber", zap.Error(cause))
		conn.Close(websocket.StatusPolicyViolation, "subscriber too slow") //nolint:errcheck
	case errors.Is(cause, eventbus.ErrClosed):
		conn.Close(websocket.StatusGoingAway, "server shutting down") //nolint:errcheck
	default:
		conn.Close(websocket.StatusNormalClosure, "") //nolint:errcheck
	}
}
