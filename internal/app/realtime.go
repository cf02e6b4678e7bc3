package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"cyphire/api/internal/auth"
	"cyphire/api/internal/realtime"

	"github.com/gobwas/ws"
	"go.uber.org/zap"
)

// handleRealtime authenticates before the upgrade, so a bad token gets a
// plain 401 instead of a socket. Browsers cannot set headers on a websocket
// handshake, so ?token= is accepted as well.
func (s *HTTPServer) handleRealtime(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "REALTIME_UNAVAILABLE", "Realtime is not configured", nil)
		return
	}
	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	caller, err := auth.ResolveCaller(s.secret, token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	// server read/write timeouts outlive the hijack
	_ = conn.SetDeadline(time.Time{})
	client := realtime.NewClient(caller.ID, caller.IsAdmin, 0)
	s.logger.Info("realtime connected", zap.String("user_id", caller.ID))
	realtime.Serve(r.Context(), conn, s.hub, client, s.frameHandler(caller), s.logger)
	s.logger.Info("realtime disconnected", zap.String("user_id", caller.ID))
}

// frameHandler re-checks authorisation on every join against the current
// engagement rather than trusting anything cached on the connection.
func (s *HTTPServer) frameHandler(caller auth.Caller) realtime.FrameHandler {
	return func(ctx context.Context, c *realtime.Client, frame realtime.ClientFrame) {
		switch frame.Type {
		case realtime.FrameJoin:
			if err := s.service.AuthorizeJoin(ctx, caller, frame.EngagementID); err != nil {
				c.Reply(realtime.ServerFrame{
					Type:         realtime.FrameError,
					EngagementID: frame.EngagementID,
					Code:         joinErrorCode(err),
				})
				return
			}
			s.hub.Join(c, frame.EngagementID)
			c.Reply(realtime.ServerFrame{Type: realtime.FrameJoined, EngagementID: frame.EngagementID})
		case realtime.FrameLeave:
			s.hub.Leave(c, frame.EngagementID)
			c.Reply(realtime.ServerFrame{Type: realtime.FrameLeft, EngagementID: frame.EngagementID})
		default:
			c.Reply(realtime.ServerFrame{Type: realtime.FrameError, Code: "INVALID_FRAME"})
		}
	}
}

func joinErrorCode(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return "SERVER_ERROR"
}
