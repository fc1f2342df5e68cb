package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/coder/websocket"

	"github.com/nkiryanov/schoolgate/internal/apperrors"
	"github.com/nkiryanov/schoolgate/internal/handlers/render"
	"github.com/nkiryanov/schoolgate/internal/logger"
	"github.com/nkiryanov/schoolgate/internal/metrics"
	"github.com/nkiryanov/schoolgate/internal/models"
)

const wsReadLimit = 64 << 10

// WebSocket echo authenticated with one time ticket
// Origin is checked before the ticket is consumed, so a cross origin attempt leaves the ticket usable
// Ticket is consumed before upgrade, connection without consumed ticket is closed with 1008 before any read
func handleWS(tickets ticketBroker, sessions sessionLookup, origins []string, l logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !originAllowed(r, origins) {
			metrics.WSTickets.WithLabelValues("rejected").Inc()
			l.Warn("WebSocket origin rejected", "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
			render.ServiceError(w, "Origin not allowed", http.StatusForbidden)
			return
		}

		ticket, ticketErr := tickets.Consume(r.Context(), r.URL.Query().Get("ticket"))
		if ticketErr == nil && sessions != nil {
			ticketErr = checkLive(r.Context(), sessions, ticket)
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: origins})
		if err != nil {
			l.Info("WebSocket upgrade failed", "origin", r.Header.Get("Origin"), "error", err)
			return
		}

		if ticketErr != nil {
			switch {
			case errors.Is(ticketErr, apperrors.ErrTicketNotFound):
				metrics.WSTickets.WithLabelValues("rejected").Inc()
				l.Warn("WebSocket ticket rejected", "remote", r.RemoteAddr)
			case errors.Is(ticketErr, apperrors.ErrSessionNotFound):
				metrics.WSTickets.WithLabelValues("rejected").Inc()
				l.Warn("WebSocket ticket of revoked session", "user_id", ticket.UserID, "session_id", ticket.SessionID)
			default:
				metrics.WSTickets.WithLabelValues(metrics.OutcomeError).Inc()
				l.Error("WebSocket ticket could not be consumed", "error", ticketErr)
			}
			_ = conn.Close(websocket.StatusPolicyViolation, "Invalid or expired ticket")
			return
		}

		metrics.WSTickets.WithLabelValues("consumed").Inc()
		l.Info("WebSocket connected", "user_id", ticket.UserID, "session_id", ticket.SessionID)

		conn.SetReadLimit(wsReadLimit)
		ctx := r.Context()

		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					l.Debug("WebSocket read stopped", "user_id", ticket.UserID, "error", err)
				}
				return
			}

			if typ != websocket.MessageText {
				_ = conn.Close(websocket.StatusUnsupportedData, "text messages only")
				return
			}

			if err := conn.Write(ctx, websocket.MessageText, []byte("Message received: "+string(data))); err != nil {
				l.Debug("WebSocket write failed", "user_id", ticket.UserID, "error", err)
				return
			}
		}
	}
}

// Origin patterns are hosts, so 'https://app.example.com' becomes 'app.example.com'
func originPatterns(origins []string) []string {
	var patterns []string
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			o = u.Host
		}
		patterns = append(patterns, o)
	}
	return patterns
}

// Session of the ticket must still be in the live sessions index
// Revoked users and closed sessions are dropped from it
func checkLive(ctx context.Context, sessions sessionLookup, ticket models.Ticket) error {
	cached, err := sessions.Get(ctx, ticket.SessionID)
	if err != nil {
		return err
	}
	if cached.UserID != ticket.UserID {
		return apperrors.ErrSessionNotFound
	}
	return nil
}

// Same rules websocket.Accept applies: no Origin, same host or any of host patterns
func originAllowed(r *http.Request, patterns []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(r.Host, u.Host) {
		return true
	}

	for _, pattern := range patterns {
		if ok, _ := path.Match(strings.ToLower(pattern), strings.ToLower(u.Host)); ok {
			return true
		}
	}
	return false
}
