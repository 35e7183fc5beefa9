package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/toursync/toursync/internal/auth"
	"github.com/toursync/toursync/internal/middleware"
	"github.com/toursync/toursync/internal/notify"
)

// DefaultHeartbeat is the keep-alive interval on idle notification streams.
const DefaultHeartbeat = 25 * time.Second

const (
	wsWriteTimeout = 10 * time.Second
	wsMaxReadBytes = 512
)

// Subscriber is the part of *notify.Hub the stream handlers need.
type Subscriber interface {
	Subscribe(identity notify.Identity) *notify.Subscription
	Unsubscribe(sub *notify.Subscription)
	Drop(sub *notify.Subscription, cause error)
}

// NotificationConfig configures the notification stream handlers.
type NotificationConfig struct {
	// Heartbeat is the idle keep-alive interval. Zero uses DefaultHeartbeat;
	// negative disables heartbeats.
	Heartbeat time.Duration

	// AllowedOrigins restricts WebSocket upgrades from browsers. Empty allows
	// only same-origin requests and clients that send no Origin.
	AllowedOrigins []string

	Logger *slog.Logger
}

// NotificationHandlers serves the live notification stream over SSE and WebSocket.
type NotificationHandlers struct {
	hub       Subscriber
	heartbeat time.Duration
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

// NewNotificationHandlers creates the stream handlers.
func NewNotificationHandlers(hub Subscriber, cfg NotificationConfig) *NotificationHandlers {
	heartbeat := cfg.Heartbeat
	if heartbeat == 0 {
		heartbeat = DefaultHeartbeat
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	allowed := slices.Clone(cfg.AllowedOrigins)

	return &NotificationHandlers{
		hub:       hub,
		heartbeat: heartbeat,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(r, allowed)
			},
		},
	}
}

func originAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(allowed, origin) {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// identity resolves which tours the stream covers. Repeated tour_id query
// parameters narrow the stream (or, for admins, name tours outside the token);
// every requested tour must be visible to the principal.
func identity(r *http.Request) (notify.Identity, error) {
	p, ok := middleware.GetPrincipal(r.Context())
	if !ok {
		return notify.Identity{}, errUnauthenticated
	}
	id := notify.Identity{
		UserID:         p.UserID,
		OrganizationID: p.OrganizationID,
		TourIDs:        slices.Clone(p.TourIDs),
	}
	requested := r.URL.Query()["tour_id"]
	if len(requested) == 0 {
		return id, nil
	}
	id.TourIDs = id.TourIDs[:0]
	for _, tourID := range requested {
		if !p.InTour(tourID) {
			return notify.Identity{}, fmt.Errorf("%w: tour %s", errNotInTour, tourID)
		}
		id.TourIDs = append(id.TourIDs, tourID)
	}
	return id, nil
}

var (
	errUnauthenticated = errors.New("unauthenticated")
	errNotInTour       = errors.New("principal is not a member of the tour")
)

func writeIdentityError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errUnauthenticated) {
		WriteError(w, r.Context(), http.StatusUnauthorized, ErrCodeAuthFailed, "Authentication required")
		return
	}
	WriteError(w, r.Context(), http.StatusForbidden, ErrCodeForbidden, "You are not a member of this tour")
}

// Stream handles GET /api/notifications/stream as Server-Sent Events.
// Each notification is one event whose data line is the JSON notification.
// Idle streams get a ": ping" comment every heartbeat interval.
func (h *NotificationHandlers) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := identity(r)
	if err != nil {
		writeIdentityError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	// The stream outlives the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, "retry: 3000\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		h.logger.ErrorContext(ctx, "notification stream cannot flush", "error", err)
		return
	}

	sub := h.hub.Subscribe(id)
	defer h.hub.Unsubscribe(sub)

	h.logger.InfoContext(ctx, "notification stream opened",
		"subscription_id", sub.ID(),
		"transport", "sse",
		"tours", len(id.TourIDs))

	var heartbeat <-chan time.Time
	if h.heartbeat > 0 {
		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			h.logger.InfoContext(ctx, "notification stream closed by client", "subscription_id", sub.ID())
			return
		case <-sub.Done():
			h.logger.InfoContext(ctx, "notification stream ended",
				"subscription_id", sub.ID(),
				"reason", errString(sub.Err()))
			return
		case n := <-sub.Events():
			if err := notify.WriteSSE(w, n); err == nil {
				err = rc.Flush()
			}
			if err != nil {
				h.hub.Drop(sub, err)
				h.logger.WarnContext(ctx, "notification stream write failed",
					"subscription_id", sub.ID(), "error", err)
				return
			}
		case <-heartbeat:
			_, err := io.WriteString(w, ": ping\n\n")
			if err == nil {
				err = rc.Flush()
			}
			if err != nil {
				h.hub.Drop(sub, err)
				return
			}
		}
	}
}

// WebSocket handles GET /api/notifications/ws. It sends the same JSON
// notifications as text frames and uses WebSocket pings as heartbeat.
// Client messages are read only to detect disconnects.
func (h *NotificationHandlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := identity(r)
	if err != nil {
		writeIdentityError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.WarnContext(ctx, "failed to upgrade websocket connection", "error", err)
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe(id)
	defer h.hub.Unsubscribe(sub)

	h.logger.InfoContext(ctx, "notification stream opened",
		"subscription_id", sub.ID(),
		"transport", "websocket",
		"tours", len(id.TourIDs))

	readDeadline := func() time.Time {
		if h.heartbeat <= 0 {
			return time.Time{}
		}
		return time.Now().Add(2 * h.heartbeat)
	}

	// Reader: detects client close and keeps the read deadline alive on pong.
	closed := make(chan error, 1)
	conn.SetReadLimit(wsMaxReadBytes)
	_ = conn.SetReadDeadline(readDeadline())
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(readDeadline())
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closed <- err
				return
			}
		}
	}()

	var heartbeat <-chan time.Time
	if h.heartbeat > 0 {
		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case err := <-closed:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WarnContext(ctx, "websocket connection closed unexpectedly",
					"subscription_id", sub.ID(), "error", err)
			}
			return
		case <-sub.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream ended")
			if !errors.Is(sub.Err(), notify.ErrHubClosed) {
				msg = websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber too slow")
			}
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
			h.logger.InfoContext(ctx, "notification stream ended",
				"subscription_id", sub.ID(),
				"reason", errString(sub.Err()))
			return
		case n := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(n); err != nil {
				h.hub.Drop(sub, err)
				h.logger.WarnContext(ctx, "websocket write failed",
					"subscription_id", sub.ID(), "error", err)
				return
			}
		case <-heartbeat:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				h.hub.Drop(sub, err)
				return
			}
		}
	}
}

func errString(err error) string {
	if err == nil {
		return "unsubscribed"
	}
	return err.Error()
}

// principalOrFail returns the authenticated principal or writes a 401.
func principalOrFail(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := middleware.GetPrincipal(r.Context())
	if !ok {
		WriteError(w, r.Context(), http.StatusUnauthorized, ErrCodeAuthFailed, "Authentication required")
	}
	return p, ok
}
