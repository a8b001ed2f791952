// ABOUTME: Websocket endpoint for dashboard clients of the gateway link
// ABOUTME: Authorises at handshake, then relays frames in both directions

package gateway

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/2389/clawcontrol/internal/auth"
	"github.com/2389/clawcontrol/internal/wsconn"
)

// Authorizer validates the credentials carried by a handshake request.
type Authorizer interface {
	Authenticate(r *http.Request) (*auth.AuthContext, error)
}

// Handler serves GET /ws/gateway.
type Handler struct {
	link     *Link
	authz    Authorizer
	upgrader *websocket.Upgrader
}

// NewHandler creates the subscriber endpoint for link.
func NewHandler(link *Link, authz Authorizer) *Handler {
	return &Handler{link: link, authz: authz, upgrader: wsconn.NewUpgrader()}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, err := h.authz.Authenticate(r); err != nil {
		wsconn.Reject(h.upgrader, w, r)
		return
	}

	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.link.logger.Debug("gateway subscriber upgrade failed", "error", err)
		return
	}
	conn := wsconn.New(socket)
	defer conn.Close()

	if !h.link.hub.Add(conn) {
		_ = conn.CloseWith(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer h.link.hub.Remove(conn.ID())

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := h.link.Send(msgType, data); err != nil {
			reason := "upstream down"
			if !errors.Is(err, ErrUpstreamDown) {
				reason = "upstream write failed"
			}
			h.link.logger.Debug("dropped subscriber frame", "conn_id", conn.ID(), "reason", reason, "error", err)
		}
	}
}
