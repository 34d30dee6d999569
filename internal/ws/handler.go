package ws

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"charla/server/internal/core"
	"charla/server/internal/protocol"
)

const writeTimeout = 5 * time.Second

// Handler owns websocket transport for the routing core.
type Handler struct {
	router   *core.Router
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to the router.
func NewHandler(router *core.Router) *Handler {
	return &Handler{
		router: router,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn)
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Time{})
	conn.SetReadLimit(2 << 20)

	session := h.router.Connect(64)
	defer h.router.Disconnect(session.ConnID)

	// The write pump owns all writes. When the session channel closes
	// (disconnect, eviction, or ban) the socket is closed too, which
	// unblocks the read loop below.
	go func() {
		for out := range session.Send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		}
		_ = conn.Close()
	}()

	ctx := context.Background()

	var hello protocol.Message
	if err := conn.ReadJSON(&hello); err != nil {
		return
	}
	if hello.Type != protocol.TypeIdentify {
		h.sendError(session.ConnID, "first message must be identify")
		return
	}
	if err := h.router.Identify(ctx, session.ConnID, hello.Nickname); err != nil {
		// The router has already pushed a rejected/error frame; the
		// deferred Disconnect tears the session down.
		return
	}

	for {
		var in protocol.Message
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		h.handleInbound(ctx, session.ConnID, in)
	}
}

func (h *Handler) handleInbound(ctx context.Context, connID string, in protocol.Message) {
	switch in.Type {
	case protocol.TypePing:
		h.router.Pong(connID, in.TS)

	case protocol.TypeSend:
		// The tagged body union is validated here, before anything
		// reaches the router or the history store.
		if err := in.Body.Validate(); err != nil {
			h.sendError(connID, err.Error())
			return
		}
		_ = h.router.Send(ctx, connID, in.Scope, in.Target, *in.Body)

	case protocol.TypeCreateGroup:
		_ = h.router.CreateGroup(connID, in.Target, in.Members)

	case protocol.TypeJoinGroup:
		_ = h.router.JoinGroup(ctx, connID, in.Target)

	case protocol.TypeTyping:
		_ = h.router.Typing(connID, in.Scope, in.Target)

	case protocol.TypeRename:
		_ = h.router.RenameConn(connID, in.Nickname)

	case protocol.TypeBan:
		h.router.Ban(in.Target)

	default:
		h.sendError(connID, "unsupported message type")
	}
}

func (h *Handler) sendError(connID, errMsg string) {
	h.router.SendTo(connID, protocol.Message{Type: protocol.TypeError, Error: errMsg})
}
