package bridge

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
)

// AttachFunc wires a fresh connection into the application before it starts
// serving. The returned function, when non-nil, runs after the connection
// ends.
type AttachFunc func(ctx context.Context, conn *Conn) (detach func(), err error)

// Handler upgrades HTTP requests to bridge connections.
type Handler struct {
	upgrader websocket.Upgrader
	settings Settings
	attach   AttachFunc
	ctx      context.Context
}

// NewHandler builds a handler. Connections live until the host disconnects
// or ctx ends.
func NewHandler(ctx context.Context, settings Settings, attach AttachFunc) *Handler {
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// the host extension runs on its own origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
		settings: settings.withDefaults(),
		attach:   attach,
		ctx:      ctx,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.settings.Logger.Warn("bridge upgrade failed", "error", err)
		return
	}
	conn := NewConn(ws, h.settings)
	var detach func()
	if h.attach != nil {
		detach, err = h.attach(h.ctx, conn)
		if err != nil {
			h.settings.Logger.Error("bridge attach failed", "error", err)
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "attach failed"), deadline(h.settings))
			_ = ws.Close()
			return
		}
	}
	go func() {
		if detach != nil {
			defer detach()
		}
		if err := conn.Run(h.ctx); err != nil {
			h.settings.Logger.Info("bridge connection ended", "remote", r.RemoteAddr, "error", err)
		}
	}()
}
