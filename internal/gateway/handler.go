package gateway

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/internal/ctxkeys"
	"github.com/courierhq/courier/internal/telemetry"
)

// Handler upgrades authenticated requests and runs the connection pumps.
type Handler struct {
	reg      *Registry
	cfg      config.Gateway
	logger   *slog.Logger
	metrics  *telemetry.ChatMetrics
	upgrader websocket.Upgrader
}

func NewHandler(reg *Registry, cfg config.Gateway, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		reg:    reg,
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The edge proxy terminates origins; anything that reached us
			// already passed it.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// SetMetrics attaches connection gauges. Call before Register.
func (h *Handler) SetMetrics(m *telemetry.ChatMetrics) { h.metrics = m }

// Register mounts the websocket route.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/ws", h.serve)
}

func (h *Handler) serve(c *gin.Context) {
	userID := c.GetHeader(ctxkeys.IdentityHeader)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "caller identity missing"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "user_id", userID, "err", err)
		return
	}

	client := NewClient(conn)
	h.reg.Add(userID, client)
	if h.metrics != nil {
		h.metrics.RecordConnect(c.Request.Context())
	}
	h.logger.Info("client connected", "user_id", userID, "active", h.reg.Count())

	go client.writePump(userID, h.cfg, h.logger)
	client.readPump(userID, h.reg, h.cfg, h.logger)
	if h.metrics != nil {
		h.metrics.RecordDisconnect(c.Request.Context())
	}
	h.logger.Info("client disconnected", "user_id", userID, "active", h.reg.Count())
}
