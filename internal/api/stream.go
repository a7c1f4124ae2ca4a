package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// GET /ws/opportunities
func (h *handlers) streamOpportunities(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "error", err)
		return
	}
	user := userID(c)
	h.log.Info("opportunity stream opened", "user", user, "remote", c.ClientIP())
	if err := h.Hub.ServeWS(c.Request.Context(), conn, user); err != nil {
		h.log.Debug("opportunity stream closed", "user", user, "error", err)
	}
}

// GET /api/v1/opportunities
func (h *handlers) listOpportunities(c *gin.Context) {
	opps := h.Hub.Snapshot(userID(c))
	c.JSON(http.StatusOK, gin.H{"opportunities": opps, "count": len(opps)})
}
