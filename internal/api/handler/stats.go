package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetStats reports the online count and the clients held by this gateway.
func (h *Handler) GetStats(c *gin.Context) {
	local := h.Hub.LocalClients()
	resp := gin.H{"local_clients": local, "online": int64(local)}

	if h.online != nil {
		n, err := h.online(c.Request.Context())
		if err != nil {
			h.log.WithError(err).Warn("failed to count online clients")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "online count unavailable", "local_clients": local})
			return
		}
		resp["online"] = n
	}
	c.JSON(http.StatusOK, resp)
}
