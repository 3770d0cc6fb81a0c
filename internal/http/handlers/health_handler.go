package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health godoc
// @ID          health
// @Summary     Liveness check
// @Tags        Ops
// @Produce     json
// @Success     200  {object}  map[string]string
// @Router      /health [get]
func (h *Handlers) Health(c *gin.Context) {
	ok(c, http.StatusOK, gin.H{"status": "ok"})
}

// Debug godoc
// @ID          debug
// @Summary     Runtime diagnostics
// @Description Reports which credentials are configured (never their values) and the active publish/notify modes.
// @Tags        Ops
// @Produce     json
// @Param       X-Deploy-Secret  header  string  true  "Shared deploy secret"
// @Success     200  {object}  handlers.DebugInfo
// @Failure     401  {object}  handlers.ErrorResponse  "Missing or invalid secret"
// @Router      /debug [get]
func (h *Handlers) Debug(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	ok(c, http.StatusOK, h.debug)
}
