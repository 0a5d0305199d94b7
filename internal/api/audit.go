package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/deesec/internal/audit"
	"go.uber.org/zap"
)

// AuditHandler exposes the event hash chain.
type AuditHandler struct {
	chain  *audit.Chain
	logger *zap.Logger
}

// NewAuditHandler creates a new AuditHandler.
func NewAuditHandler(chain *audit.Chain, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{chain: chain, logger: logger}
}

// Register mounts the audit routes on the given router group.
func (h *AuditHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/audit", h.Status)
	rg.GET("/audit/:index", h.Entry)
}

// Status handles GET /audit. It verifies the whole chain.
func (h *AuditHandler) Status(c *gin.Context) {
	st, err := h.chain.Status(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, "audit status", err)
		return
	}
	if !st.Intact {
		h.logger.Error("audit chain verification failed", zap.String("problem", st.Problem))
	}
	c.JSON(http.StatusOK, st)
}

// Entry handles GET /audit/:index.
func (h *AuditHandler) Entry(c *gin.Context) {
	idx, err := strconv.ParseUint(c.Param("index"), 10, 64)
	if err != nil {
		badRequest(c, "index must be a non-negative integer")
		return
	}
	e, err := h.chain.Get(c.Request.Context(), idx)
	if err != nil {
		writeError(c, h.logger, "get audit entry", err)
		return
	}
	c.JSON(http.StatusOK, e)
}
