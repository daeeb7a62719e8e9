package costguard

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/promptdeck/promptdeck/internal/account"
	"github.com/promptdeck/promptdeck/internal/pricing"
)

// Handler provides HTTP endpoints for cost-protection status.
type Handler struct {
	monitor *Monitor
	logger  *slog.Logger
}

// NewHandler creates a new costguard handler.
func NewHandler(monitor *Monitor, logger *slog.Logger) *Handler {
	return &Handler{monitor: monitor, logger: logger}
}

// RegisterRoutes sets up costguard routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/costguard/status/:userId", h.Status)
	r.GET("/costguard/estimate", h.Estimate)
}

// RegisterAdminRoutes sets up admin-only costguard routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/costguard/audit", h.RunAudit)
}

// Status handles GET /costguard/status/:userId
func (h *Handler) Status(c *gin.Context) {
	snapshot, err := h.monitor.Status(c.Request.Context(), c.Param("userId"))
	if err != nil {
		if errors.Is(err, account.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found", "message": "User not found"})
			return
		}
		h.logger.Error("cost status failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "costguard_error", "message": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": snapshot})
}

// Estimate handles GET /costguard/estimate?model=...&complexity=...
func (h *Handler) Estimate(c *gin.Context) {
	complexity := pricing.Complexity(c.DefaultQuery("complexity", string(pricing.DefaultComplexity)))
	estimate := EstimateOperationCost(c.Query("model"), complexity)
	c.JSON(http.StatusOK, gin.H{"estimate": estimate})
}

// RunAudit handles POST /admin/costguard/audit
func (h *Handler) RunAudit(c *gin.Context) {
	report, err := h.monitor.Audit(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audit_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}
