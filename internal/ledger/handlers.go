package ledger

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/promptdeck/promptdeck/internal/account"
	"github.com/promptdeck/promptdeck/internal/pricing"
)

// Guard runs the cost-protection check ahead of a consume. degraded reports
// a fail-open internal error so the caller can flag the response.
type Guard interface {
	EstimateCostCents(model string, complexity pricing.Complexity) int64
	AllowOperation(ctx context.Context, userID, model string, complexity pricing.Complexity) (allowed, degraded bool)
}

// Handler provides HTTP endpoints for ledger operations.
type Handler struct {
	service *Service
	guard   Guard
	logger  *slog.Logger
}

// NewHandler creates a new ledger handler.
func NewHandler(service *Service, guard Guard, logger *slog.Logger) *Handler {
	return &Handler{service: service, guard: guard, logger: logger}
}

// RegisterRoutes sets up ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/tokens/check", h.Check)
	r.POST("/tokens/consume", h.Consume)
	r.GET("/tokens/balance/:userId", h.Balance)
	r.GET("/tokens/history/:userId", h.History)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/tokens/credit", h.Credit)
	r.POST("/admin/tokens/expire", h.RunExpiry)
}

// CheckRequest asks whether a user can afford an operation.
type CheckRequest struct {
	UserID     string `json:"userId" binding:"required"`
	Complexity string `json:"complexity"`
}

// Check handles POST /tokens/check
func (h *Handler) Check(c *gin.Context) {
	var req CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	avail, err := h.service.CheckAvailability(c.Request.Context(), req.UserID, complexityOrDefault(req.Complexity))
	if err != nil && avail == nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"availability": avail})
}

// ConsumeRequestBody is the consume endpoint payload.
type ConsumeRequestBody struct {
	UserID     string `json:"userId" binding:"required"`
	Complexity string `json:"complexity"`
	Model      string `json:"model"`
}

// Consume handles POST /tokens/consume
func (h *Handler) Consume(c *gin.Context) {
	var req ConsumeRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	complexity := complexityOrDefault(req.Complexity)
	degraded := false
	if h.guard != nil {
		var allowed bool
		allowed, degraded = h.guard.AllowOperation(c.Request.Context(), req.UserID, req.Model, complexity)
		if !allowed {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "account_suspended",
				"message": "Account suspended by cost protection",
			})
			return
		}
	}

	consume := ConsumeRequest{Complexity: complexity, Model: req.Model}
	if h.guard != nil {
		consume.CostCents = h.guard.EstimateCostCents(req.Model, complexity)
	}

	result, err := h.service.Consume(c.Request.Context(), req.UserID, consume)
	if err != nil {
		h.renderError(c, err)
		return
	}

	resp := gin.H{"result": result}
	if degraded {
		resp["safetyCheckDegraded"] = true
	}
	c.JSON(http.StatusOK, resp)
}

// Balance handles GET /tokens/balance/:userId
func (h *Handler) Balance(c *gin.Context) {
	breakdown, err := h.service.BalanceBreakdown(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": breakdown})
}

// History handles GET /tokens/history/:userId
func (h *Handler) History(c *gin.Context) {
	entries, err := h.service.History(c.Request.Context(), c.Param("userId"), 50)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": entries})
}

// CreditRequestBody is the admin credit payload.
type CreditRequestBody struct {
	UserID      string `json:"userId" binding:"required"`
	Type        string `json:"type" binding:"required"`
	Tokens      int64  `json:"tokens" binding:"required"`
	PackageID   string `json:"packageId"`
	ExternalRef string `json:"externalRef"`
	ExpiresIn   int    `json:"expiresInDays"`
}

// Credit handles POST /admin/tokens/credit
func (h *Handler) Credit(c *gin.Context) {
	var req CreditRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	credit := CreditRequest{
		Type:        Type(req.Type),
		Tokens:      req.Tokens,
		PackageID:   req.PackageID,
		ExternalRef: req.ExternalRef,
	}
	if req.ExpiresIn > 0 {
		expiry := time.Now().AddDate(0, 0, req.ExpiresIn)
		credit.ExpiresAt = &expiry
	}

	result, err := h.service.Credit(c.Request.Context(), req.UserID, credit)
	if err != nil {
		if errors.Is(err, ErrDuplicateCredit) {
			// Acknowledged, not reapplied.
			c.JSON(http.StatusOK, gin.H{"duplicate": true})
			return
		}
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// RunExpiry handles POST /admin/tokens/expire
func (h *Handler) RunExpiry(c *gin.Context) {
	count, err := h.service.Expire(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "expiry_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"expiredCount": count})
}

func (h *Handler) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, account.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found", "message": "User not found"})
	case errors.Is(err, ErrInsufficientTokens):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_tokens", "message": "Not enough tokens for this operation"})
	case errors.Is(err, ErrMonthlyLimitExceeded):
		c.JSON(http.StatusForbidden, gin.H{"error": "monthly_limit_exceeded", "message": "Monthly token allotment exhausted; upgrade required"})
	case errors.Is(err, ErrAccountSuspended):
		c.JSON(http.StatusForbidden, gin.H{"error": "account_suspended", "message": "Account is suspended"})
	case errors.Is(err, ErrInvalidCredit):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_credit", "message": err.Error()})
	default:
		h.logger.Error("ledger operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_error", "message": "Internal error"})
	}
}

func complexityOrDefault(s string) pricing.Complexity {
	if s == "" {
		return pricing.DefaultComplexity
	}
	return pricing.Complexity(s)
}
