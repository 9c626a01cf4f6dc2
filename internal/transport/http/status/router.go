package statushttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"tradeguard/internal/domain"
	"tradeguard/internal/logger"
	"tradeguard/internal/scheduler"
	"tradeguard/internal/store"

	"github.com/gin-gonic/gin"
)

// Board is the scheduler surface the API reads and drives.
type Board interface {
	Status() scheduler.Status
	UserStatus(userID string) (scheduler.UserStatus, bool)
	ResetBreaker(userID string) error
	ResetPeak(ctx context.Context, userID string) (domain.AccountState, error)
}

// Router serves the status board and the admin actions. Audit is optional;
// without it user detail omits recent history.
type Router struct {
	Board Board
	Audit store.Store
}

func NewRouter(board Board, audit store.Store) *Router {
	return &Router{Board: board, Audit: audit}
}

func (r *Router) Register(engine *gin.Engine) {
	engine.GET("/healthz", r.handleHealth)
	api := engine.Group("/api")
	api.GET("/status", r.handleStatus)
	api.GET("/status/:user_id", r.handleUserStatus)
	api.POST("/accounts/:user_id/breaker/reset", r.handleResetBreaker)
	api.POST("/accounts/:user_id/peak/reset", r.handleResetPeak)
}

func (r *Router) handleHealth(c *gin.Context) {
	st := r.Board.Status()
	code := http.StatusOK
	if st.Health == scheduler.HealthDown {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": st.Health})
}

func (r *Router) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.Board.Status())
}

// UserDetail is the per-user status plus recent audit rows.
type UserDetail struct {
	scheduler.UserStatus
	Snapshot       *domain.AccountSnapshot       `json:"snapshot,omitempty"`
	Events         []domain.ReconciliationEvent  `json:"events,omitempty"`
	DrawdownAlerts []domain.DrawdownAlert        `json:"drawdown_alerts,omitempty"`
	MarketAlerts   []domain.MarketConditionAlert `json:"market_alerts,omitempty"`
	Escalated      []domain.CloseClaim           `json:"escalated_closes,omitempty"`
}

func (r *Router) handleUserStatus(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	us, ok := r.Board.UserStatus(userID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown user"})
		return
	}
	out := UserDetail{UserStatus: us}
	if r.Audit == nil {
		c.JSON(http.StatusOK, out)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	ctx := c.Request.Context()
	var err error
	if out.Snapshot, err = r.Audit.Snapshots().Latest(ctx, userID); err != nil {
		r.auditError(c, userID, err)
		return
	}
	if out.Events, err = r.Audit.Events().ListByUser(ctx, userID, limit); err != nil {
		r.auditError(c, userID, err)
		return
	}
	if out.DrawdownAlerts, err = r.Audit.Alerts().ListDrawdown(ctx, userID, limit); err != nil {
		r.auditError(c, userID, err)
		return
	}
	if out.MarketAlerts, err = r.Audit.Alerts().ListMarket(ctx, userID, limit); err != nil {
		r.auditError(c, userID, err)
		return
	}
	if out.Escalated, err = r.Audit.Claims().ListEscalated(ctx, userID); err != nil {
		r.auditError(c, userID, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (r *Router) auditError(c *gin.Context, userID string, err error) {
	logger.Errorf("status: audit read user=%s: %v", userID, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "audit store unavailable"})
}

func (r *Router) handleResetBreaker(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	if err := r.Board.ResetBreaker(userID); err != nil {
		writeError(c, err)
		return
	}
	logger.Infof("status: breaker reset requested user=%s ip=%s", userID, c.ClientIP())
	us, _ := r.Board.UserStatus(userID)
	c.JSON(http.StatusOK, us)
}

func (r *Router) handleResetPeak(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	state, err := r.Board.ResetPeak(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	logger.Infof("status: peak reset requested user=%s ip=%s peak=%.2f", userID, c.ClientIP(), state.PeakEquity)
	c.JSON(http.StatusOK, gin.H{
		"user_id":     state.UserID,
		"peak_equity": state.PeakEquity,
		"guard_state": state.GuardState,
	})
}

func writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, scheduler.ErrUnknownUser):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
	case domain.IsValidation(err):
		code = http.StatusUnprocessableEntity
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
