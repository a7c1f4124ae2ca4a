package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"trading-radar/internal/model"
)

// automationView reports the interval in minutes, the unit users set.
type automationView struct {
	Feature         model.Feature `json:"feature"`
	Enabled         bool          `json:"enabled"`
	IntervalMinutes int64         `json:"intervalMinutes"`
	LastRun         *time.Time    `json:"lastRun,omitempty"`
	NextRun         *time.Time    `json:"nextRun,omitempty"`
}

func newAutomationView(cfg model.AutomationConfig) automationView {
	return automationView{
		Feature:         cfg.Feature,
		Enabled:         cfg.Enabled,
		IntervalMinutes: int64(cfg.Interval / time.Minute),
		LastRun:         cfg.LastRun,
		NextRun:         cfg.NextRun,
	}
}

type enableRequest struct {
	IntervalMinutes int64 `json:"intervalMinutes"`
}

func (h *handlers) fingerprint(c *gin.Context) (model.Fingerprint, bool) {
	f, err := model.ParseFeature(c.Param("feature"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return model.Fingerprint{}, false
	}
	return model.Fingerprint{UserID: userID(c), Feature: f}, true
}

// GET /api/v1/automation/:feature
func (h *handlers) getAutomation(c *gin.Context) {
	fp, ok := h.fingerprint(c)
	if !ok {
		return
	}
	cfg, err := h.Automation.Get(c.Request.Context(), fp)
	if errors.Is(err, model.ErrNotFound) {
		c.JSON(http.StatusOK, automationView{Feature: fp.Feature})
		return
	}
	if err != nil {
		h.internalError(c, "get automation", err)
		return
	}
	c.JSON(http.StatusOK, newAutomationView(cfg))
}

// PUT /api/v1/automation/:feature enables the feature; the first run is due
// immediately.
func (h *handlers) enableAutomation(c *gin.Context) {
	fp, ok := h.fingerprint(c)
	if !ok {
		return
	}
	var req enableRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
			return
		}
	}
	if req.IntervalMinutes < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "intervalMinutes must be positive"})
		return
	}
	interval := h.DefaultInterval
	if req.IntervalMinutes > 0 {
		interval = time.Duration(req.IntervalMinutes) * time.Minute
	}

	cfg, err := h.Automation.Enable(c.Request.Context(), fp, interval, h.Now().UTC())
	if err != nil {
		h.internalError(c, "enable automation", err)
		return
	}
	h.log.Info("automation enabled", "fingerprint", fp.String(), "interval", interval.String())
	c.JSON(http.StatusOK, newAutomationView(cfg))
}

// DELETE /api/v1/automation/:feature
func (h *handlers) disableAutomation(c *gin.Context) {
	fp, ok := h.fingerprint(c)
	if !ok {
		return
	}
	err := h.Automation.Disable(c.Request.Context(), fp)
	if errors.Is(err, model.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "automation not configured"})
		return
	}
	if err != nil {
		h.internalError(c, "disable automation", err)
		return
	}
	h.log.Info("automation disabled", "fingerprint", fp.String())
	c.Status(http.StatusNoContent)
}

// GET /api/v1/automation/runs?limit=N
func (h *handlers) listRuns(c *gin.Context) {
	if h.Runs == nil {
		c.JSON(http.StatusOK, gin.H{"runs": []model.AutomationRun{}, "count": 0})
		return
	}
	limit := 50
	if s := c.Query("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 && l <= 500 {
			limit = l
		}
	}
	runs, err := h.Runs.Recent(c.Request.Context(), userID(c), limit)
	if err != nil {
		h.internalError(c, "list runs", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}
