package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"trading-radar/internal/model"
)

type criterionRequest struct {
	Name       string          `json:"name"`
	Symbol     string          `json:"symbol" binding:"required"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	TargetPct  float64         `json:"targetPct"`
	Once       bool            `json:"once"`
}

// GET /api/v1/watchlist
func (h *handlers) listCriteria(c *gin.Context) {
	list, err := h.Watchlist.ListCriteria(c.Request.Context(), userID(c))
	if err != nil {
		h.internalError(c, "list criteria", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"criteria": list, "count": len(list)})
}

// POST /api/v1/watchlist
func (h *handlers) addCriterion(c *gin.Context) {
	var req criterionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}
	crit := model.WatchCriterion{
		UserID:     userID(c),
		Name:       strings.TrimSpace(req.Name),
		Symbol:     strings.ToUpper(strings.TrimSpace(req.Symbol)),
		EntryPrice: req.EntryPrice,
		TargetPct:  req.TargetPct,
		Once:       req.Once,
		Active:     true,
		CreatedAt:  h.Now().UTC(),
	}
	if err := crit.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid criterion", "message": err.Error()})
		return
	}
	if crit.Once && crit.TargetPct == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid criterion", "message": "one-shot criteria need a targetPct"})
		return
	}

	saved, err := h.Watchlist.AddCriterion(c.Request.Context(), crit)
	if err != nil {
		if errors.Is(err, model.ErrInvalidEntryPrice) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid criterion", "message": err.Error()})
			return
		}
		h.internalError(c, "add criterion", err)
		return
	}
	if h.Criteria != nil {
		if err := h.Criteria.Add(saved); err != nil {
			// persisted; the periodic sync will pick it up
			h.log.Warn("criterion not registered with detector", "id", saved.ID, "error", err)
		}
	}
	c.JSON(http.StatusCreated, saved)
}

// DELETE /api/v1/watchlist/:id
func (h *handlers) removeCriterion(c *gin.Context) {
	id := c.Param("id")
	err := h.Watchlist.RemoveCriterion(c.Request.Context(), userID(c), id)
	if errors.Is(err, model.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "criterion not found"})
		return
	}
	if err != nil {
		h.internalError(c, "remove criterion", err)
		return
	}
	if h.Criteria != nil {
		h.Criteria.Remove(id)
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) internalError(c *gin.Context, op string, err error) {
	h.log.Error(op+" failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
