package api

import (
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"trading-radar/internal/feed"
	"trading-radar/internal/model"
)

// GET /api/v1/tickers
func (h *handlers) listTickers(c *gin.Context) {
	if h.Tickers == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ticker store not available"})
		return
	}
	snap := h.Tickers.Snapshot()
	out := make([]model.Ticker, 0, len(snap))
	for _, t := range snap {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	c.JSON(http.StatusOK, gin.H{"tickers": out, "count": len(out)})
}

// GET /api/v1/tickers/:symbol
func (h *handlers) getTicker(c *gin.Context) {
	if h.Tickers == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ticker store not available"})
		return
	}
	symbol := strings.ToUpper(c.Param("symbol"))
	t, ok := h.Tickers.Get(symbol)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no ticker for " + symbol})
		return
	}
	c.JSON(http.StatusOK, t)
}

// GET /api/v1/feed/status
func (h *handlers) feedStatus(c *gin.Context) {
	out := make([]feed.Status, 0, len(h.Feeds))
	for _, f := range h.Feeds {
		out = append(out, f.Status())
	}
	c.JSON(http.StatusOK, gin.H{"feeds": out})
}
