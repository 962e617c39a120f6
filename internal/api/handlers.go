package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const historyLimit = 500

// handleHealth returns server health status
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleStatus returns the full engine status
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.GetStatus())
}

// handleToggleTrading flips the trading-enabled flag
func (s *Server) handleToggleTrading(c *gin.Context) {
	enabled := s.engine.ToggleTrading()
	s.logger.Info("Trading toggled via API", "enabled", enabled)
	c.JSON(http.StatusOK, gin.H{
		"trading_enabled": enabled,
	})
}

// handleEquityHistory returns recent equity points
func (s *Server) handleEquityHistory(c *gin.Context) {
	points := s.engine.EquityHistory(historyLimit)
	c.JSON(http.StatusOK, gin.H{
		"count":   len(points),
		"history": points,
	})
}

// handleTradeHistory returns recent trades
func (s *Server) handleTradeHistory(c *gin.Context) {
	trades := s.engine.TradeHistory(historyLimit)
	c.JSON(http.StatusOK, gin.H{
		"count":  len(trades),
		"trades": trades,
	})
}

// handleChartData returns candles, indicators and position info for a symbol
func (s *Server) handleChartData(c *gin.Context) {
	symbol := c.Param("symbol")

	known := false
	for _, s := range s.engine.Symbols() {
		if s == symbol {
			known = true
			break
		}
	}
	if !known {
		errorResponse(c, http.StatusNotFound, "unknown symbol: "+symbol)
		return
	}

	c.JSON(http.StatusOK, s.engine.ChartData(symbol))
}

// handleGetConfig returns the adjustable trading settings
func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.ConfigSummary())
}

// configUpdateRequest carries the settings that can change at runtime
type configUpdateRequest struct {
	Leverage         *int     `json:"leverage"`
	PositionSizeUSDT *float64 `json:"position_size_usdt"`
	MarginMode       *string  `json:"margin_mode"`
}

// handleUpdateConfig applies runtime settings changes. Leverage and margin
// mode changes are re-applied to every symbol on the venue.
func (s *Server) handleUpdateConfig(c *gin.Context) {
	var req configUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.Leverage != nil {
		if *req.Leverage < 1 || *req.Leverage > 100 {
			errorResponse(c, http.StatusBadRequest, "leverage must be between 1 and 100")
			return
		}
	}
	if req.PositionSizeUSDT != nil && *req.PositionSizeUSDT <= 0 {
		errorResponse(c, http.StatusBadRequest, "position_size_usdt must be positive")
		return
	}
	if req.MarginMode != nil && *req.MarginMode != "ISOLATED" && *req.MarginMode != "CROSS" {
		errorResponse(c, http.StatusBadRequest, "margin_mode must be ISOLATED or CROSS")
		return
	}

	if req.Leverage != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
		defer cancel()
		if err := s.engine.UpdateLeverage(ctx, *req.Leverage); err != nil {
			errorResponse(c, http.StatusInternalServerError, "leverage update failed: "+err.Error())
			return
		}
	}
	if req.MarginMode != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
		defer cancel()
		if err := s.engine.UpdateMarginMode(ctx, *req.MarginMode); err != nil {
			errorResponse(c, http.StatusInternalServerError, "margin mode update failed: "+err.Error())
			return
		}
	}
	if req.PositionSizeUSDT != nil {
		s.engine.UpdatePositionSize(*req.PositionSizeUSDT)
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"config":  s.engine.ConfigSummary(),
	})
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}
