// Package cache_api exposes digest cache reporting.
package cache_api

import (
	"context"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"

	"brandsight.systems/adscope/internal/db"
)

type StatsStore interface {
	GetCacheStats(ctx context.Context) (*db.CacheStats, error)
}

type statsResponse struct {
	TotalEntries          int64  `json:"total_entries"`
	TotalHits             int64  `json:"total_hits"`
	EstimatedSavingsCents int64  `json:"estimated_savings_cents"`
	EstimatedSavings      string `json:"estimated_savings"`
}

// HandleStats reports aggregate cache effectiveness: how many analyses were
// skipped and roughly what they would have cost.
func HandleStats(store StatsStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		stats, err := store.GetCacheStats(c.Request().Context())
		if err != nil {
			slog.Error("failed to get cache stats", "error", err)
			return c.String(500, "failed to get cache stats")
		}

		return c.JSON(200, &statsResponse{
			TotalEntries:          stats.TotalEntries,
			TotalHits:             stats.TotalHits,
			EstimatedSavingsCents: stats.EstimatedSavingsCents,
			EstimatedSavings:      formatCents(stats.EstimatedSavingsCents),
		})
	}
}

func formatCents(cents int64) string {
	return "$" + humanize.CommafWithDigits(float64(cents)/100, 2)
}

