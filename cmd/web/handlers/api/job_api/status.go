package job_api

import (
	"log/slog"

	"github.com/labstack/echo/v4"

	"brandsight.systems/adscope/cmd/web/handlers/common"
)

// HandleStatus returns one job by id, digest included once processed.
func HandleStatus(store JobStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := common.RequireUUIDParam(c, "id")
		if err != nil {
			return err
		}

		job, err := store.GetAnalysisJob(c.Request().Context(), id)
		if err != nil {
			slog.Error("failed to get analysis job", "job_id", id, "error", err)
			return c.String(500, "failed to get job")
		}
		if job == nil {
			return c.String(404, "job not found")
		}

		return c.JSON(200, toJobResponse(job))
	}
}
