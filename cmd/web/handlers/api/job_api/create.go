package job_api

import (
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"brandsight.systems/adscope/internal/db"
)

type createRequest struct {
	MediaRef       string          `json:"media_ref"`
	MediaKind      string          `json:"media_kind"`
	AnalysisParams json.RawMessage `json:"analysis_params,omitempty"`
}

// HandleCreate enqueues a new analysis job. Deep validation of the reference
// happens in the worker; here we reject only what can never be valid so the
// queue does not fill with junk.
func HandleCreate(store JobStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req createRequest
		if err := c.Bind(&req); err != nil {
			return c.String(400, "invalid request body")
		}

		req.MediaRef = strings.TrimSpace(req.MediaRef)
		if req.MediaRef == "" {
			return c.String(400, "media_ref is required")
		}
		if u, err := url.Parse(req.MediaRef); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return c.String(400, "media_ref must be an http(s) URL")
		}

		kind := db.MediaKind(req.MediaKind)
		if !kind.Valid() {
			return c.String(400, "media_kind must be \"image\" or \"video\"")
		}

		job, err := store.EnqueueAnalysisJob(c.Request().Context(), &db.EnqueueAnalysisJobParams{
			MediaRef:       req.MediaRef,
			MediaKind:      kind,
			AnalysisParams: req.AnalysisParams,
		})
		if err != nil {
			slog.Error("failed to enqueue analysis job", "media_ref", req.MediaRef, "error", err)
			return c.String(500, "failed to enqueue job")
		}

		return c.JSON(201, toJobResponse(job))
	}
}
