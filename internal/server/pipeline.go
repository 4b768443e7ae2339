package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/pkazemian/personify/internal/pipeline"
	"github.com/pkazemian/personify/internal/store"
)

// PipelineHandler exposes orchestration over HTTP. Run results are returned
// verbatim; a conflicting run maps to 409 with the blocking run's stage.
type PipelineHandler struct {
	Store *store.Store
	Orch  *pipeline.Orchestrator
}

func (h *PipelineHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.POST("/run", h.run)
	g.POST("/incremental/:platform", h.incremental)
	g.GET("/status", h.status)
	g.GET("/runs", h.runs)
}

func (h *PipelineHandler) run(c echo.Context) error {
	var opts pipeline.Options
	if c.QueryParam("force_refresh") == "true" {
		opts.ForceRefresh = true
	}
	res := h.Orch.RunFull(c.Request().Context(), userID(c), opts)
	if res.Error == "Pipeline already running" {
		return c.JSON(http.StatusConflict, res)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *PipelineHandler) incremental(c echo.Context) error {
	platform := c.Param("platform")
	if platform == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "platform required")
	}
	res := h.Orch.RunIncremental(c.Request().Context(), userID(c), platform)
	if res.Error == "Pipeline already running" {
		return c.JSON(http.StatusConflict, res)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *PipelineHandler) status(c echo.Context) error {
	st, ok := h.Orch.Status(userID(c))
	if !ok {
		return c.JSON(http.StatusOK, map[string]interface{}{"active": false})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"active": true, "run": st})
}

func (h *PipelineHandler) runs(c echo.Context) error {
	limit := 20
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	recs, err := h.Store.ListPipelineRuns(c.Request().Context(), userID(c), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]RunSummaryResponse, 0, len(recs))
	for _, r := range recs {
		out = append(out, RunSummaryResponse{
			ID:          r.ID,
			Status:      r.Status,
			FailedStage: r.FailedStage,
			Error:       r.Error,
			StartedAt:   r.StartedAt,
			FinishedAt:  r.FinishedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}
