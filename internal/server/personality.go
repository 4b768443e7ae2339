package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pkazemian/personify/internal/patterns"
	"github.com/pkazemian/personify/internal/store"
	"github.com/pkazemian/personify/internal/traits"
)

// PersonalityHandler serves the stored estimate, detected patterns, and the
// pattern search index.
type PersonalityHandler struct {
	Store    *store.Store
	Detector *patterns.Detector
	Index    *patterns.Index
}

func (h *PersonalityHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.GET("/personality", h.personality)
	g.GET("/patterns", h.patterns)
	g.POST("/patterns/detect", h.detect)
	g.GET("/patterns/search", h.search)
}

func (h *PersonalityHandler) personality(c echo.Context) error {
	est, ok, err := h.Store.GetEstimate(c.Request().Context(), userID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no personality estimate yet - run the pipeline first")
	}
	resp := PersonalityResponse{
		UserID:      est.UserID,
		Scores:      make(map[string]float64, len(traits.All)),
		Confidence:  make(map[string]float64, len(traits.All)),
		Archetype:   est.ArchetypeCode,
		SignalCount: est.TotalBehavioralSignals,
		UpdatedAt:   est.UpdatedAt,
	}
	for _, d := range traits.All {
		resp.Scores[string(d)] = est.Scores.Get(d)
		resp.Confidence[string(d)] = est.Confidence.Get(d)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *PersonalityHandler) patterns(c echo.Context) error {
	ps, err := h.Store.ListPatterns(c.Request().Context(), userID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if c.QueryParam("defining") == "true" {
		defining := ps[:0]
		for _, p := range ps {
			if p.IsDefining {
				defining = append(defining, p)
			}
		}
		ps = defining
	}
	return c.JSON(http.StatusOK, PatternsResponse{Patterns: ps, Count: len(ps)})
}

func (h *PersonalityHandler) detect(c echo.Context) error {
	ctx := c.Request().Context()
	ps, err := h.Detector.Detect(ctx, userID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, PatternsResponse{Patterns: ps, Count: len(ps)})
}

func (h *PersonalityHandler) search(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q required")
	}
	k := 10
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 50 {
			k = n
		}
	}
	ps, err := h.Index.Search(userID(c), q, k)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, PatternsResponse{Patterns: ps, Count: len(ps)})
}

// ConnectionsHandler manages platform links and feature ingestion.
type ConnectionsHandler struct {
	Store *store.Store
}

func (h *ConnectionsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.GET("", h.list)
	g.POST("", h.connect)
	g.DELETE("/:platform", h.disconnect)
	g.POST("/:platform/features", h.ingest)
}

func (h *ConnectionsHandler) list(c echo.Context) error {
	conns, err := h.Store.ListConnections(c.Request().Context(), userID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	now := time.Now()
	out := make([]ConnectionResponse, 0, len(conns))
	for _, conn := range conns {
		out = append(out, ConnectionResponse{
			Platform:  conn.Platform,
			Status:    conn.Status,
			Connected: conn.Connected(now),
			UpdatedAt: conn.UpdatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *ConnectionsHandler) connect(c echo.Context) error {
	var req ConnectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Platform == "" || req.AccessToken == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "platform and access_token required")
	}
	conn := store.PlatformConnection{
		UserID:         userID(c),
		Platform:       req.Platform,
		AccessToken:    &req.AccessToken,
		TokenExpiresAt: req.TokenExpiresAt,
		Status:         "active",
		Metadata:       req.Metadata,
	}
	if err := h.Store.UpsertConnection(c.Request().Context(), conn); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusCreated)
}

func (h *ConnectionsHandler) disconnect(c echo.Context) error {
	platform := c.Param("platform")
	if err := h.Store.MarkConnectionExpired(c.Request().Context(), userID(c), platform); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusOK)
}

func (h *ConnectionsHandler) ingest(c echo.Context) error {
	var req FeatureRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.Platform = c.Param("platform")
	if req.FeatureType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "feature_type required")
	}
	if req.Value < 0 || req.Value > 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "value must be in [0,1]")
	}
	f := store.BehavioralFeature{
		UserID:      userID(c),
		Platform:    req.Platform,
		FeatureType: req.FeatureType,
		Value:       req.Value,
		RawValue:    req.RawValue,
	}
	if req.ContributesTo != "" {
		dim, err := traits.Parse(req.ContributesTo)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		f.ContributesTo = &dim
	}
	saved, err := h.Store.InsertFeature(c.Request().Context(), f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": saved.ID})
}
