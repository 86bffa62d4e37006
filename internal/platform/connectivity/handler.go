package connectivity

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	monitor *Monitor
}

func NewHandler(m *Monitor) *Handler {
	return &Handler{monitor: m}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/connectivity", h.Summary)
	g.GET("/connectivity/:server", h.Get)
	g.PUT("/connectivity/:server/mode", h.SetMode)
	g.POST("/connectivity/:server/reset", h.Reset)
	g.POST("/connectivity/:server/check", h.Check)
}

func (h *Handler) Summary(c echo.Context) error {
	return c.JSON(http.StatusOK, h.monitor.HealthSummary())
}

func (h *Handler) Get(c echo.Context) error {
	st, err := h.monitor.State(c.Param("server"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, st)
}

type setModeRequest struct {
	// Mode is online, degraded, offline, or empty to clear the override.
	Mode string `json:"mode"`
}

func (h *Handler) SetMode(c echo.Context) error {
	var req setModeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	var mode *Mode
	if req.Mode != "" {
		m := Mode(req.Mode)
		if !m.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "mode must be online, degraded or offline")
		}
		mode = &m
	}
	server := c.Param("server")
	if err := h.monitor.SetManualMode(server, mode); err != nil {
		return mapError(err)
	}
	st, _ := h.monitor.State(server)
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) Reset(c echo.Context) error {
	st, err := h.monitor.ResetCircuitBreaker(c.Request().Context(), c.Param("server"))
	if err != nil && errors.Is(err, ErrUnknownServer) {
		return mapError(err)
	}
	// A failing probe after reset is reported through the state, not as an HTTP error.
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) Check(c echo.Context) error {
	st, err := h.monitor.CheckNow(c.Request().Context(), c.Param("server"))
	if err != nil && errors.Is(err, ErrUnknownServer) {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func mapError(err error) error {
	if errors.Is(err, ErrUnknownServer) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}
