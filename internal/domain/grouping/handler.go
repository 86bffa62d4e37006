package grouping

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/validator/internal/domain/validation"
	"github.com/ehr/validator/pkg/pagination"
)

type Handler struct {
	agg *Aggregator
}

func NewHandler(agg *Aggregator) *Handler {
	return &Handler{agg: agg}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/validation/groups", h.ListGroups)
	api.GET("/validation/groups/:signature", h.GetGroup)
	api.GET("/validation/groups/:signature/members", h.ListMembers)
	api.GET("/validation/groups/:signature/messages", h.ListMessages)
	api.DELETE("/validation/servers/:server/data", h.ClearServer)
}

func (h *Handler) ListGroups(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := validation.GroupFilter{
		ServerID:     c.QueryParam("server"),
		Aspect:       validation.Aspect(c.QueryParam("aspect")),
		Severity:     validation.Severity(c.QueryParam("severity")),
		Code:         c.QueryParam("code"),
		PathContains: c.QueryParam("path"),
		ResourceType: c.QueryParam("resourceType"),
	}
	if f.ServerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "server is required")
	}
	if f.Aspect != "" && !f.Aspect.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown aspect")
	}
	if f.Severity != "" && !f.Severity.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown severity")
	}
	groups, total, err := h.agg.ListGroups(c.Request().Context(), f, pg)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(groups, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetGroup(c echo.Context) error {
	server := c.QueryParam("server")
	if server == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "server is required")
	}
	g, err := h.agg.GetGroup(c.Request().Context(), server, c.Param("signature"))
	if errors.Is(err, ErrGroupNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "group not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, g)
}

func (h *Handler) ListMembers(c echo.Context) error {
	pg := pagination.FromContext(c)
	server := c.QueryParam("server")
	if server == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "server is required")
	}
	members, total, err := h.agg.ListMembers(c.Request().Context(), server, c.Param("signature"), pg)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(members, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListMessages(c echo.Context) error {
	pg := pagination.FromContext(c)
	server := c.QueryParam("server")
	if server == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "server is required")
	}
	msgs, total, err := h.agg.Messages(c.Request().Context(), server, c.Param("signature"), pg)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(msgs, total, pg.Limit, pg.Offset))
}

func (h *Handler) ClearServer(c echo.Context) error {
	if err := h.agg.ClearServer(c.Request().Context(), c.Param("server")); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
