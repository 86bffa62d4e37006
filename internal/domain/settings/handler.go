package settings

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	store *Store
}

func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/validation/settings", h.ListServers)
	api.GET("/validation/settings/:server", h.Get)
	api.PUT("/validation/settings/:server", h.Put)
}

func (h *Handler) ListServers(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"servers": h.store.Servers()})
}

func (h *Handler) Get(c echo.Context) error {
	s, hash, err := h.store.Current(c.Request().Context(), c.Param("server"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"settings":     s,
		"snapshotHash": hash,
	})
}

// Put replaces a server's settings. The body may use any shape Normalize
// accepts; the server id always comes from the path. Only the body is
// bound: path and query values would otherwise land in the raw document.
func (h *Handler) Put(c echo.Context) error {
	var raw map[string]interface{}
	if err := (&echo.DefaultBinder{}).BindBody(c, &raw); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if raw == nil {
		raw = make(map[string]interface{})
	}
	delete(raw, "server_id")
	raw["serverId"] = c.Param("server")

	next, err := Normalize(raw)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	installed, err := h.store.Update(c.Request().Context(), next)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"settings":     installed,
		"snapshotHash": installed.SnapshotHash(),
	})
}
