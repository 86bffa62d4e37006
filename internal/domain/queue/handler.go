package queue

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/validator/internal/domain/validation"
)

// Validator runs one synchronous validation pass.
type Validator interface {
	Validate(ctx context.Context, resource map[string]interface{}, settings validation.Settings) validation.ResourceResult
}

// SettingsSource returns the settings in force for a server.
type SettingsSource interface {
	Current(ctx context.Context, serverID string) (validation.Settings, string, error)
}

type Handler struct {
	proc      *Processor
	validator Validator
	settings  SettingsSource
	// base outlives requests; batches started over HTTP run under it.
	base context.Context
}

func NewHandler(base context.Context, proc *Processor, validator Validator, settings SettingsSource) *Handler {
	return &Handler{proc: proc, validator: validator, settings: settings, base: base}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/validation/batches", h.StartBatch)
	api.GET("/validation/batches/:id/progress", h.GetProgress)
	api.POST("/validation/batches/:id/pause", h.Pause)
	api.POST("/validation/batches/:id/resume", h.Resume)
	api.POST("/validation/batches/:id/cancel", h.Cancel)
	api.POST("/validation/queue", h.Enqueue)
	api.POST("/validation/validate", h.Validate)
}

type resourceRef struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
}

type batchOptionsRequest struct {
	Concurrency       int         `json:"concurrency"`
	MaxAttempts       *int        `json:"maxAttempts"`
	BackoffMs         int         `json:"backoffMs"`
	BackoffKind       BackoffKind `json:"backoffKind"`
	Priority          Priority    `json:"priority"`
	BatchSize         int         `json:"batchSize"`
	ResourceTimeoutMs int         `json:"resourceTimeoutMs"`
}

type startBatchRequest struct {
	ServerID  string              `json:"serverId"`
	Resources []resourceRef       `json:"resources"`
	Options   batchOptionsRequest `json:"options"`
}

type startBatchResponse struct {
	BatchID string `json:"batchId"`
	Total   int    `json:"total"`
}

// StartBatch handles POST /validation/batches. The batch runs in the
// background; progress is polled or pushed over NATS.
func (h *Handler) StartBatch(c echo.Context) error {
	var req startBatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ServerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "serverId is required")
	}
	if len(req.Resources) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "resources must not be empty")
	}
	if req.Options.Priority != "" && !req.Options.Priority.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown priority")
	}
	if req.Options.BackoffKind != "" && req.Options.BackoffKind != BackoffExponential && req.Options.BackoffKind != BackoffLinear {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown backoffKind")
	}

	refs := make([]validation.ResourceKey, 0, len(req.Resources))
	for _, r := range req.Resources {
		if r.ResourceType == "" || r.ID == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "each resource needs resourceType and id")
		}
		refs = append(refs, validation.ResourceKey{ServerID: req.ServerID, ResourceType: r.ResourceType, FhirID: r.ID})
	}

	opts := BatchOptions{}
	if h.settings != nil {
		s, _, err := h.settings.Current(c.Request().Context(), req.ServerID)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		opts = OptionsFromSettings(s)
	}
	opts = req.Options.apply(opts)

	bc := h.proc.NewBatch(refs, opts)
	go h.proc.Run(h.base, bc)
	return c.JSON(http.StatusAccepted, startBatchResponse{BatchID: bc.ID, Total: len(refs)})
}

func (o batchOptionsRequest) apply(opts BatchOptions) BatchOptions {
	if o.Concurrency > 0 {
		opts.Concurrency = o.Concurrency
	}
	if o.MaxAttempts != nil && *o.MaxAttempts >= 0 {
		opts.MaxAttempts = *o.MaxAttempts
	}
	if o.BackoffMs > 0 {
		opts.Backoff = time.Duration(o.BackoffMs) * time.Millisecond
	}
	if o.BackoffKind != "" {
		opts.BackoffKind = o.BackoffKind
	}
	if o.Priority != "" {
		opts.Priority = o.Priority
	}
	if o.BatchSize > 0 {
		opts.BatchSize = o.BatchSize
	}
	if o.ResourceTimeoutMs > 0 {
		opts.ResourceTimeout = time.Duration(o.ResourceTimeoutMs) * time.Millisecond
	}
	return opts
}

func (h *Handler) GetProgress(c echo.Context) error {
	p, err := h.proc.Progress(c.Param("id"))
	if err != nil {
		return batchError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Pause(c echo.Context) error {
	return h.control(c, h.proc.Pause)
}

func (h *Handler) Resume(c echo.Context) error {
	return h.control(c, h.proc.Resume)
}

func (h *Handler) Cancel(c echo.Context) error {
	return h.control(c, h.proc.Cancel)
}

func (h *Handler) control(c echo.Context, fn func(string) error) error {
	id := c.Param("id")
	if err := fn(id); err != nil {
		return batchError(err)
	}
	p, err := h.proc.Progress(id)
	if err != nil {
		return batchError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func batchError(err error) error {
	switch {
	case errors.Is(err, ErrBatchNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "batch not found")
	case errors.Is(err, ErrBatchFinished):
		return echo.NewHTTPError(http.StatusConflict, "batch already finished")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

type enqueueRequest struct {
	ServerID     string   `json:"serverId"`
	ResourceType string   `json:"resourceType"`
	ID           string   `json:"id"`
	Priority     Priority `json:"priority"`
}

// Enqueue handles POST /validation/queue.
func (h *Handler) Enqueue(c echo.Context) error {
	var req enqueueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	key := validation.ResourceKey{ServerID: req.ServerID, ResourceType: req.ResourceType, FhirID: req.ID}
	it, err := h.proc.Enqueue(key, req.Priority)
	if errors.Is(err, ErrQueueStopped) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusAccepted, it)
}

type validateRequest struct {
	ServerID string                 `json:"serverId"`
	Resource map[string]interface{} `json:"resource"`
}

// Validate handles POST /validation/validate: one resource, validated
// synchronously against the server's current settings.
func (h *Handler) Validate(c echo.Context) error {
	var req validateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ServerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "serverId is required")
	}
	if len(req.Resource) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "resource is required")
	}
	if h.validator == nil || h.settings == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "synchronous validation not configured")
	}
	s, _, err := h.settings.Current(c.Request().Context(), req.ServerID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	key := validation.ResourceKey{ServerID: req.ServerID}
	key.ResourceType, _ = req.Resource["resourceType"].(string)
	key.FhirID, _ = req.Resource["id"].(string)
	res := h.proc.ValidateNow(c.Request().Context(), key, func(ctx context.Context) validation.ResourceResult {
		return h.validator.Validate(ctx, req.Resource, s)
	})
	return c.JSON(http.StatusOK, res)
}
