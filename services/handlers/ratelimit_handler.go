package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/codeweberdotcom/materionextjs-sub004/dto"
	"github.com/codeweberdotcom/materionextjs-sub004/shared"
)

type RateLimitHandler struct {
	limitSvc LimitServiceInterface
	blockSvc BlockServiceInterface
	eventSvc EventServiceInterface
	cfgSvc   ConfigServiceInterface
}

func NewRateLimitHandler(limitSvc LimitServiceInterface, blockSvc BlockServiceInterface, eventSvc EventServiceInterface, cfgSvc ConfigServiceInterface) *RateLimitHandler {
	return &RateLimitHandler{
		limitSvc: limitSvc,
		blockSvc: blockSvc,
		eventSvc: eventSvc,
		cfgSvc:   cfgSvc,
	}
}

// @Summary List limiting policies (Admin)
// @Description Get all rate limiting policies, persisted and built-in
// @Tags ratelimit
// @Accept json
// @Produce json
// @Security Bearer
// @Success 200 {object} shared.Response{data=[]model.RateLimitConfig}
// @Router /api/v1/admin/ratelimit/configs [get]
func (h *RateLimitHandler) GetConfigs(c *fiber.Ctx) error {
	return shared.ResponseJSON(c, http.StatusOK, "Configs retrieved successfully", h.cfgSvc.GetAll())
}

// @Summary Get limiting policy (Admin)
// @Description Get the policy of one module
// @Tags ratelimit
// @Accept json
// @Produce json
// @Security Bearer
// @Param module path string true "Module name"
// @Success 200 {object} shared.Response{data=model.RateLimitConfig}
// @Failure 404 {object} shared.Response
// @Router /api/v1/admin/ratelimit/configs/{module} [get]
func (h *RateLimitHandler) GetConfig(c *fiber.Ctx) error {
	module := c.Params("module")
	if module == "" {
		return shared.ResponseJSON(c, http.StatusBadRequest, "Module is required", nil)
	}

	cfg := h.cfgSvc.Get(module)
	if cfg == nil {
		return shared.ResponseJSON(c, http.StatusNotFound, "Unknown module", nil)
	}
	return shared.ResponseJSON(c, http.StatusOK, "Config retrieved successfully", cfg)
}

// @Summary Update limiting policy (Admin)
// @Description Update the policy of one module
// @Tags ratelimit
// @Accept json
// @Produce json
// @Security Bearer
// @Param module path string true "Module name"
// @Param updateRequest body dto.UpdateConfigRequest true "Policy fields to change"
// @Success 200 {object} shared.Response{data=model.RateLimitConfig}
// @Router /api/v1/admin/ratelimit/configs/{module} [put]
func (h *RateLimitHandler) UpdateConfig(c *fiber.Ctx) error {
	module := c.Params("module")
	if module == "" {
		return shared.ResponseJSON(c, http.StatusBadRequest, "Module is required", nil)
	}

	var req dto.UpdateConfigRequest
	if err := c.BodyParser(&req); err != nil {
		return shared.ResponseJSON(c, http.StatusBadRequest, "Invalid request", err.Error())
	}

	if err := req.Validate(); err != nil {
		validationResp := dto.CreateValidationErrorResponse(err)
		return c.Status(fiber.StatusBadRequest).JSON(validationResp)
	}

	if err := h.cfgSvc.Update(module, req); err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusOK, "Config updated successfully", h.cfgSvc.Get(module))
}

// @Summary Module statistics (Admin)
// @Description Current limiting statistics for one module
// @Tags ratelimit
// @Accept json
// @Produce json
// @Security Bearer
// @Param module path string true "Module name"
// @Success 200 {object} shared.Response{data=dto.RateLimitStats}
// @Router /api/v1/admin/ratelimit/stats/{module} [get]
func (h *RateLimitHandler) GetStats(c *fiber.Ctx) error {
	module := c.Params("module")
	if module == "" {
		return shared.ResponseJSON(c, http.StatusBadRequest, "Module is required", nil)
	}

	stats, err := h.limitSvc.GetStats(module)
	if err != nil {
		return err
	}
	if stats == nil {
		return shared.ResponseNotFound(c)
	}

	return shared.ResponseJSON(c, http.StatusOK, "Stats retrieved successfully", stats)
}

// @Summary List limiter states (Admin)
// @Description Merged feed of counter windows and manual blocks
// @Tags ratelimit
// @Accept json
// @Produce json
// @Security Bearer
// @Param module query string false "Filter by module"
// @Param search query string false "Search by key"
// @Param limit query int false "Page size" default(20)
// @Param cursor query string false "Page cursor"
// @Success 200 {object} shared.Response{data=dto.ListStatesResponse}
// @Router /api/v1/admin/ratelimit/states [get]
func (h *RateLimitHandler) ListStates(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "20"))

	resp, err := h.limitSvc.ListStates(dto.ListStatesRequest{
		Module: c.Query("module"),
		Search: c.Query("search"),
		Limit:  limit,
		Cursor: c.Query("cursor"),
	})
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusOK, "States retrieved successfully", resp)
}

// @Summary Reset limits (Admin)
// @Description Clear counter state for a key, a module, or globally
// @Tags ratelimit
// @Accept json
// @Produce json
// @Security Bearer
// @Param resetRequest body dto.ResetLimitsRequest true "Reset scope"
// @Success 200 {object} shared.Response{data=map[string]int64}
// @Router /api/v1/admin/ratelimit/states/reset [post]
func (h *RateLimitHandler) ResetLimits(c *fiber.Ctx) error {
	var req dto.ResetLimitsRequest
	if err := c.BodyParser(&req); err != nil {
		return shared.ResponseJSON(c, http.StatusBadRequest, "Invalid request", err.Error())
	}

	cleared, err := h.blockSvc.ResetLimits(c.UserContext(), &req)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusOK, "Limits reset successfully", fiber.Map{"cleared": cleared})
}

// @Summary Clear one state (Admin)
// @Description Clear a single counter row or manual block by its state id
// @Tags ratelimit
// @Accept json
// @Produce json
// @Security Bearer
// @Param stateId path string true "State ID"
// @Success 200 {object} shared.Response{data=nil}
// @Router /api/v1/admin/ratelimit/states/{stateId} [delete]
func (h *RateLimitHandler) ClearState(c *fiber.Ctx) error {
	stateID := c.Params("stateId")
	if stateID == "" {
		return shared.ResponseJSON(c, http.StatusBadRequest, "State ID is required", nil)
	}

	cleared, err := h.blockSvc.ClearState(c.UserContext(), stateID)
	if err != nil {
		return err
	}
	if !cleared {
		return shared.ResponseNotFound(c)
	}

	return shared.ResponseJSON(c, http.StatusOK, "State cleared successfully", nil)
}

// @Summary Create manual block (Admin)
// @Description Block a user or IP, superseding any existing block for the same identity
// @Tags ratelimit
// @Accept json
// @Produce json
// @Security Bearer
// @Param blockRequest body dto.CreateManualBlockRequest true "Block details"
// @Success 201 {object} shared.Response{data=model.ManualBlock}
// @Router /api/v1/admin/ratelimit/blocks [post]
func (h *RateLimitHandler) CreateBlock(c *fiber.Ctx) error {
	var req dto.CreateManualBlockRequest
	if err := c.BodyParser(&req); err != nil {
		return shared.ResponseJSON(c, http.StatusBadRequest, "Invalid request", err.Error())
	}

	if err := req.Validate(); err != nil {
		validationResp := dto.CreateValidationErrorResponse(err)
		return c.Status(fiber.StatusBadRequest).JSON(validationResp)
	}

	blockedBy, _ := c.Locals(shared.UserID).(string)
	block, err := h.blockSvc.CreateManualBlock(c.UserContext(), &req, blockedBy)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusCreated, "Block created successfully", block)
}

// @Summary Remove manual block (Admin)
// @Description Deactivate a manual block and forgive the identity's counters
// @Tags ratelimit
// @Accept json
// @Produce json
// @Security Bearer
// @Param blockId path string true "Block ID"
// @Success 200 {object} shared.Response{data=nil}
// @Router /api/v1/admin/ratelimit/blocks/{blockId} [delete]
func (h *RateLimitHandler) DeleteBlock(c *fiber.Ctx) error {
	blockID := c.Params("blockId")
	if blockID == "" {
		return shared.ResponseJSON(c, http.StatusBadRequest, "Block ID is required", nil)
	}

	found, err := h.blockSvc.DeactivateManualBlock(c.UserContext(), blockID)
	if err != nil {
		return err
	}
	if !found {
		return shared.ResponseNotFound(c)
	}

	return shared.ResponseJSON(c, http.StatusOK, "Block removed successfully", nil)
}

// @Summary List audit events (Admin)
// @Description Filterable, cursor-paged audit trail of warnings and blocks
// @Tags ratelimit
// @Accept json
// @Produce json
// @Security Bearer
// @Param module query string false "Filter by module"
// @Param event_type query string false "Filter by event type"
// @Param mode query string false "Filter by mode"
// @Param key query string false "Filter by exact key"
// @Param search query string false "Search key, user id or email"
// @Param from query string false "RFC3339 lower bound"
// @Param to query string false "RFC3339 upper bound"
// @Param limit query int false "Page size" default(50)
// @Param cursor query string false "Page cursor"
// @Success 200 {object} shared.Response{data=dto.ListEventsResponse}
// @Router /api/v1/admin/ratelimit/events [get]
func (h *RateLimitHandler) ListEvents(c *fiber.Ctx) error {
	req, err := eventsRequestFromQuery(c)
	if err != nil {
		return shared.ResponseJSON(c, http.StatusBadRequest, "Invalid request", err.Error())
	}

	resp, err := h.eventSvc.ListEvents(*req)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusOK, "Events retrieved successfully", resp)
}

// @Summary Delete audit event (Admin)
// @Description Delete a single audit event
// @Tags ratelimit
// @Accept json
// @Produce json
// @Security Bearer
// @Param eventId path string true "Event ID"
// @Success 200 {object} shared.Response{data=nil}
// @Router /api/v1/admin/ratelimit/events/{eventId} [delete]
func (h *RateLimitHandler) DeleteEvent(c *fiber.Ctx) error {
	eventID := c.Params("eventId")
	if eventID == "" {
		return shared.ResponseJSON(c, http.StatusBadRequest, "Event ID is required", nil)
	}

	found, err := h.eventSvc.DeleteEvent(eventID)
	if err != nil {
		return err
	}
	if !found {
		return shared.ResponseNotFound(c)
	}

	return shared.ResponseJSON(c, http.StatusOK, "Event deleted successfully", nil)
}

// @Summary Purge audit events (Admin)
// @Description Bulk delete audit events older than the given time
// @Tags ratelimit
// @Accept json
// @Produce json
// @Security Bearer
// @Param before query string true "RFC3339 cutoff, events strictly older are removed"
// @Success 200 {object} shared.Response{data=map[string]int64}
// @Router /api/v1/admin/ratelimit/events/purge [post]
func (h *RateLimitHandler) PurgeEvents(c *fiber.Ctx) error {
	before, err := time.Parse(time.RFC3339, c.Query("before"))
	if err != nil {
		return shared.ResponseJSON(c, http.StatusBadRequest, "Invalid before timestamp", err.Error())
	}

	purged, err := h.eventSvc.PurgeEvents(before)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusOK, "Events purged successfully", fiber.Map{"purged": purged})
}

// @Summary Export audit events (Admin)
// @Description Export the filtered audit trail as a CSV object
// @Tags ratelimit
// @Accept json
// @Produce json
// @Security Bearer
// @Param module query string false "Filter by module"
// @Param event_type query string false "Filter by event type"
// @Param from query string false "RFC3339 lower bound"
// @Param to query string false "RFC3339 upper bound"
// @Success 200 {object} shared.Response{data=dto.ExportEventsResponse}
// @Router /api/v1/admin/ratelimit/events/export [post]
func (h *RateLimitHandler) ExportEvents(c *fiber.Ctx) error {
	req, err := eventsRequestFromQuery(c)
	if err != nil {
		return shared.ResponseJSON(c, http.StatusBadRequest, "Invalid request", err.Error())
	}

	resp, err := h.eventSvc.ExportEvents(c.UserContext(), *req)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusOK, "Events exported successfully", resp)
}

func eventsRequestFromQuery(c *fiber.Ctx) (*dto.ListEventsRequest, error) {
	limit, _ := strconv.Atoi(c.Query("limit", "50"))

	req := dto.ListEventsRequest{
		Module:    c.Query("module"),
		EventType: c.Query("event_type"),
		Mode:      c.Query("mode"),
		Key:       c.Query("key"),
		Search:    c.Query("search"),
		Limit:     limit,
		Cursor:    c.Query("cursor"),
	}

	if raw := c.Query("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, err
		}
		req.From = &from
	}
	if raw := c.Query("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, err
		}
		req.To = &to
	}
	return &req, nil
}
