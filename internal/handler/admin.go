package handler

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/makeasinger/stemsplit/internal/service"
	"github.com/makeasinger/stemsplit/pkg/response"
)

// AdminHandler serves health, debugging and cache maintenance endpoints.
type AdminHandler struct {
	service *service.JobService
	logger  *zap.Logger
}

func NewAdminHandler(svc *service.JobService, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{service: svc, logger: logger}
}

// Health handles GET /api/health
func (h *AdminHandler) Health(c *fiber.Ctx) error {
	return response.OK(c, h.service.Health())
}

// Jobs handles GET /api/jobs
func (h *AdminHandler) Jobs(c *fiber.Ctx) error {
	result, err := h.service.ListJobs(c.UserContext())
	if err != nil {
		return h.fail(c, "list jobs", err)
	}
	return response.OK(c, result)
}

// DebugStorage handles GET /api/debug/storage
func (h *AdminHandler) DebugStorage(c *fiber.Ctx) error {
	return response.OK(c, h.service.DebugStorage())
}

// DebugJob handles GET /api/debug/job/:jobId
func (h *AdminHandler) DebugJob(c *fiber.Ctx) error {
	return response.OK(c, h.service.DebugJob(c.UserContext(), c.Params("jobId")))
}

// Reload handles POST /api/recovery/reload-jobs
func (h *AdminHandler) Reload(c *fiber.Ctx) error {
	result, err := h.service.Reload(c.UserContext())
	if err != nil {
		return h.fail(c, "reload jobs", err)
	}
	return response.OK(c, result)
}

// ClearCache handles POST /api/cache/clear
func (h *AdminHandler) ClearCache(c *fiber.Ctx) error {
	result, err := h.service.ClearCache(c.UserContext())
	if err != nil {
		return h.fail(c, "Failed to clear cache", err)
	}
	return response.OK(c, result)
}

// ClearTemp handles POST /api/cache/clear-temp
func (h *AdminHandler) ClearTemp(c *fiber.Ctx) error {
	result, err := h.service.ClearTemp()
	if err != nil {
		return h.fail(c, "Failed to clear temp cache", err)
	}
	return response.OK(c, result)
}

// ClearDiskJobs handles POST /api/cache/clear-disk-jobs
func (h *AdminHandler) ClearDiskJobs(c *fiber.Ctx) error {
	result, err := h.service.ClearDiskJobs(c.UserContext())
	if err != nil {
		return h.fail(c, "Failed to clear disk jobs", err)
	}
	return response.OK(c, result)
}

// CacheStatus handles GET /api/cache/status
func (h *AdminHandler) CacheStatus(c *fiber.Ctx) error {
	result, err := h.service.CacheStatus(c.UserContext())
	if err != nil {
		return h.fail(c, "Failed to get cache status", err)
	}
	return response.OK(c, result)
}

func (h *AdminHandler) fail(c *fiber.Ctx, message string, err error) error {
	h.logger.Error(message, zap.String("path", c.Path()), zap.Error(err))
	return response.ServiceError(c, message)
}
