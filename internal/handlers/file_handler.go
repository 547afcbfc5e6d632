package handlers

import (
	"io"

	"github.com/gofiber/fiber/v2"

	"github.com/sharexpress/sharexpress/internal/middleware"
	"github.com/sharexpress/sharexpress/internal/models"
	"github.com/sharexpress/sharexpress/internal/transfer"
)

// FileHandler adapts the Fiber surface onto the transfer controller.
type FileHandler struct {
	ctrl    *transfer.Controller
	sweeper *transfer.Sweeper
}

// NewFileHandler wires the handler.
func NewFileHandler(ctrl *transfer.Controller, sweeper *transfer.Sweeper) *FileHandler {
	return &FileHandler{ctrl: ctrl, sweeper: sweeper}
}

type initUploadRequest struct {
	Files []models.UploadManifestEntry `json:"files"`
}

// InitUpload handles POST /files/init-upload.
func (h *FileHandler) InitUpload(c *fiber.Ctx) error {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing session identity"})
	}

	var req initUploadRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	result, err := h.ctrl.InitUpload(c.Context(), id, req.Files)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(result)
}

type completeUploadRequest struct {
	Files []models.CompleteUploadEntry `json:"files"`
}

// CompleteUpload handles POST /files/complete-upload.
func (h *FileHandler) CompleteUpload(c *fiber.Ctx) error {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing session identity"})
	}

	var req completeUploadRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	result, err := h.ctrl.CompleteUpload(c.Context(), id, req.Files)
	if err != nil {
		// Partial results still reach the caller alongside the error.
		if result != nil && result.Saved > 0 {
			return c.Status(statusFor(err)).JSON(fiber.Map{
				"success":      false,
				"files_saved":  result.Saved,
				"total_size":   result.TotalSize,
				"failed_files": result.Failed,
				"error":        clientError(err),
			})
		}
		return respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success":      true,
		"files_saved":  result.Saved,
		"total_size":   result.TotalSize,
		"failed_files": result.Failed,
	})
}

// Upload handles POST /files/upload, the server-side multipart path.
func (h *FileHandler) Upload(c *fiber.Ctx) error {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing session identity"})
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "failed to retrieve file"})
	}

	f, err := fileHeader.Open()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "failed to open file"})
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "failed to read file"})
	}

	record, err := h.ctrl.Upload(c.Context(), id, fileHeader.Filename, fileHeader.Header.Get("Content-Type"), content)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "file": record})
}

// Download handles GET /files/download/:file_id.
func (h *FileHandler) Download(c *fiber.Ctx) error {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing session identity"})
	}
	if canDownload, ok := c.Locals("can_download").(bool); ok && !canDownload {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "download permission denied for this session"})
	}

	result, err := h.ctrl.DownloadURL(c.Context(), id, c.Params("file_id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(result)
}

// List handles GET /files/session/:session_id/list.
func (h *FileHandler) List(c *fiber.Ctx) error {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing session identity"})
	}

	records, err := h.ctrl.ListSessionFiles(c.Context(), id, c.Params("session_id"), c.QueryBool("include_deleted"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"files": records, "count": len(records)})
}

// Delete handles DELETE /files/:file_id.
func (h *FileHandler) Delete(c *fiber.Ctx) error {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing session identity"})
	}

	fileID := c.Params("file_id")
	permanent := c.QueryBool("permanent")

	if err := h.ctrl.DeleteFile(c.Context(), id, fileID, permanent); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"success":   true,
		"file_id":   fileID,
		"deleted":   true,
		"permanent": permanent,
	})
}

// Metrics handles GET /files/metrics.
func (h *FileHandler) Metrics(c *fiber.Ctx) error {
	return c.JSON(h.ctrl.Metrics().GetStats())
}

// SystemHealth handles GET /files/system-health.
func (h *FileHandler) SystemHealth(c *fiber.Ctx) error {
	health := h.ctrl.HealthCheck(c.Context())
	status := fiber.StatusOK
	if health.Status != "healthy" {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(health)
}

// Health handles GET /files/health, a bare liveness probe.
func (h *FileHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"success": true, "message": "file service operational"})
}

// TriggerCleanup handles POST /files/cleanup/expired.
func (h *FileHandler) TriggerCleanup(c *fiber.Ctx) error {
	swept, err := h.sweeper.SweepOnce(c.Context())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "files_expired": swept})
}

func statusFor(err error) int {
	switch transfer.KindOf(err) {
	case transfer.KindValidation, transfer.KindQuotaExceeded:
		return fiber.StatusBadRequest
	case transfer.KindRateLimited:
		return fiber.StatusTooManyRequests
	case transfer.KindCircuitOpen:
		return fiber.StatusServiceUnavailable
	case transfer.KindNotFound:
		return fiber.StatusNotFound
	case transfer.KindForbidden:
		return fiber.StatusForbidden
	default:
		return fiber.StatusInternalServerError
	}
}

func clientError(err error) fiber.Map {
	return fiber.Map{
		"kind":    string(transfer.KindOf(err)),
		"message": transfer.ClientMessage(err),
	}
}

func respondError(c *fiber.Ctx, err error) error {
	return c.Status(statusFor(err)).JSON(fiber.Map{"error": clientError(err)})
}
