package controllers

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/everkeep/everkeep/app/models"
)

type limitRequest struct {
	Plan    string `json:"plan" validate:"required"`
	Feature string `json:"feature" validate:"required"`
	Limit   int    `json:"limit"`
	Cadence string `json:"cadence"`
}

// HandleAdminListLimits returns every quota row, grouped by plan.
func HandleAdminListLimits(c *fiber.Ctx) error {
	entries, err := quotaService().ListAll()
	if err != nil {
		log.Printf("quota list failed: %v", err)
		return mapServiceError(c, err)
	}

	grouped := make(map[string][]models.QuotaEntry)
	for _, entry := range entries {
		grouped[entry.Plan] = append(grouped[entry.Plan], entry)
	}
	return c.JSON(fiber.Map{"limits": grouped})
}

// HandleAdminUpsertLimit creates or updates a single quota row.
func HandleAdminUpsertLimit(c *fiber.Ctx) error {
	var req limitRequest
	if err := parseBody(c, &req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "Invalid request body")
	}

	entry, err := quotaService().Upsert(req.Plan, req.Feature, req.Limit, req.Cadence)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(entry)
}

// HandleAdminBulkUpsertLimits applies a batch of quota rows. The batch is
// not transactional across rows; the response reports the first failure.
func HandleAdminBulkUpsertLimits(c *fiber.Ctx) error {
	var req struct {
		Limits []limitRequest `json:"limits" validate:"required,min=1,dive"`
	}
	if err := parseBody(c, &req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "Invalid request body")
	}

	svc := quotaService()
	updated := make([]*models.QuotaEntry, 0, len(req.Limits))
	for _, item := range req.Limits {
		entry, err := svc.Upsert(item.Plan, item.Feature, item.Limit, item.Cadence)
		if err != nil {
			return mapServiceError(c, err)
		}
		updated = append(updated, entry)
	}
	return c.JSON(fiber.Map{"updated": updated})
}

// HandleAdminResetLimits restores the default quota table.
func HandleAdminResetLimits(c *fiber.Ctx) error {
	if err := quotaService().ResetToDefaults(); err != nil {
		log.Printf("quota reset failed: %v", err)
		return mapServiceError(c, err)
	}

	entries, err := quotaService().ListAll()
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(fiber.Map{"reset": true, "limits": entries})
}
