package controllers

import (
	"errors"
	"log"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/everkeep/everkeep/app/models"
	"github.com/everkeep/everkeep/app/repository"
	"github.com/everkeep/everkeep/internal/pkg/database"
)

type issueAPIKeyRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// HandleIssueAPIKey authenticates by email/password and rotates the user's
// API key. The raw key is returned exactly once; only its hash is stored.
func HandleIssueAPIKey(c *fiber.Ctx) error {
	var req issueAPIKeyRequest
	if err := parseBody(c, &req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "Invalid request body")
	}

	repo := repository.GetGlobalFactory().GetUserRepository()
	user, err := repo.GetByEmail(strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Invalid credentials")
		}
		return mapServiceError(c, err)
	}
	if !user.IsActive() || !user.CheckPassword(req.Password) {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Invalid credentials")
	}

	db := database.GetDB()
	settings, err := models.GetOrCreateUserSettings(db, user.ID)
	if err != nil {
		return mapServiceError(c, err)
	}

	rawKey, err := settings.IssueAPIKey()
	if err != nil {
		log.Printf("api key issuance failed for user %d: %v", user.ID, err)
		return mapServiceError(c, err)
	}
	if err := db.Save(settings).Error; err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"api_key":    rawKey,
		"prefix":     settings.APIKeyPrefix,
		"created_at": settings.APIKeyCreatedAt.UTC().Format(time.RFC3339),
	})
}

// HandleRevokeAPIKey revokes the caller's current API key.
func HandleRevokeAPIKey(c *fiber.Ctx) error {
	userCtx, ok := requireUser(c)
	if !ok {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Missing or invalid authentication")
	}

	db := database.GetDB()
	settings, err := models.GetOrCreateUserSettings(db, userCtx.UserID)
	if err != nil {
		return mapServiceError(c, err)
	}
	if !settings.HasActiveAPIKey() {
		return jsonError(c, fiber.StatusNotFound, "not_found", "No active API key")
	}

	settings.RevokeAPIKey()
	if err := db.Save(settings).Error; err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(fiber.Map{"revoked": true})
}

// HandleGetAccount returns the caller's account summary.
func HandleGetAccount(c *fiber.Ctx) error {
	userCtx, ok := requireUser(c)
	if !ok {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Missing or invalid authentication")
	}

	repo := repository.GetGlobalFactory().GetUserRepository()
	user, err := repo.GetByID(userCtx.UserID)
	if err != nil {
		return mapServiceError(c, err)
	}

	settings, err := models.GetOrCreateUserSettings(database.GetDB(), userCtx.UserID)
	if err != nil {
		return mapServiceError(c, err)
	}

	plan, err := billingService().PlanFor(userCtx.UserID)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"id":                   user.ID,
		"name":                 user.Name,
		"email":                user.Email,
		"status":               user.Status,
		"is_admin":             user.Role == models.ROLE_ADMIN,
		"plan":                 plan,
		"api_key_prefix":       settings.APIKeyPrefix,
		"api_key_last_used_at": formatTimePtr(settings.APIKeyLastUsedAt),
		"created_at":           user.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
