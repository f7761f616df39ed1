package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/everkeep/everkeep/internal/pkg/usercontext"
)

// RequireAuth ensures an authenticated caller and answers JSON 401 otherwise.
func RequireAuth(c *fiber.Ctx) error {
	if !usercontext.IsLoggedIn(c) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "unauthorized",
			"message": "Missing or invalid authentication",
		})
	}
	return c.Next()
}

// RequireAdmin ensures an authenticated admin caller.
func RequireAdmin(c *fiber.Ctx) error {
	if !usercontext.IsLoggedIn(c) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "unauthorized",
			"message": "Missing or invalid authentication",
		})
	}
	if !usercontext.IsAdmin(c) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error":   "forbidden",
			"message": "Admin role required",
		})
	}
	return c.Next()
}
