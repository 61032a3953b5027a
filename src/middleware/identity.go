package middleware

import (
	"github.com/gofiber/fiber/v2"
)

// Identity lifts the caller identity populated by the upstream auth layer
// (X-User-Id) into request locals. Requests with no identity fall back to the
// configured default user; rejecting them is the auth layer's job, not ours.
func Identity(defaultUser string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		user := c.Get("X-User-Id")
		if user == "" {
			user = defaultUser
		}
		c.Locals("user", user)
		return c.Next()
	}
}
