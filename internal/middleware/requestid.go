// Package middleware holds the HTTP middlewares shared across route groups.
package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// RequestIDHeader is the header carrying the per-request correlation id. The
// same value is stored in the request locals under this key.
const RequestIDHeader = "X-Request-ID"

// RequestID propagates the caller's request id or assigns a fresh one, so
// every log line and response for a money movement can be correlated.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(RequestIDHeader, id)
		c.Locals(RequestIDHeader, id)
		return c.Next()
	}
}
