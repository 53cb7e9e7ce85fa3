package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

// RegisterHealthRoutes adds a readiness endpoint that reports the state of the
// two backing services the engine cannot operate without.
func RegisterHealthRoutes(app *fiber.App, d Deps) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		checks := fiber.Map{}
		healthy := true

		if d.DB != nil {
			if err := d.DB.Ping(ctx); err != nil {
				checks["postgres"] = err.Error()
				healthy = false
			} else {
				checks["postgres"] = "ok"
			}
		}
		if d.Cache != nil {
			if err := d.Cache.Ping(ctx).Err(); err != nil {
				checks["redis"] = err.Error()
				healthy = false
			} else {
				checks["redis"] = "ok"
			}
		}

		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{
			"checks":    checks,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}
