package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/tidepay/tidepay/internal/engine"
)

// RegisterEngineRoutes wires the money movement and lookup endpoints.
func RegisterEngineRoutes(r fiber.Router, h *engine.Handler) {
	r.Post("/transfers", h.Transfer)
	r.Post("/deposits", h.Deposit)
	r.Post("/withdrawals", h.Withdraw)
	r.Get("/transactions/:transactionId", h.GetTransaction)
	r.Post("/wallets", h.CreateWallet)
	r.Get("/wallets/:walletId", h.GetWallet)
}
