package engine

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

// Handler exposes the engine's operations over HTTP.
type Handler struct {
	engine *Engine
}

// NewHandler constructs an engine HTTP handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

type transferRequest struct {
	SenderWalletID   string `json:"sender_wallet_id"`
	ReceiverWalletID string `json:"receiver_wallet_id"`
	Amount           string `json:"amount"`
	Description      string `json:"description"`
	IdempotencyKey   string `json:"idempotency_key"`
}

type depositRequest struct {
	WalletID       string `json:"wallet_id"`
	Amount         string `json:"amount"`
	Description    string `json:"description"`
	ExternalRef    string `json:"external_ref"`
	IdempotencyKey string `json:"idempotency_key"`
}

type withdrawRequest struct {
	WalletID       string `json:"wallet_id"`
	Amount         string `json:"amount"`
	Description    string `json:"description"`
	IdempotencyKey string `json:"idempotency_key"`
}

type createWalletRequest struct {
	OwnerID  string `json:"owner_id"`
	Currency string `json:"currency"`
}

// Transfer processes a wallet-to-wallet transfer.
func (h *Handler) Transfer(c *fiber.Ctx) error {
	var req transferRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, f := parseAmount(req.Amount)
	if f != nil {
		return writeFailure(c, f)
	}
	receipt, err := h.engine.Transfer(c.UserContext(), TransferRequest{
		SenderWalletID:   req.SenderWalletID,
		ReceiverWalletID: req.ReceiverWalletID,
		Amount:           amount,
		Description:      req.Description,
		IdempotencyKey:   req.IdempotencyKey,
	})
	return writeReceipt(c, receipt, err)
}

// Deposit processes a wallet credit.
func (h *Handler) Deposit(c *fiber.Ctx) error {
	var req depositRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, f := parseAmount(req.Amount)
	if f != nil {
		return writeFailure(c, f)
	}
	receipt, err := h.engine.Deposit(c.UserContext(), DepositRequest{
		WalletID:       req.WalletID,
		Amount:         amount,
		Description:    req.Description,
		ExternalRef:    req.ExternalRef,
		IdempotencyKey: req.IdempotencyKey,
	})
	return writeReceipt(c, receipt, err)
}

// Withdraw processes a wallet debit.
func (h *Handler) Withdraw(c *fiber.Ctx) error {
	var req withdrawRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, f := parseAmount(req.Amount)
	if f != nil {
		return writeFailure(c, f)
	}
	receipt, err := h.engine.Withdraw(c.UserContext(), WithdrawRequest{
		WalletID:       req.WalletID,
		Amount:         amount,
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
	})
	return writeReceipt(c, receipt, err)
}

// GetTransaction returns a transaction with its ledger entries.
func (h *Handler) GetTransaction(c *fiber.Ctx) error {
	receipt, err := h.engine.GetReceipt(c.UserContext(), c.Params("transactionId"))
	if err != nil {
		return failureError(c, err)
	}
	return c.Status(http.StatusOK).JSON(receipt)
}

// CreateWallet provisions a wallet.
func (h *Handler) CreateWallet(c *fiber.Ctx) error {
	var req createWalletRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	wallet, err := h.engine.CreateWallet(c.UserContext(), req.OwnerID, req.Currency)
	if err != nil {
		return failureError(c, err)
	}
	return c.Status(http.StatusCreated).JSON(wallet)
}

// GetWallet returns wallet metadata and its balance.
func (h *Handler) GetWallet(c *fiber.Ctx) error {
	wallet, err := h.engine.GetWallet(c.UserContext(), c.Params("walletId"))
	if err != nil {
		return failureError(c, err)
	}
	return c.Status(http.StatusOK).JSON(wallet)
}

func parseAmount(raw string) (decimal.Decimal, *Failure) {
	if raw == "" {
		return decimal.Zero, failf(KindValidationFailed, "amount is required")
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, failf(KindValidationFailed, "amount %q is not a valid decimal", raw)
	}
	return amount, nil
}

func writeReceipt(c *fiber.Ctx, receipt *Receipt, err error) error {
	if err != nil {
		return failureError(c, err)
	}
	return c.Status(http.StatusCreated).JSON(receipt)
}

func failureError(c *fiber.Ctx, err error) error {
	f, ok := AsFailure(err)
	if !ok {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return writeFailure(c, f)
}

func writeFailure(c *fiber.Ctx, f *Failure) error {
	status := http.StatusInternalServerError
	switch f.Kind {
	case KindValidationFailed:
		status = http.StatusBadRequest
	case KindNotFound:
		status = http.StatusNotFound
	case KindWalletNotActive:
		status = http.StatusConflict
	case KindResourceBusy:
		status = http.StatusConflict
		c.Set(fiber.HeaderRetryAfter, "1")
	case KindInsufficientFunds, KindFraudFlagged:
		status = http.StatusUnprocessableEntity
	case KindInternal:
		status = http.StatusServiceUnavailable
	}
	return c.Status(status).JSON(f)
}
