package engine

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidepay/tidepay/internal/ledger"
)

func setupHandlerApp(t *testing.T) (*fiber.App, *testRig) {
	t.Helper()
	rig := newTestRig(t)
	h := NewHandler(rig.engine)

	app := fiber.New()
	app.Post("/transfers", h.Transfer)
	app.Post("/deposits", h.Deposit)
	app.Post("/withdrawals", h.Withdraw)
	app.Get("/transactions/:transactionId", h.GetTransaction)
	app.Post("/wallets", h.CreateWallet)
	app.Get("/wallets/:walletId", h.GetWallet)
	return app, rig
}

func postJSON(t *testing.T, app *fiber.App, path, body string) (int, []byte) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, path, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req)
	require.NoError(t, err)
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode, payload
}

func TestHandlerTransferLifecycle(t *testing.T) {
	app, rig := setupHandlerApp(t)

	sender := ledger.SeedWallet(rig.store, uuid.NewString(), "USD", dec("100.00"))
	receiver := ledger.SeedWallet(rig.store, uuid.NewString(), "USD", dec("0.00"))

	body := `{"sender_wallet_id":"` + sender + `","receiver_wallet_id":"` + receiver + `","amount":"40.00","idempotency_key":"http-1"}`
	status, payload := postJSON(t, app, "/transfers", body)
	require.Equal(t, fiber.StatusCreated, status, "body: %s", payload)

	var receipt Receipt
	require.NoError(t, json.Unmarshal(payload, &receipt))
	assert.Equal(t, ledger.StatusCompleted, receipt.Transaction.Status)
	assert.Len(t, receipt.Entries, 2)

	// The replay returns the identical payload.
	status2, payload2 := postJSON(t, app, "/transfers", body)
	assert.Equal(t, fiber.StatusCreated, status2)
	assert.JSONEq(t, string(payload), string(payload2))

	// Fetch by id.
	req := httptest.NewRequest(fiber.MethodGet, "/transactions/"+receipt.Transaction.ID, nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestHandlerFailureMapping(t *testing.T) {
	app, rig := setupHandlerApp(t)

	sender := ledger.SeedWallet(rig.store, uuid.NewString(), "USD", dec("10.00"))
	receiver := ledger.SeedWallet(rig.store, uuid.NewString(), "USD", dec("0.00"))

	// Insufficient funds -> 422 with a structured failure body.
	body := `{"sender_wallet_id":"` + sender + `","receiver_wallet_id":"` + receiver + `","amount":"99.00","idempotency_key":"http-nsf"}`
	status, payload := postJSON(t, app, "/transfers", body)
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)

	var f Failure
	require.NoError(t, json.Unmarshal(payload, &f))
	assert.Equal(t, KindInsufficientFunds, f.Kind)
	assert.NotEmpty(t, f.Message)

	// Malformed amount -> 400.
	status, _ = postJSON(t, app, "/withdrawals", `{"wallet_id":"`+sender+`","amount":"ten","idempotency_key":"http-bad"}`)
	assert.Equal(t, fiber.StatusBadRequest, status)

	// Unknown transaction -> 404.
	req := httptest.NewRequest(fiber.MethodGet, "/transactions/"+uuid.NewString(), nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestHandlerWalletEndpoints(t *testing.T) {
	app, _ := setupHandlerApp(t)

	status, payload := postJSON(t, app, "/wallets", `{"owner_id":"`+uuid.NewString()+`","currency":"eur"}`)
	require.Equal(t, fiber.StatusCreated, status)

	var w ledger.Wallet
	require.NoError(t, json.Unmarshal(payload, &w))
	assert.Equal(t, "EUR", w.Currency)

	req := httptest.NewRequest(fiber.MethodGet, "/wallets/"+w.ID, nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
