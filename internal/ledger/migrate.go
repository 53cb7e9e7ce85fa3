package ledger

import "context"

// Migrate creates the ledger schema if it does not exist. Idempotent, run at
// startup before the engine takes traffic.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS wallets (
    id UUID PRIMARY KEY,
    owner_id TEXT NOT NULL,
    currency CHAR(3) NOT NULL,
    balance NUMERIC(20, 4) NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'ACTIVE',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transactions (
    id UUID PRIMARY KEY,
    kind TEXT NOT NULL,
    amount NUMERIC(20, 4) NOT NULL,
    currency CHAR(3) NOT NULL,
    status TEXT NOT NULL DEFAULT 'PENDING',
    sender_wallet_id UUID REFERENCES wallets (id),
    receiver_wallet_id UUID REFERENCES wallets (id),
    idempotency_key TEXT NOT NULL UNIQUE,
    external_ref TEXT,
    failure_reason TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    processed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS ledger_entries (
    id UUID PRIMARY KEY,
    wallet_id UUID NOT NULL REFERENCES wallets (id),
    transaction_id UUID NOT NULL REFERENCES transactions (id),
    entry_type TEXT NOT NULL,
    amount NUMERIC(20, 4) NOT NULL,
    balance_before NUMERIC(20, 4) NOT NULL,
    balance_after NUMERIC(20, 4) NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_wallet ON ledger_entries (wallet_id);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_transaction ON ledger_entries (transaction_id);
CREATE INDEX IF NOT EXISTS idx_transactions_status_created ON transactions (status, created_at);
`
	_, err := s.db.Exec(ctx, schema)
	return err
}
