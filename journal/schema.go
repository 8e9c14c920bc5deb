package journal

// Decimal columns are TEXT so values round-trip exactly.
const Schema = `
CREATE TABLE IF NOT EXISTS history (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	account_id TEXT NOT NULL,
	position_id TEXT NOT NULL,
	type TEXT NOT NULL,
	symbol TEXT NOT NULL,
	order_type TEXT NOT NULL,
	volume TEXT NOT NULL,
	price TEXT NOT NULL,
	realized_pnl TEXT NOT NULL,
	reason TEXT NOT NULL,
	time DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_account ON history(account_id, seq);
CREATE INDEX IF NOT EXISTS idx_history_time ON history(type, time);

CREATE TABLE IF NOT EXISTS equity (
	account_id TEXT NOT NULL,
	time DATETIME NOT NULL,
	balance TEXT NOT NULL,
	equity TEXT NOT NULL,
	margin TEXT NOT NULL,
	free_margin TEXT NOT NULL,
	margin_level TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_equity_account_time ON equity(account_id, time);
`
