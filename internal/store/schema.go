package store

// GatewaySchema creates the live gateway tables.
const GatewaySchema = `
CREATE TABLE IF NOT EXISTS users (
	id           TEXT PRIMARY KEY,
	username     TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	trading_mode TEXT NOT NULL DEFAULT 'AUTO',
	analyze_mode INTEGER NOT NULL DEFAULT 0,
	created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
	digest     TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL UNIQUE REFERENCES users(id) ON DELETE CASCADE,
	hash       TEXT NOT NULL,
	encrypted  TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS broker_credentials (
	user_id               TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	broker                TEXT NOT NULL,
	api_key_enc           TEXT NOT NULL,
	api_secret_enc        TEXT NOT NULL,
	market_api_key_enc    TEXT,
	market_api_secret_enc TEXT,
	created_at            TEXT NOT NULL,
	PRIMARY KEY (user_id, broker)
);

CREATE TABLE IF NOT EXISTS broker_sessions (
	user_id        TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	broker         TEXT NOT NULL,
	auth_token_enc TEXT NOT NULL,
	feed_token_enc TEXT,
	extra_enc      TEXT,
	established_at TEXT NOT NULL,
	valid_until    TEXT NOT NULL,
	PRIMARY KEY (user_id, broker)
);

CREATE TABLE IF NOT EXISTS pending_orders (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	broker     TEXT NOT NULL,
	operation  TEXT NOT NULL,
	payload    TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	exchange   TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'PENDING',
	broker_order_id TEXT,
	reason     TEXT,
	created_at TEXT NOT NULL,
	decided_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_pending_orders_user ON pending_orders(user_id, status);

CREATE TABLE IF NOT EXISTS instruments (
	broker          TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	brsymbol        TEXT NOT NULL,
	name            TEXT,
	exchange        TEXT NOT NULL,
	brexchange      TEXT NOT NULL,
	token           TEXT NOT NULL,
	expiry          TEXT,
	strike          REAL NOT NULL DEFAULT 0,
	lotsize         INTEGER NOT NULL DEFAULT 1,
	instrumenttype  TEXT,
	ticksize        REAL NOT NULL DEFAULT 0.05,
	PRIMARY KEY (broker, exchange, symbol)
);
CREATE INDEX IF NOT EXISTS idx_instruments_token ON instruments(broker, exchange, token);

CREATE TABLE IF NOT EXISTS order_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    TEXT NOT NULL,
	broker     TEXT NOT NULL,
	operation  TEXT NOT NULL,
	order_id   TEXT,
	symbol     TEXT,
	exchange   TEXT,
	action     TEXT,
	quantity   INTEGER,
	status     TEXT NOT NULL,
	analyze    INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_log_user ON order_log(user_id, created_at);
`

// LatencySchema creates the latency sample table, kept in its own file so
// high-volume inserts never contend with trading writes.
const LatencySchema = `
CREATE TABLE IF NOT EXISTS order_latency (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id      TEXT,
	user_id       TEXT NOT NULL,
	broker        TEXT NOT NULL,
	operation     TEXT NOT NULL,
	rtt_ms        REAL NOT NULL,
	validation_ms REAL NOT NULL DEFAULT 0,
	response_ms   REAL NOT NULL DEFAULT 0,
	overhead_ms   REAL NOT NULL DEFAULT 0,
	status        TEXT NOT NULL,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_latency_user ON order_latency(user_id, created_at);
`
