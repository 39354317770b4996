package sandbox

// Schema is the sandbox store layout. Money columns hold decimal strings so
// margin arithmetic never round-trips through floats.
const Schema = `
CREATE TABLE IF NOT EXISTS sandbox_orders (
    order_id        TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL,
    symbol          TEXT NOT NULL,
    exchange        TEXT NOT NULL,
    action          TEXT NOT NULL,
    quantity        INTEGER NOT NULL,
    price_type      TEXT NOT NULL,
    product         TEXT NOT NULL,
    price           TEXT NOT NULL DEFAULT '0',
    trigger_price   TEXT NOT NULL DEFAULT '0',
    status          TEXT NOT NULL,
    filled_quantity INTEGER NOT NULL DEFAULT 0,
    average_price   TEXT NOT NULL DEFAULT '0',
    margin_blocked  TEXT NOT NULL DEFAULT '0',
    margin_basis    TEXT NOT NULL DEFAULT '0',
    multiplier      INTEGER NOT NULL DEFAULT 1,
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sandbox_orders_open
    ON sandbox_orders(status, symbol, exchange);
CREATE INDEX IF NOT EXISTS idx_sandbox_orders_user
    ON sandbox_orders(user_id, created_at);

CREATE TABLE IF NOT EXISTS sandbox_trades (
    trade_id   TEXT PRIMARY KEY,
    order_id   TEXT NOT NULL,
    user_id    TEXT NOT NULL,
    symbol     TEXT NOT NULL,
    exchange   TEXT NOT NULL,
    action     TEXT NOT NULL,
    quantity   INTEGER NOT NULL,
    price      TEXT NOT NULL,
    product    TEXT NOT NULL,
    traded_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sandbox_trades_user
    ON sandbox_trades(user_id, traded_at);

CREATE TABLE IF NOT EXISTS sandbox_positions (
    user_id        TEXT NOT NULL,
    symbol         TEXT NOT NULL,
    exchange       TEXT NOT NULL,
    product        TEXT NOT NULL,
    quantity       INTEGER NOT NULL DEFAULT 0,
    avg_price      TEXT NOT NULL DEFAULT '0',
    realized_pnl   TEXT NOT NULL DEFAULT '0',
    margin_blocked TEXT NOT NULL DEFAULT '0',
    multiplier     INTEGER NOT NULL DEFAULT 1,
    updated_at     TEXT NOT NULL,
    PRIMARY KEY (user_id, symbol, exchange, product)
);

CREATE TABLE IF NOT EXISTS sandbox_holdings (
    user_id        TEXT NOT NULL,
    symbol         TEXT NOT NULL,
    exchange       TEXT NOT NULL,
    quantity       INTEGER NOT NULL,
    avg_price      TEXT NOT NULL,
    margin_blocked TEXT NOT NULL DEFAULT '0',
    settled_at     TEXT NOT NULL,
    PRIMARY KEY (user_id, symbol, exchange)
);

CREATE TABLE IF NOT EXISTS sandbox_funds (
    user_id      TEXT PRIMARY KEY,
    capital      TEXT NOT NULL,
    available    TEXT NOT NULL,
    used_margin  TEXT NOT NULL DEFAULT '0',
    realized_pnl TEXT NOT NULL DEFAULT '0',
    reset_count  INTEGER NOT NULL DEFAULT 0,
    updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sandbox_config (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
