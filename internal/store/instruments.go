package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"tradegate/internal/symbols"
)

// InstrumentRepository persists master contract rows between restarts. It
// satisfies symbols.Persister.
type InstrumentRepository struct {
	db  *DB
	log zerolog.Logger
}

// NewInstrumentRepository creates an instrument repository.
func NewInstrumentRepository(db *DB, log zerolog.Logger) *InstrumentRepository {
	return &InstrumentRepository{db: db, log: log.With().Str("repo", "instruments").Logger()}
}

// SaveInstruments replaces the broker's persisted rows in one transaction.
// Master contracts run to ~1e5 rows, so inserts are batched via a prepared
// statement rather than one multi-row SQL string.
func (r *InstrumentRepository) SaveInstruments(ctx context.Context, broker string, rows []symbols.Instrument) error {
	tx, err := r.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin instrument save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM instruments WHERE broker = ?`, broker); err != nil {
		return fmt.Errorf("failed to clear instruments: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO instruments
		(broker, symbol, brsymbol, name, exchange, brexchange, token, expiry, strike, lotsize, instrumenttype, ticksize)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare instrument insert: %w", err)
	}
	defer stmt.Close()

	for i := range rows {
		in := &rows[i]
		if _, err := stmt.ExecContext(ctx, broker, in.Symbol, in.BrSymbol, in.Name, in.Exchange, in.BrExchange,
			in.Token, in.Expiry, in.Strike, in.LotSize, in.InstrumentType, in.TickSize); err != nil {
			return fmt.Errorf("failed to insert instrument %s: %w", in.Symbol, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit instrument save: %w", err)
	}
	r.log.Info().Str("broker", broker).Int("rows", len(rows)).Msg("instruments persisted")
	return nil
}

// LoadInstruments returns every persisted instrument across brokers.
func (r *InstrumentRepository) LoadInstruments(ctx context.Context) ([]symbols.Instrument, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT broker, symbol, brsymbol, COALESCE(name,''), exchange, brexchange, token,
		       COALESCE(expiry,''), strike, lotsize, COALESCE(instrumenttype,''), ticksize
		FROM instruments
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load instruments: %w", err)
	}
	defer rows.Close()

	var out []symbols.Instrument
	for rows.Next() {
		var in symbols.Instrument
		if err := rows.Scan(&in.Broker, &in.Symbol, &in.BrSymbol, &in.Name, &in.Exchange, &in.BrExchange,
			&in.Token, &in.Expiry, &in.Strike, &in.LotSize, &in.InstrumentType, &in.TickSize); err != nil {
			return nil, fmt.Errorf("failed to scan instrument: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}
