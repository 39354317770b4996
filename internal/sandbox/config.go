package sandbox

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the tunable surface of the simulator, persisted in the
// sandbox_config table so changes survive restarts and can be hot-reloaded.
type Config struct {
	StartingCapital    decimal.Decimal
	EquityMISLeverage  decimal.Decimal
	EquityCNCLeverage  decimal.Decimal
	FuturesLeverage    decimal.Decimal
	OptionBuyLeverage  decimal.Decimal
	OptionSellLeverage decimal.Decimal

	OrderRateLimit    int
	ExecutionInterval time.Duration

	SquareOffNSEBSE string
	SquareOffCDSBCD string
	SquareOffMCX    string
	SquareOffNCDEX  string

	ResetDay       string
	ResetTime      string
	SettlementTime string
}

const (
	keyStartingCapital    = "starting_capital"
	keyEquityMISLeverage  = "equity_mis_leverage"
	keyEquityCNCLeverage  = "equity_cnc_leverage"
	keyFuturesLeverage    = "futures_leverage"
	keyOptionBuyLeverage  = "option_buy_leverage"
	keyOptionSellLeverage = "option_sell_leverage"
	keyOrderRateLimit     = "order_rate_limit"
	keyExecutionInterval  = "order_check_interval"
	keySquareOffNSEBSE    = "nse_bse_square_off_time"
	keySquareOffCDSBCD    = "cds_bcd_square_off_time"
	keySquareOffMCX       = "mcx_square_off_time"
	keySquareOffNCDEX     = "ncdex_square_off_time"
	keyResetDay           = "reset_day"
	keyResetTime          = "reset_time"
	keySettlementTime     = "settlement_time"
)

func defaults() map[string]string {
	return map[string]string{
		keyStartingCapital:    "10000000",
		keyEquityMISLeverage:  "5",
		keyEquityCNCLeverage:  "1",
		keyFuturesLeverage:    "10",
		keyOptionBuyLeverage:  "1",
		keyOptionSellLeverage: "10",
		keyOrderRateLimit:     "10",
		keyExecutionInterval:  "5s",
		keySquareOffNSEBSE:    "15:15",
		keySquareOffCDSBCD:    "16:45",
		keySquareOffMCX:       "23:30",
		keySquareOffNCDEX:     "17:00",
		keyResetDay:           "SUN",
		keyResetTime:          "00:00",
		keySettlementTime:     "08:00",
	}
}

// loadConfig seeds missing keys with defaults and parses the table into a
// Config. A malformed stored value is an error, not a silent fallback.
func loadConfig(ctx context.Context, db *sql.DB) (*Config, error) {
	stored := map[string]string{}
	rows, err := db.QueryContext(ctx, `SELECT key, value FROM sandbox_config`)
	if err != nil {
		return nil, fmt.Errorf("failed to read sandbox config: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		stored[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for k, v := range defaults() {
		if _, ok := stored[k]; ok {
			continue
		}
		if _, err := db.ExecContext(ctx,
			`INSERT INTO sandbox_config (key, value) VALUES (?, ?)`, k, v); err != nil {
			return nil, fmt.Errorf("failed to seed sandbox config %s: %w", k, err)
		}
		stored[k] = v
	}

	cfg := &Config{
		SquareOffNSEBSE: stored[keySquareOffNSEBSE],
		SquareOffCDSBCD: stored[keySquareOffCDSBCD],
		SquareOffMCX:    stored[keySquareOffMCX],
		SquareOffNCDEX:  stored[keySquareOffNCDEX],
		ResetDay:        stored[keyResetDay],
		ResetTime:       stored[keyResetTime],
		SettlementTime:  stored[keySettlementTime],
	}
	for key, dst := range map[string]*decimal.Decimal{
		keyStartingCapital:    &cfg.StartingCapital,
		keyEquityMISLeverage:  &cfg.EquityMISLeverage,
		keyEquityCNCLeverage:  &cfg.EquityCNCLeverage,
		keyFuturesLeverage:    &cfg.FuturesLeverage,
		keyOptionBuyLeverage:  &cfg.OptionBuyLeverage,
		keyOptionSellLeverage: &cfg.OptionSellLeverage,
	} {
		d, err := decimal.NewFromString(stored[key])
		if err != nil || d.Sign() <= 0 {
			return nil, fmt.Errorf("sandbox config %s has invalid value %q", key, stored[key])
		}
		*dst = d
	}
	if cfg.OrderRateLimit, err = strconv.Atoi(stored[keyOrderRateLimit]); err != nil || cfg.OrderRateLimit <= 0 {
		return nil, fmt.Errorf("sandbox config %s has invalid value %q", keyOrderRateLimit, stored[keyOrderRateLimit])
	}
	if cfg.ExecutionInterval, err = time.ParseDuration(stored[keyExecutionInterval]); err != nil || cfg.ExecutionInterval <= 0 {
		return nil, fmt.Errorf("sandbox config %s has invalid value %q", keyExecutionInterval, stored[keyExecutionInterval])
	}
	for _, t := range []string{cfg.SquareOffNSEBSE, cfg.SquareOffCDSBCD, cfg.SquareOffMCX, cfg.SquareOffNCDEX, cfg.ResetTime, cfg.SettlementTime} {
		if _, _, err := parseClock(t); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// parseClock splits an HH:MM wall-clock string.
func parseClock(s string) (hour, minute int, err error) {
	if _, err := time.Parse("15:04", s); err != nil {
		return 0, 0, fmt.Errorf("invalid clock time %q, want HH:MM", s)
	}
	fmt.Sscanf(s, "%d:%d", &hour, &minute)
	return hour, minute, nil
}

// cronAt renders an HH:MM clock as a daily cron expression.
func cronAt(clock string) string {
	h, m, _ := parseClock(clock)
	return fmt.Sprintf("%d %d * * *", m, h)
}

// cronWeekly renders a day-of-week name plus HH:MM as a weekly expression.
func cronWeekly(day, clock string) string {
	h, m, _ := parseClock(clock)
	return fmt.Sprintf("%d %d * * %s", m, h, day)
}
