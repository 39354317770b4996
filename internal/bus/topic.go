package bus

import (
	"fmt"
	"strings"
)

// Mode is a market data subscription depth level.
type Mode int

const (
	ModeLTP   Mode = 1
	ModeQuote Mode = 2
	ModeDepth Mode = 3
)

// String returns the topic token for the mode.
func (m Mode) String() string {
	switch m {
	case ModeLTP:
		return "LTP"
	case ModeQuote:
		return "QUOTE"
	case ModeDepth:
		return "DEPTH"
	default:
		return fmt.Sprintf("MODE(%d)", int(m))
	}
}

// ParseMode maps a topic token or numeric level to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(s) {
	case "LTP", "1":
		return ModeLTP, nil
	case "QUOTE", "2":
		return ModeQuote, nil
	case "DEPTH", "3":
		return ModeDepth, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// Exchanges recognized in topic strings. NSE_INDEX and BSE_INDEX contain an
// underscore and must be matched before their NSE/BSE prefixes.
var exchanges = []string{
	"NSE_INDEX", "BSE_INDEX",
	"NSE", "BSE", "NFO", "BFO", "MCX", "CDS", "BCD", "NCDEX",
}

var exchangeSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(exchanges))
	for _, e := range exchanges {
		m[e] = struct{}{}
	}
	return m
}()

// ValidExchange reports whether s is a recognized exchange segment.
func ValidExchange(s string) bool {
	_, ok := exchangeSet[s]
	return ok
}

// Topic identifies one instrument stream on the bus.
type Topic struct {
	Broker   string
	Exchange string
	Symbol   string
	Mode     Mode
}

// String renders the wire form BROKER_EXCHANGE_SYMBOL_MODE.
func (t Topic) String() string {
	return fmt.Sprintf("%s_%s_%s_%s", t.Broker, t.Exchange, t.Symbol, t.Mode)
}

// ParseTopic parses a wire topic. The exchange segment is matched greedily so
// that NSE_INDEX parses as one exchange rather than exchange NSE with an
// INDEX-prefixed symbol. Symbols may themselves contain underscores.
func ParseTopic(s string) (Topic, error) {
	parts := strings.Split(s, "_")
	if len(parts) < 4 {
		return Topic{}, fmt.Errorf("malformed topic %q", s)
	}

	broker := parts[0]
	if broker == "" {
		return Topic{}, fmt.Errorf("malformed topic %q: empty broker", s)
	}

	mode, err := ParseMode(parts[len(parts)-1])
	if err != nil {
		return Topic{}, fmt.Errorf("malformed topic %q: %w", s, err)
	}
	rest := parts[1 : len(parts)-1]

	// Two-segment exchanges first.
	var exchange string
	var symParts []string
	if len(rest) >= 2 {
		two := rest[0] + "_" + rest[1]
		if ValidExchange(two) {
			exchange = two
			symParts = rest[2:]
		}
	}
	if exchange == "" {
		if !ValidExchange(rest[0]) {
			return Topic{}, fmt.Errorf("malformed topic %q: unknown exchange %q", s, rest[0])
		}
		exchange = rest[0]
		symParts = rest[1:]
	}

	symbol := strings.Join(symParts, "_")
	if symbol == "" {
		return Topic{}, fmt.Errorf("malformed topic %q: empty symbol", s)
	}

	return Topic{Broker: broker, Exchange: exchange, Symbol: symbol, Mode: mode}, nil
}
