// Package symbols maintains the canonical instrument registry: the mapping
// between gateway symbols and broker-native identifiers, rebuilt daily from
// each broker's master contract.
package symbols

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"tradegate/internal/metrics"
)

// ErrNotFound is returned when no instrument matches a lookup.
var ErrNotFound = errors.New("symbol not found")

// Instrument is one tradable contract in canonical form.
type Instrument struct {
	Broker         string
	Symbol         string // canonical gateway symbol, e.g. NIFTY25JAN24000CE
	BrSymbol       string // broker-native symbol
	Name           string
	Exchange       string // canonical exchange
	BrExchange     string // broker-native exchange segment
	Token          string // broker-native numeric token
	Expiry         string // canonical DD-MMM-YY, empty for equities
	Strike         float64
	LotSize        int
	InstrumentType string // EQ, FUT, CE, PE, INDEX
	TickSize       float64
}

type symbolKey struct {
	broker   string
	exchange string
	symbol   string
}

type tokenKey struct {
	broker   string
	exchange string
	token    string
}

type brKey struct {
	broker     string
	brExchange string
	brSymbol   string
}

// snapshot is an immutable view of the registry. Readers hold at most a
// pointer to one snapshot; rebuilds publish a fresh one.
type snapshot struct {
	bySymbol   map[symbolKey]*Instrument
	byToken    map[tokenKey]*Instrument
	byBrSymbol map[brKey]*Instrument
	perBroker  map[string][]*Instrument
	builtAt    time.Time
}

func emptySnapshot() *snapshot {
	return &snapshot{
		bySymbol:   map[symbolKey]*Instrument{},
		byToken:    map[tokenKey]*Instrument{},
		byBrSymbol: map[brKey]*Instrument{},
		perBroker:  map[string][]*Instrument{},
	}
}

// Registry resolves symbols without locking: lookups read an atomically
// swapped snapshot, so a refresh never stalls the hot path.
type Registry struct {
	current atomic.Pointer[snapshot]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.current.Store(emptySnapshot())
	return r
}

// Lookup resolves a canonical (broker, exchange, symbol) triple.
func (r *Registry) Lookup(broker, exchange, symbol string) (*Instrument, error) {
	s := r.current.Load()
	if in, ok := s.bySymbol[symbolKey{broker, exchange, symbol}]; ok {
		return in, nil
	}
	return nil, fmt.Errorf("%w: %s %s on %s", ErrNotFound, broker, symbol, exchange)
}

// LookupToken resolves a broker-native token back to an instrument.
func (r *Registry) LookupToken(broker, exchange, token string) (*Instrument, error) {
	s := r.current.Load()
	if in, ok := s.byToken[tokenKey{broker, exchange, token}]; ok {
		return in, nil
	}
	return nil, fmt.Errorf("%w: %s token %s on %s", ErrNotFound, broker, token, exchange)
}

// LookupBroker resolves a broker-native (segment, symbol) pair.
func (r *Registry) LookupBroker(broker, brExchange, brSymbol string) (*Instrument, error) {
	s := r.current.Load()
	if in, ok := s.byBrSymbol[brKey{broker, brExchange, brSymbol}]; ok {
		return in, nil
	}
	return nil, fmt.Errorf("%w: %s %s on segment %s", ErrNotFound, broker, brSymbol, brExchange)
}

// Search returns up to limit instruments for a broker whose canonical symbol
// or name contains query, case-insensitively.
func (r *Registry) Search(broker, query string, limit int) []*Instrument {
	if limit <= 0 {
		limit = 25
	}
	q := strings.ToUpper(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	s := r.current.Load()
	var out []*Instrument
	for _, in := range s.perBroker[broker] {
		if strings.Contains(in.Symbol, q) || strings.Contains(strings.ToUpper(in.Name), q) {
			out = append(out, in)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}

// Count returns the number of instruments loaded for a broker.
func (r *Registry) Count(broker string) int {
	return len(r.current.Load().perBroker[broker])
}

// BuiltAt returns when the current snapshot was published.
func (r *Registry) BuiltAt() time.Time {
	return r.current.Load().builtAt
}

// Replace swaps in a new instrument set for one broker. Other brokers'
// entries carry over untouched. Within a broker, later duplicates of a
// (exchange, symbol) key win, matching master contract ordering.
func (r *Registry) Replace(broker string, instruments []Instrument) {
	old := r.current.Load()
	next := emptySnapshot()
	next.builtAt = time.Now()

	for b, list := range old.perBroker {
		if b == broker {
			continue
		}
		next.perBroker[b] = list
		for _, in := range list {
			next.index(in)
		}
	}

	fresh := make([]*Instrument, 0, len(instruments))
	for i := range instruments {
		in := instruments[i]
		in.Broker = broker
		cp := in
		fresh = append(fresh, &cp)
		next.index(&cp)
	}
	next.perBroker[broker] = fresh

	r.current.Store(next)
	metrics.InstrumentsLoaded.WithLabelValues(broker).Set(float64(len(fresh)))
}

func (s *snapshot) index(in *Instrument) {
	s.bySymbol[symbolKey{in.Broker, in.Exchange, in.Symbol}] = in
	if in.Token != "" {
		s.byToken[tokenKey{in.Broker, in.Exchange, in.Token}] = in
	}
	if in.BrSymbol != "" {
		s.byBrSymbol[brKey{in.Broker, in.BrExchange, in.BrSymbol}] = in
	}
}
