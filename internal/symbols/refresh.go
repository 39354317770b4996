package symbols

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tradegate/internal/metrics"
)

// Source downloads one broker's master contract.
type Source interface {
	Broker() string
	Instruments(ctx context.Context) ([]Instrument, error)
}

// Persister stores downloaded instruments so a restart between refreshes
// starts warm.
type Persister interface {
	SaveInstruments(ctx context.Context, broker string, rows []Instrument) error
	LoadInstruments(ctx context.Context) ([]Instrument, error)
}

// Refresher rebuilds the registry from every registered source. It is wired
// to the daily pre-market schedule and can be triggered manually.
type Refresher struct {
	registry *Registry
	sources  []Source
	persist  Persister
	timeout  time.Duration
	log      zerolog.Logger
}

// NewRefresher builds a refresher over the given sources.
func NewRefresher(registry *Registry, sources []Source, persist Persister, logger zerolog.Logger) *Refresher {
	return &Refresher{
		registry: registry,
		sources:  sources,
		persist:  persist,
		timeout:  5 * time.Minute,
		log:      logger.With().Str("component", "symbol-refresh").Logger(),
	}
}

// WarmStart loads the last persisted master contracts into the registry.
// Called once at boot so lookups work before the first scheduled refresh.
func (r *Refresher) WarmStart(ctx context.Context) error {
	rows, err := r.persist.LoadInstruments(ctx)
	if err != nil {
		return fmt.Errorf("failed to load persisted instruments: %w", err)
	}
	byBroker := map[string][]Instrument{}
	for _, in := range rows {
		byBroker[in.Broker] = append(byBroker[in.Broker], in)
	}
	for broker, list := range byBroker {
		r.registry.Replace(broker, list)
		r.log.Info().Str("broker", broker).Int("instruments", len(list)).Msg("registry warm-started")
	}
	return nil
}

// RefreshAll downloads every source and swaps the registry per broker. One
// broker failing leaves its previous snapshot in place and does not stop the
// others.
func (r *Refresher) RefreshAll(ctx context.Context) error {
	start := time.Now()
	var failed int
	for _, src := range r.sources {
		if err := r.refreshOne(ctx, src); err != nil {
			failed++
			metrics.RegistryRefreshErrors.WithLabelValues(src.Broker()).Inc()
			r.log.Error().Err(err).Str("broker", src.Broker()).Msg("master contract refresh failed")
		}
	}
	metrics.RegistryRefreshDuration.Observe(time.Since(start).Seconds())
	if failed == len(r.sources) && failed > 0 {
		return fmt.Errorf("all %d master contract downloads failed", failed)
	}
	return nil
}

func (r *Refresher) refreshOne(ctx context.Context, src Source) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	rows, err := src.Instruments(ctx)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("download returned no instruments")
	}

	r.registry.Replace(src.Broker(), rows)
	if err := r.persist.SaveInstruments(ctx, src.Broker(), rows); err != nil {
		// Registry already swapped; persistence failure only costs warm start.
		r.log.Warn().Err(err).Str("broker", src.Broker()).Msg("instrument persistence failed")
	}

	r.log.Info().
		Str("broker", src.Broker()).
		Int("instruments", len(rows)).
		Dur("took", time.Since(start)).
		Msg("master contract refreshed")
	return nil
}

// Run implements the scheduler Job interface.
func (r *Refresher) Run() error {
	return r.RefreshAll(context.Background())
}

// Name implements the scheduler Job interface.
func (r *Refresher) Name() string { return "symbol-refresh" }
