// Command gateway runs the trading gateway: broker adapters, the market
// data streaming proxy, the order router with its mode gate, and the
// sandbox execution engine, over SQLite state and an in-process or Redis
// tick bus.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"tradegate/internal/auth"
	"tradegate/internal/broker"
	_ "tradegate/internal/broker/angelone"
	_ "tradegate/internal/broker/compositedge"
	_ "tradegate/internal/broker/flattrade"
	_ "tradegate/internal/broker/zerodha"
	"tradegate/internal/bus"
	"tradegate/internal/config"
	"tradegate/internal/gate"
	"tradegate/internal/metrics"
	"tradegate/internal/ratelimit"
	"tradegate/internal/sandbox"
	"tradegate/internal/schedule"
	"tradegate/internal/store"
	"tradegate/internal/stream"
	"tradegate/internal/symbols"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	loc := cfg.Location()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistent stores. The sandbox keeps its own database so paper state
	// never mixes with live state.
	mainDB, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer mainDB.Close()
	if err := mainDB.Migrate(store.GatewaySchema); err != nil {
		return err
	}
	latencyDB, err := store.Open(cfg.LatencyDatabaseURL)
	if err != nil {
		return err
	}
	defer latencyDB.Close()
	if err := latencyDB.Migrate(store.LatencySchema); err != nil {
		return err
	}
	sandboxDB, err := store.Open(cfg.SandboxDatabaseURL)
	if err != nil {
		return err
	}
	defer sandboxDB.Close()
	if err := sandboxDB.Migrate(sandbox.Schema); err != nil {
		return err
	}

	cipher, err := auth.NewCipher(cfg.AppKey)
	if err != nil {
		return err
	}
	users := store.NewUserRepository(mainDB.Conn(), logger)
	apiKeys := store.NewApiKeyRepository(mainDB.Conn(), logger)
	sessions := store.NewSessionRepository(mainDB.Conn(), cipher, logger)
	credentials := store.NewCredentialRepository(mainDB.Conn(), cipher, logger)
	pending := store.NewPendingRepository(mainDB.Conn(), logger)
	orderLog := store.NewOrderLogRepository(mainDB.Conn(), logger)
	latency := store.NewLatencyRepository(latencyDB.Conn(), logger)
	instruments := store.NewInstrumentRepository(mainDB, logger)

	authSvc := auth.NewService(apiKeys, sessions, cipher, cfg.APIKeyPepper, logger)

	// Symbol registry: warm-start from the last persisted master contracts,
	// refresh daily pre-market from every registered broker.
	registry := symbols.NewRegistry()
	deps := broker.Deps{Logger: logger, Registry: registry}
	var sources []symbols.Source
	for _, name := range broker.Brokers() {
		adapter, err := broker.New(name, deps)
		if err != nil {
			return err
		}
		sources = append(sources, adapter)
	}
	refresher := symbols.NewRefresher(registry, sources, instruments, logger)
	if err := refresher.WarmStart(ctx); err != nil {
		logger.Warn().Err(err).Msg("starting with an empty symbol registry")
	}

	// Tick bus: in-process by default, Redis when BUS_HOST is set.
	var transport bus.Transport
	if addr := cfg.BusAddr(); addr != "" {
		transport, err = bus.NewRedisTransport(ctx, addr, logger)
		if err != nil {
			return err
		}
		logger.Info().Str("addr", addr).Msg("using redis tick bus")
	} else {
		transport = bus.NewMemoryTransport()
	}
	tickBus := bus.New(transport, logger)

	limiter, err := buildLimiter(cfg)
	if err != nil {
		return err
	}

	liveAdapters := gate.NewLiveAdapters(credentials, sessions, registry, logger)
	engine, err := sandbox.New(ctx, sandboxDB.Conn(), registryLookup{registry},
		&serviceQuotes{adapters: liveAdapters, userID: cfg.SandboxQuoteUser}, loc, logger)
	if err != nil {
		return err
	}

	router := gate.NewRouter(authSvc, users, liveAdapters, engine,
		pending, orderLog, latency, limiter, notifyViaBus(tickBus), logger)

	pool := stream.NewPool(credentials, sessions, registry, tickBus, logger)
	defer pool.Close()
	proxy := stream.NewProxy(authSvc, pool, tickBus, logger)
	go func() {
		if err := proxy.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("streaming fan-out stopped")
		}
	}()

	sched := schedule.New(loc, logger)
	if err := scheduleJobs(sched, cfg, engine, refresher, sessions, pending, logger); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()
	go engine.Run(ctx)

	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Handle("/metrics", metrics.Handler())
	mux.Post("/order", gate.Handler(router, logger).ServeHTTP)
	mux.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	apiSrv, wsSrv := newServers(cfg, mux, proxy)
	errCh := make(chan error, 2)
	go func() {
		logger.Info().Int("port", cfg.HTTPPort).
			Strs("brokers", broker.Brokers()).Msg("gateway listening")
		errCh <- apiSrv.ListenAndServe()
	}()
	go func() {
		logger.Info().Str("addr", wsSrv.Addr).Msg("streaming endpoint listening")
		errCh <- wsSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	wsErr := wsSrv.Shutdown(shutdownCtx)
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return wsErr
}

// newServers builds the two listeners: the REST and metrics server on
// HTTP_PORT, and the streaming endpoint on its own
// WEBSOCKET_HOST:WEBSOCKET_PORT bind so feed traffic never contends with
// order traffic.
func newServers(cfg *config.Config, api, ws http.Handler) (apiSrv, wsSrv *http.Server) {
	wsMux := chi.NewRouter()
	wsMux.Use(middleware.Recoverer)
	wsMux.Handle("/ws", ws)
	apiSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}
	wsSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.WebSocketHost, cfg.WebSocketPort),
		Handler:           wsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return apiSrv, wsSrv
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(lvl).With().Timestamp().Logger()
}

func buildLimiter(cfg *config.Config) (*ratelimit.Limiter, error) {
	limits := map[ratelimit.Category][]ratelimit.Limit{}
	for _, spec := range []struct {
		category ratelimit.Category
		raw      []string
	}{
		{ratelimit.Order, []string{cfg.OrderRateLimit}},
		{ratelimit.Smart, []string{cfg.SmartOrderRateLimit}},
		{ratelimit.API, []string{cfg.APIRateLimit}},
		{ratelimit.Login, []string{cfg.LoginRateLimitMin, cfg.LoginRateLimitHour}},
		{ratelimit.Reset, []string{cfg.ResetRateLimit}},
	} {
		for _, raw := range spec.raw {
			limit, err := ratelimit.ParseLimit(raw)
			if err != nil {
				return nil, fmt.Errorf("rate limit for %s: %w", spec.category, err)
			}
			limits[spec.category] = append(limits[spec.category], limit)
		}
	}
	return ratelimit.New(limits), nil
}

// scheduleJobs wires the recurring work: sandbox square-off and resets (the
// engine installs its own), the daily master-contract refresh, the broker
// session sweep at the daily cutoff, and pending-order expiry.
func scheduleJobs(sched *schedule.Scheduler, cfg *config.Config, engine *sandbox.Engine,
	refresher *symbols.Refresher, sessions *store.SessionRepository,
	pending *store.PendingRepository, logger zerolog.Logger) error {

	if err := engine.Schedule(sched); err != nil {
		return err
	}

	// Master contracts refresh pre-market.
	if _, err := sched.AddJob("30 8 * * 1-5", refresher); err != nil {
		return err
	}

	cutoff, err := config.ParseClock(cfg.SessionExpiryTime)
	if err != nil {
		return err
	}
	sweep := fmt.Sprintf("%d %d * * *", cutoff.Minute, cutoff.Hour)
	if _, err := sched.AddJob(sweep, schedule.NewJob("session-sweep", func() error {
		n, err := sessions.DeleteExpired(context.Background(), time.Now())
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info().Int64("sessions", n).Msg("expired broker sessions revoked")
		}
		return nil
	})); err != nil {
		return err
	}

	// Pending orders left undecided past the session cutoff lapse with it.
	if _, err := sched.AddJob(sweep, schedule.NewJob("pending-expiry", func() error {
		n, err := pending.ExpireBefore(context.Background(), time.Now())
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info().Int64("orders", n).Msg("stale pending orders expired")
		}
		return nil
	})); err != nil {
		return err
	}
	return nil
}

// registryLookup resolves canonical symbols against any broker's master
// contract. Canonical symbols are broker-agnostic, so the first hit wins.
type registryLookup struct {
	registry *symbols.Registry
}

func (r registryLookup) Lookup(exchange, symbol string) (*symbols.Instrument, error) {
	for _, name := range broker.Brokers() {
		if in, err := r.registry.Lookup(name, exchange, symbol); err == nil {
			return in, nil
		}
	}
	return nil, symbols.ErrNotFound
}

// serviceQuotes prices sandbox fills through the configured service
// account's live broker session, read-only.
type serviceQuotes struct {
	adapters *gate.LiveAdapters
	userID   string
}

func (q *serviceQuotes) Quote(ctx context.Context, symbol, exchange string) (*broker.Quote, error) {
	api, name, err := q.adapters.ForUser(ctx, q.userID)
	if err != nil {
		return nil, err
	}
	market, ok := api.(broker.MarketAPI)
	if !ok {
		return nil, fmt.Errorf("broker %s does not serve market data", name)
	}
	return market.Quote(ctx, symbol, exchange)
}

// notifyViaBus publishes action-center lifecycle events on the tick bus so
// UI processes can subscribe without polling.
func notifyViaBus(b *bus.Bus) gate.Notifier {
	pub := b.Publisher("action-center")
	return func(event string, p *store.PendingOrder) {
		payload := fmt.Sprintf(`{"event":%q,"pending_order_id":%q,"operation":%q}`,
			event, p.ID, p.Operation)
		pub.Publish("ACTION_"+p.UserID, []byte(payload))
	}
}
