package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tradegate/internal/broker"
	"tradegate/internal/store"
	"tradegate/internal/symbols"
)

// LiveAdapters builds order-capable adapters from stored credentials and the
// user's most recent broker session. Order calls ride the broker's REST API,
// so adapters are constructed per request rather than pooled; the streaming
// proxy keeps its own pool for sockets.
type LiveAdapters struct {
	creds    *store.CredentialRepository
	sessions *store.SessionRepository
	registry *symbols.Registry
	log      zerolog.Logger
}

// NewLiveAdapters wires the live adapter source.
func NewLiveAdapters(creds *store.CredentialRepository, sessions *store.SessionRepository,
	registry *symbols.Registry, log zerolog.Logger) *LiveAdapters {
	return &LiveAdapters{creds: creds, sessions: sessions, registry: registry, log: log}
}

// ForUser returns an adapter carrying the user's decrypted session, plus the
// broker name it talks to.
func (s *LiveAdapters) ForUser(ctx context.Context, userID string) (broker.OrderAPI, string, error) {
	sess, err := s.sessions.Latest(ctx, userID)
	if err != nil {
		return nil, "", err
	}
	if sess.Expired(time.Now()) {
		return nil, "", fmt.Errorf("%w: %s session passed its daily cutoff", store.ErrSessionNotFound, sess.Broker)
	}
	creds, err := s.creds.Get(ctx, userID, sess.Broker)
	if err != nil {
		return nil, "", err
	}

	adapter, err := broker.New(sess.Broker, broker.Deps{Logger: s.log, Registry: s.registry})
	if err != nil {
		return nil, "", err
	}
	adapter.SetSession(broker.Credentials{
		APIKey:          creds.APIKey,
		APISecret:       creds.APISecret,
		MarketAPIKey:    creds.MarketAPIKey,
		MarketAPISecret: creds.MarketAPISecret,
		Extra:           sess.Extra,
	}, broker.Session{AuthToken: sess.AuthToken, FeedToken: sess.FeedToken})
	return adapter, sess.Broker, nil
}

// Revoke deletes the user's current broker session. Called when a broker
// rejects the session token so the next request forces a fresh login.
func (s *LiveAdapters) Revoke(ctx context.Context, userID string) error {
	sess, err := s.sessions.Latest(ctx, userID)
	if err != nil {
		return err
	}
	return s.sessions.Delete(ctx, userID, sess.Broker)
}
