package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/frahmantamala/crowdfunding-payments/internal"
)

// ErrInProgress means another caller holds an unexpired reservation for the key.
var ErrInProgress = errors.New("idempotency: request already in progress")

const (
	ScopeDonation = "donation"
	ScopeWebhook  = "webhook"
	ScopeRefund   = "refund"
)

// Reservation is the outcome of Reserve. New is true for the single caller that
// owns the key; otherwise Result carries what the owner completed with.
type Reservation struct {
	New    bool
	Result string
}

// Store is a backend able to insert a reservation atomically. An expired record
// must be replaced as if it did not exist. Reserve writes an IN_PROGRESS record
// that expires at leaseUntil; Complete moves the expiry out to expiresAt.
type Store interface {
	Reserve(ctx context.Context, scope, key string, now, leaseUntil time.Time) (Reservation, error)
	Complete(ctx context.Context, scope, key, result string, expiresAt time.Time) error
	Release(ctx context.Context, scope, key string) error
}

// Purger is implemented by backends without native expiry.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type Guard struct {
	store      Store
	defaultTTL time.Duration
	scopeTTL   map[string]time.Duration
	lease      time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewGuard builds a guard over store. Zero durations in cfg fall back to defaults.
func NewGuard(store Store, cfg internal.IdempotencyConfig, logger *slog.Logger) *Guard {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	webhookTTL := cfg.WebhookTTL
	if webhookTTL <= 0 {
		webhookTTL = 72 * time.Hour
	}
	lease := cfg.Lease
	if lease <= 0 || lease > ttl {
		lease = 2 * time.Minute
	}
	return &Guard{
		store:      store,
		defaultTTL: ttl,
		scopeTTL:   map[string]time.Duration{ScopeWebhook: webhookTTL},
		lease:      lease,
		now:        time.Now,
		logger:     logger,
	}
}

// WithClock replaces the time source; used by tests.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

func (g *Guard) ttl(scope string) time.Duration {
	if d, ok := g.scopeTTL[scope]; ok {
		return d
	}
	return g.defaultTTL
}

// Reserve claims the key for the lease period, or returns the completed result
// of an earlier owner. An owner that never completes loses the key once the
// lease runs out.
func (g *Guard) Reserve(ctx context.Context, scope, key string) (Reservation, error) {
	if key == "" {
		return Reservation{}, fmt.Errorf("idempotency: empty key for scope %s", scope)
	}
	now := g.now().UTC()
	res, err := g.store.Reserve(ctx, scope, key, now, now.Add(g.lease))
	if err != nil {
		if !errors.Is(err, ErrInProgress) {
			g.logger.Error("idempotency reserve failed", "scope", scope, "key", key, "error", err)
		}
		return Reservation{}, err
	}
	if !res.New {
		g.logger.Debug("idempotency replay", "scope", scope, "key", key)
	}
	return res, nil
}

// Complete stores the result and keeps it for the scope's TTL.
func (g *Guard) Complete(ctx context.Context, scope, key, result string) error {
	expiresAt := g.now().UTC().Add(g.ttl(scope))
	if err := g.store.Complete(ctx, scope, key, result, expiresAt); err != nil {
		g.logger.Error("idempotency complete failed", "scope", scope, "key", key, "error", err)
		return err
	}
	return nil
}

// Release drops the reservation so the key can be used again. Failures are logged;
// the record still expires when its lease runs out.
func (g *Guard) Release(ctx context.Context, scope, key string) {
	if err := g.store.Release(ctx, scope, key); err != nil {
		g.logger.Warn("idempotency release failed", "scope", scope, "key", key, "error", err)
	}
}

// PurgeExpired is a no-op for stores with native expiry.
func (g *Guard) PurgeExpired(ctx context.Context) (int64, error) {
	p, ok := g.store.(Purger)
	if !ok {
		return 0, nil
	}
	return p.PurgeExpired(ctx, g.now().UTC())
}

// DonationKey namespaces a client key so two users or two different requests
// cannot collide on it.
func DonationKey(userID, projectID, amount int64, clientKey string) string {
	return fmt.Sprintf("%d:%d:%d:%s", userID, projectID, amount, clientKey)
}
