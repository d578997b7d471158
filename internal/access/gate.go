package access

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"Parley/internal/errs"
	"Parley/internal/model"
)

// DefaultInterval is how often a running gate re-evaluates. It must stay under a minute
// so an active window lapses into read-only on time.
const DefaultInterval = 30 * time.Second

// ReservationLookup lists the reservations between two users, oldest first.
type ReservationLookup interface {
	ListReservations(ctx context.Context, userA, userB string) ([]model.Reservation, error)
}

// GateConfig configures a Gate.
type GateConfig struct {
	ViewerID  string
	PartnerID string
	Policy    Policy
	Interval  time.Duration
	Now       func() time.Time
	Logger    *zap.Logger

	// OnChange is called outside the gate's lock whenever the state kind or reason changes.
	OnChange func(model.AccessState)
}

// Gate caches the access state of one conversation. It is owned by a single session.
type Gate struct {
	lookup   ReservationLookup
	viewer   string
	partner  string
	policy   Policy
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger
	onChange func(model.AccessState)

	mu          sync.RWMutex
	state       model.AccessState
	reservation *model.Reservation
	fetched     bool
}

// NewGate creates a gate in the locked state. Call Refresh before relying on it.
func NewGate(lookup ReservationLookup, cfg GateConfig) *Gate {
	if cfg.Interval <= 0 || cfg.Interval > time.Minute {
		cfg.Interval = DefaultInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Gate{
		lookup:   lookup,
		viewer:   cfg.ViewerID,
		partner:  cfg.PartnerID,
		policy:   cfg.Policy,
		interval: cfg.Interval,
		now:      cfg.Now,
		logger:   cfg.Logger.Named("gate"),
		onChange: cfg.OnChange,
		state:    model.Locked(model.ReasonUnavailable),
	}
}

// Refresh fetches the pair's reservations and re-evaluates. On lookup failure the last
// known reservation is re-evaluated against the current time and the error is returned.
func (g *Gate) Refresh(ctx context.Context) (model.AccessState, error) {
	reservations, err := g.lookup.ListReservations(ctx, g.viewer, g.partner)
	if err != nil {
		g.logger.Warn("reservation lookup failed",
			zap.String("viewer_id", g.viewer),
			zap.String("partner_id", g.partner),
			zap.Error(err),
		)
		return g.reevaluate(), err
	}

	latest := Latest(reservations)

	g.mu.Lock()
	g.reservation = latest
	g.fetched = true
	g.mu.Unlock()

	return g.reevaluate(), nil
}

// Reevaluate applies the current time to the cached reservation without fetching.
func (g *Gate) Reevaluate() model.AccessState {
	return g.reevaluate()
}

func (g *Gate) reevaluate() model.AccessState {
	g.mu.Lock()
	var next model.AccessState
	if !g.fetched {
		next = model.Locked(model.ReasonUnavailable)
	} else {
		next = Evaluate(g.reservation, g.now(), g.policy)
	}
	prev := g.state
	g.state = next
	g.mu.Unlock()

	if prev.Kind != next.Kind || prev.Reason != next.Reason {
		g.logger.Info("access state changed",
			zap.String("viewer_id", g.viewer),
			zap.String("partner_id", g.partner),
			zap.String("from", prev.String()),
			zap.String("to", next.String()),
		)
		if g.onChange != nil {
			g.onChange(next)
		}
	}
	return next
}

// State returns the cached state.
func (g *Gate) State() model.AccessState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Reservation returns the authoritative reservation, if any.
func (g *Gate) Reservation() *model.Reservation {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.reservation == nil {
		return nil
	}
	r := *g.reservation
	return &r
}

// CanSend reports whether the cached state is active.
func (g *Gate) CanSend() bool {
	return g.State().IsActive()
}

// RequireSendable returns nil when sending is allowed, otherwise an AccessDeniedError
// carrying the reason. It never retries.
func (g *Gate) RequireSendable() error {
	state := g.State()
	if state.IsActive() {
		return nil
	}
	return errs.AccessDenied(state.Reason)
}

// Run refreshes the gate on every tick until ctx is done.
func (g *Gate) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := g.Refresh(ctx); err != nil && ctx.Err() != nil {
				return
			}
		}
	}
}
