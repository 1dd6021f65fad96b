// Package quota enforces the server-authoritative daily message quota.
package quota

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kasa-chat/kasa/internal/config"
	"github.com/kasa-chat/kasa/internal/domain"
	"github.com/kasa-chat/kasa/internal/store"
)

// Decision is the result of one authorize call. Allowed reflects the atomic
// check-and-increment, not a count the caller could race on.
type Decision struct {
	Allowed bool
	Plan    string
	Limit   int
	Used    int
}

// Guard resolves a user's effective plan and performs the atomic daily
// check-and-increment against the plan's limit.
type Guard struct {
	store  store.Store
	policy *PlanPolicy
	plans  config.PlansConfig
	tz     string
	logger *zap.Logger
	now    func() time.Time
}

// NewGuard creates a quota guard.
func NewGuard(db store.Store, policy *PlanPolicy, plans config.PlansConfig, defaultTZ string, logger *zap.Logger) *Guard {
	return &Guard{
		store:  db,
		policy: policy,
		plans:  plans,
		tz:     defaultTZ,
		logger: logger,
		now:    time.Now,
	}
}

// Authorize reads the user's plan and email from the system of record,
// resolves the effective tier, and atomically checks-and-increments today's
// counter. On Allowed=false the caller must reject the request before any
// model or tool work. A store failure is a hard failure, never a silent allow.
func (g *Guard) Authorize(ctx context.Context, userID string) (Decision, error) {
	user, err := g.store.GetUser(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		return Decision{}, domain.ErrUnauthorized
	}

	tier, err := g.policy.Effective(ctx, PlanInput{
		Email:          user.Email,
		StoredPlan:     user.Plan,
		BaseTier:       g.plans.BaseTier,
		TopTier:        g.plans.TopTier,
		OverrideEmails: g.plans.OverrideEmails,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("plan resolution failed: %w", err)
	}

	limit, ok := g.plans.Limits[tier]
	if !ok {
		limit = g.plans.Limits[g.plans.BaseTier]
	}

	day := g.dayKey(user.Timezone)
	allowed, err := g.store.AuthorizeAndIncrement(ctx, userID, day, limit)
	if err != nil {
		return Decision{}, fmt.Errorf("usage increment failed: %w", err)
	}

	used := 0
	if usage, err := g.store.GetUsage(ctx, userID); err != nil {
		g.logger.Warn("failed to read usage after authorize", zap.String("user_id", userID), zap.Error(err))
	} else {
		used = usage.DailyUsed
	}

	return Decision{Allowed: allowed, Plan: tier, Limit: limit, Used: used}, nil
}

// RecordCompletedTurn bumps the lifetime counter once the turn's segments
// are persisted.
func (g *Guard) RecordCompletedTurn(ctx context.Context, userID string) error {
	return g.store.IncrementLifetime(ctx, userID)
}

// Usage returns the current counters together with the effective plan, for
// the usage endpoint. It does not consume quota.
func (g *Guard) Usage(ctx context.Context, user *domain.User) (Decision, error) {
	tier, err := g.policy.Effective(ctx, PlanInput{
		Email:          user.Email,
		StoredPlan:     user.Plan,
		BaseTier:       g.plans.BaseTier,
		TopTier:        g.plans.TopTier,
		OverrideEmails: g.plans.OverrideEmails,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("plan resolution failed: %w", err)
	}
	limit, ok := g.plans.Limits[tier]
	if !ok {
		limit = g.plans.Limits[g.plans.BaseTier]
	}

	usage, err := g.store.GetUsage(ctx, user.UserID)
	if err != nil {
		return Decision{}, err
	}
	used := usage.DailyUsed
	// A counter from a previous local day reads as zero.
	if usage.Day != g.dayKey(user.Timezone) {
		used = 0
	}
	return Decision{Allowed: used < limit, Plan: tier, Limit: limit, Used: used}, nil
}

// dayKey computes the quota day boundary in the user's server-held anchor
// timezone. The client never supplies the zone for this decision.
func (g *Guard) dayKey(userTZ string) string {
	zone := userTZ
	if zone == "" {
		zone = g.tz
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		loc, err = time.LoadLocation(g.tz)
		if err != nil {
			loc = time.UTC
		}
	}
	return g.now().In(loc).Format("2006-01-02")
}
