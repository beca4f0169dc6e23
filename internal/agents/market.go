package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/timeshift92/emperium-sub001/internal/engine"
)

// MarketAgent expires stale orders and clears every crossing book each tick.
type MarketAgent struct{}

func (*MarketAgent) Name() string { return NameMarket }

func (*MarketAgent) Tick(ctx context.Context, svc *engine.Services) error {
	if svc.Market == nil {
		return nil
	}
	expired, sweepErr := svc.Market.SweepExpired(ctx)
	trades, matchErr := svc.Market.MatchAll(ctx)
	if expired > 0 || len(trades) > 0 {
		slog.Debug("market cleared", "tick", svc.Clock.Tick(), "expired", expired, "trades", len(trades))
	}
	if err := errors.Join(sweepErr, matchErr); err != nil {
		return fmt.Errorf("market tick: %w", err)
	}
	return nil
}
