package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/timeshift92/emperium-sub001/internal/agents"
	"github.com/timeshift92/emperium-sub001/internal/api"
	"github.com/timeshift92/emperium-sub001/internal/cognition"
	"github.com/timeshift92/emperium-sub001/internal/config"
	"github.com/timeshift92/emperium-sub001/internal/economy"
	"github.com/timeshift92/emperium-sub001/internal/engine"
	"github.com/timeshift92/emperium-sub001/internal/events"
	"github.com/timeshift92/emperium-sub001/internal/logging"
	"github.com/timeshift92/emperium-sub001/internal/persistence"
	"github.com/timeshift92/emperium-sub001/internal/sanitize"
	"github.com/timeshift92/emperium-sub001/internal/weather"
	"github.com/timeshift92/emperium-sub001/internal/world"
)

const drainTimeout = 10 * time.Second

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the simulation",
		Long: `Run the simulation until interrupted. With --ticks the world advances
that many ticks as fast as possible and exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			seedDemo, _ := cmd.Flags().GetBool("seed-demo")
			ticks, _ := cmd.Flags().GetUint64("ticks")

			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(cfg.Logging.Level, os.Stdout)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, seedDemo, ticks)
		},
	}
	cmd.Flags().Bool("seed-demo", false, "Populate an empty store with a demo village")
	cmd.Flags().Uint64("ticks", 0, "Advance this many ticks without waiting, then exit")
	return cmd
}

// simulation bundles the running components so shutdown can drain them in order.
type simulation struct {
	store      persistence.Store
	dispatcher *events.Dispatcher
	archive    *logging.EventArchive
	queue      *cognition.Queue
	sched      *engine.Scheduler
	server     *api.Server
}

func run(ctx context.Context, cfg *config.Config, seedDemo bool, ticks uint64) error {
	slog.Info("worldsim starting", "version", version, "config", cfg.String())

	rt, err := assemble(ctx, cfg, seedDemo)
	if err != nil {
		return err
	}
	defer rt.shutdown()

	if ticks > 0 {
		for range ticks {
			if _, err := rt.sched.Step(ctx); err != nil {
				return err
			}
			if ctx.Err() != nil {
				break
			}
		}
		slog.Info("batch run complete", "tick", rt.sched.CurrentTick(), "time", world.SimTime(rt.sched.CurrentTick()))
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.sched.Run(gctx)
	})
	if cfg.API.Addr != "" {
		g.Go(func() error {
			return rt.server.ListenAndServe(gctx, cfg.API.Addr)
		})
	}
	return g.Wait()
}

func assemble(ctx context.Context, cfg *config.Config, seedDemo bool) (*simulation, error) {
	store, err := openStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	rt := &simulation{store: store}

	if seedDemo {
		n, err := seedDemoWorld(ctx, store, cfg.World.Seed)
		if err != nil {
			rt.shutdown()
			return nil, fmt.Errorf("seed demo: %w", err)
		}
		if n > 0 {
			slog.Info("demo world seeded", "characters", n)
		}
	}

	tick, err := agents.RestoreTick(ctx, store)
	if err != nil {
		rt.shutdown()
		return nil, err
	}
	clock := world.NewClock(tick)
	slog.Info("world clock restored", "tick", tick, "time", world.SimTime(tick))

	hub := events.NewHub()
	publishers := []events.Publisher{hub}
	if cfg.Logging.ArchiveDir != "" {
		rt.archive = logging.NewEventArchive(cfg.Logging.ArchiveDir, cfg.Events.BufferSize)
		publishers = append(publishers, rt.archive)
	}
	rt.dispatcher = events.NewDispatcher(cfg.Events.Dispatcher(), store, publishers...)
	rt.dispatcher.Start()

	router, err := buildRouter(cfg.LLM)
	if err != nil {
		rt.shutdown()
		return nil, err
	}

	rt.queue = cognition.NewQueue(store, router, rt.dispatcher, clock, cognition.Options{
		Workers:   cfg.Cognition.Workers,
		QueueSize: cfg.Cognition.QueueSize,
		MaxReasks: cfg.Cognition.MaxReasks,
		Sanitizer: sanitize.New(cfg.Cognition.ForbiddenTokens, cfg.Cognition.LatinRunThreshold).
			WithMaxLength(cfg.Cognition.MaxReplyLength),
		OnComplete: func(o cognition.Outcome) {
			slog.Debug("npc reply", "character", o.CharacterID, "attempts", o.Attempts,
				"fallback", o.Fallback, "cancelled", o.Cancelled, "duration", o.Duration)
		},
	})
	rt.queue.Start()

	market := economy.NewMarket(store, rt.dispatcher)
	market.Tick = clock.Tick

	svc := &engine.Services{
		Store:     store,
		Events:    rt.dispatcher,
		Market:    market,
		Cognition: rt.queue,
		Router:    router,
		Clock:     clock,
	}

	opts := agents.Options{
		NpcBatch:    cfg.World.NpcBatch,
		NpcEvery:    cfg.World.NpcEvery,
		TraderEvery: cfg.World.TraderEvery,
		OrderTTL:    cfg.World.OrderTTL,
	}
	if cfg.Weather.APIKey != "" {
		opts.Weather = weather.NewClient(cfg.Weather.APIKey, cfg.Weather.Location)
	}
	list, err := agents.Build(cfg.World.Agents, opts)
	if err != nil {
		rt.shutdown()
		return nil, err
	}
	rt.sched, err = engine.NewScheduler(svc, list...)
	if err != nil {
		rt.shutdown()
		return nil, err
	}
	rt.sched.Interval = cfg.World.TickInterval
	rt.sched.SetSpeed(cfg.World.Speed)
	slog.Info("agents registered", "agents", rt.sched.Agents())

	rt.server = &api.Server{
		Scheduler:          rt.sched,
		Services:           svc,
		Hub:                hub,
		Dispatcher:         rt.dispatcher,
		Cognition:          rt.queue,
		Router:             router,
		AdminKey:           cfg.API.AdminKey,
		CORSOrigins:        cfg.API.CORSOrigins,
		CognitionPerMinute: cfg.API.CognitionPerMinute,
	}
	return rt, nil
}

// shutdown drains producers before their consumers: cognition emits
// events, the dispatcher feeds the archive, and everything writes the store.
func (rt *simulation) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if rt.queue != nil {
		if err := rt.queue.Close(ctx); err != nil {
			slog.Warn("cognition drain incomplete", "error", err)
		}
	}
	if rt.dispatcher != nil {
		if err := rt.dispatcher.Close(ctx); err != nil {
			slog.Warn("event drain incomplete", "error", err)
		}
		st := rt.dispatcher.Stats()
		slog.Info("events drained", "persisted", st.Persisted, "dropped", st.Dropped, "failed", st.Failed)
	}
	if rt.archive != nil {
		if err := rt.archive.Close(); err != nil {
			slog.Warn("event archive close failed", "error", err)
		}
	}
	if err := rt.store.Close(); err != nil {
		slog.Warn("store close failed", "error", err)
	}
	slog.Info("shutdown complete")
}
