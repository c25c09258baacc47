package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"FinGate/internal/usecase"
	"FinGate/pkg/cache"
	"FinGate/pkg/config"
	xhttp "FinGate/pkg/http"
	applogger "FinGate/pkg/logger"

	"github.com/google/uuid"
)

const leaderKey = "orchestrator:leader"

// ErrNotLeader is returned by Run when another instance already owns the trading loop.
var ErrNotLeader = errors.New("another instance holds the orchestrator lock")

// App encapsulates the entire application lifecycle.
type App struct {
	cfg        *config.Config
	log        *applogger.Logger
	orch       *usecase.ScanOrchestrator
	risk       *usecase.RiskGateway
	httpServer *xhttp.Server
	cache      cache.Service
	id         string
}

// New creates a new App instance with all dependencies. httpServer may be nil.
func New(
	cfg *config.Config,
	l *applogger.Logger,
	orch *usecase.ScanOrchestrator,
	risk *usecase.RiskGateway,
	httpServer *xhttp.Server,
	c cache.Service,
) *App {
	return &App{
		cfg:        cfg,
		log:        l,
		orch:       orch,
		risk:       risk,
		httpServer: httpServer,
		cache:      c,
		id:         uuid.NewString(),
	}
}

// Run starts the application and blocks until interrupted.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.run(ctx)
}

func (a *App) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	release, err := a.acquireLeadership(ctx, func() {
		a.log.Error("orchestrator lock lost, stopping")
		cancel()
	})
	if err != nil {
		return err
	}
	defer release()

	if err := a.risk.Restore(ctx); err != nil {
		a.log.Warn("risk state restore failed, starting fresh", applogger.Error(err))
	}

	var httpErr <-chan error
	if a.httpServer != nil {
		if err := a.httpServer.Start(); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		httpErr = a.httpServer.Err()
	}

	orchDone := make(chan error, 1)
	go func() { orchDone <- a.orch.Run(ctx) }()

	a.log.Info("application started",
		applogger.String("env", a.cfg.Environment),
		applogger.String("broker", a.cfg.Broker.Mode),
		applogger.Strings("symbols", a.cfg.Trading.Symbols),
		applogger.String("instance", a.id),
	)

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
	case err := <-httpErr:
		runErr = fmt.Errorf("http server: %w", err)
	case err := <-orchDone:
		orchDone <- err
		if err != nil {
			runErr = fmt.Errorf("orchestrator: %w", err)
		}
	}

	cancel()
	if err := <-orchDone; err != nil && runErr == nil {
		runErr = fmt.Errorf("orchestrator: %w", err)
	}
	a.orch.Wait()

	if a.httpServer != nil {
		sctx, scancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		if err := a.httpServer.Stop(sctx); err != nil {
			a.log.Error("http server stop failed", applogger.Error(err))
		}
		scancel()
	}

	a.log.Info("application stopped")
	return runErr
}

// acquireLeadership takes the shared lock when state lives in Redis, so two instances
// never trade the same account. The lease is refreshed at a third of its TTL until
// release is called; onLost runs once if another owner is found holding it.
func (a *App) acquireLeadership(ctx context.Context, onLost func()) (func(), error) {
	if !a.cfg.Redis.Enabled || a.cache == nil {
		return func() {}, nil
	}

	ttl := 3 * a.cfg.Trading.Cadence
	if ttl < 30*time.Second {
		ttl = 30 * time.Second
	}

	ok, err := a.cache.TryLock(ctx, leaderKey, a.id, ttl)
	if err != nil {
		return nil, fmt.Errorf("leader lock: %w", err)
	}
	if !ok {
		return nil, ErrNotLeader
	}

	rctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.keepLease(rctx, ttl, onLost)
	}()

	return func() {
		stop()
		<-done
		uctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := a.cache.Unlock(uctx, leaderKey, a.id); err != nil {
			a.log.Warn("leader lock release failed", applogger.Error(err))
		}
	}, nil
}

func (a *App) keepLease(ctx context.Context, ttl time.Duration, onLost func()) {
	t := time.NewTicker(ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			held, err := a.cache.RefreshLock(ctx, leaderKey, a.id, ttl)
			if err != nil {
				// transient; the lease outlives two more attempts
				a.log.Warn("leader lock refresh failed", applogger.Error(err))
				continue
			}
			if !held {
				if onLost != nil {
					onLost()
				}
				return
			}
		}
	}
}
