package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/shop-voice/internal/answer"
	"github.com/loqalabs/shop-voice/internal/bus"
	"github.com/loqalabs/shop-voice/internal/config"
	"github.com/loqalabs/shop-voice/internal/eventstore"
	"github.com/loqalabs/shop-voice/internal/natsserver"
	"github.com/loqalabs/shop-voice/internal/session"
	"github.com/nats-io/nats.go"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	metrics     http.Handler

	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	store      *eventstore.Store
	session    *session.Session
	controlSub *nats.Subscription

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires every service, serves HTTP and blocks until ctx is done.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricsHandler
	defer r.closeServices()

	if err := r.startBus(ctx); err != nil {
		return err
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "query-journal")))
	if err != nil {
		return fmt.Errorf("failed to open query journal: %w", err)
	}

	env, err := r.recognitionEnv(ctx)
	if err != nil {
		return fmt.Errorf("failed to set up speech recognition: %w", err)
	}

	opts := []session.Option{session.WithObserver(newJournal(r.store, r.cfg.STT.DeviceID, r.logger))}
	if r.bus != nil {
		opts = append(opts, session.WithObserver(newStatusPublisher(r.bus, r.logger)))
	}
	r.session = session.New(env, answer.NewClient(r.cfg.Answer.Endpoint, r.logger), r.logger, opts...)

	if r.bus != nil {
		r.controlSub, err = subscribeControl(ctx, r.bus, r.session, r.logger)
		if err != nil {
			return fmt.Errorf("failed to subscribe to session control: %w", err)
		}
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.session.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("voice session exited", slogError(err))
		}
	}()

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slogError(err))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("answer_endpoint", r.cfg.Answer.Endpoint))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slogError(err))
	}
	r.wg.Wait()
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	srv, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.nats = srv

	var servers []string
	if url := srv.ClientURL(); url != "" {
		servers = append(servers, url)
	}
	client, err := bus.Connect(ctx, r.cfg.Bus, r.logger, servers...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	r.bus = client
	return nil
}

// closeServices releases everything Start acquired, in reverse order.
func (r *Runtime) closeServices() {
	if r.controlSub != nil {
		if err := r.controlSub.Unsubscribe(); err != nil {
			r.logger.Error("session control unsubscribe error", slogError(err))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("query journal close error", slogError(err))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
