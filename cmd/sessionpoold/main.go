package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/agent-racer/sessionpool/internal/config"
	"github.com/agent-racer/sessionpool/internal/echo"
	"github.com/agent-racer/sessionpool/internal/logging"
	"github.com/agent-racer/sessionpool/internal/mock"
	"github.com/agent-racer/sessionpool/internal/session"
	"github.com/agent-racer/sessionpool/internal/sessionpool"
	"github.com/agent-racer/sessionpool/internal/ws"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override observer port")
	listen := flag.String("listen", "", "Override session listen address")
	mockMode := flag.Bool("mock", false, "Run mock peers against the listener")
	flag.Parse()

	log := logging.Logger()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *listen != "" {
		cfg.Listen.Address = *listen
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid config")
	}
	if err := logging.Init(cfg.Log); err != nil {
		log.WithError(err).Fatal("failed to init logging")
	}

	store := session.NewStore()
	broadcaster := ws.NewBroadcaster(store, cfg.Observer.BroadcastThrottle, cfg.Observer.SnapshotInterval, cfg.Server.MaxConnections)
	defer broadcaster.Stop()
	privacy := session.NewPrivacyFilter(cfg.Observer.Privacy)
	broadcaster.SetPrivacyFilter(privacy)

	recorder := session.NewRecorder(store, broadcaster, cfg.Observer.RetainTerminal)
	recorder.SetFilter(privacy)
	defer recorder.Close()

	pool := sessionpool.New(cfg.Pool, recorder.WrapPool(nil))
	if err := pool.Start(); err != nil {
		log.WithError(err).Fatal("failed to start session pool")
	}

	factory := echo.NewFactory()
	lid, err := pool.Listen(cfg.Listen.Address, cfg.Listen.Backlog, factory, recorder.Wrap(nil), nil,
		sessionpool.ListenOptions{ReuseAddress: cfg.Listen.ReuseAddress})
	if err != nil {
		log.WithError(err).Fatal("failed to listen")
	}
	recorder.Track(lid, "listener", cfg.Listen.Address)
	lport, err := pool.PortNumber(lid)
	if err != nil {
		log.WithError(err).Fatal("listener has no port")
	}
	log.WithField("port", lport).Info("accepting sessions")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *mockMode {
		host, _, err := net.SplitHostPort(cfg.Listen.Address)
		if err != nil || host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		gen := mock.NewGenerator(pool, cfg.Mock, net.JoinHostPort(host, strconv.Itoa(lport)), recorder)
		gen.Start(ctx)
	}

	server := ws.NewServer(pool, store, broadcaster, recorder, cfg.Server.AllowedOrigins, cfg.Server.AuthToken)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ws.ListenAndServe(gctx, cfg.Server.Host, cfg.Server.Port, server.Handler())
	})

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("shutting down")
	case <-gctx.Done():
	}
	cancel()

	// A second signal while stopping drops everything without callbacks.
	// The forced teardown waits for Stop to release the table, so it is
	// bounded too.
	stopped := make(chan error, 1)
	go func() { stopped <- pool.Stop() }()
	select {
	case err = <-stopped:
	case <-sigCh:
		log.Warn("second signal, removing all sessions")
		err = forceStop(pool, log)
	case <-time.After(30 * time.Second):
		log.Warn("stop timed out, removing all sessions")
		err = forceStop(pool, log)
	}
	if err != nil {
		log.WithError(err).Error("session pool stop failed")
	}

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("server error")
	}
	log.WithFields(logrus.Fields{
		"allocated":   factory.Allocated(),
		"deallocated": factory.Deallocated(),
	}).Info("bye")
}

func forceStop(pool *sessionpool.SessionPool, log logrus.FieldLogger) error {
	forced := make(chan error, 1)
	go func() { forced <- pool.StopAndRemoveAllSessions() }()
	select {
	case err := <-forced:
		return err
	case <-time.After(5 * time.Second):
		log.Error("teardown stuck, exiting")
		os.Exit(1)
		return nil
	}
}
