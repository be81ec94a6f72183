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

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/matst80/peerlink/internal/auth"
	"github.com/matst80/peerlink/internal/obs"
	"github.com/matst80/peerlink/internal/ratelimit"
	"github.com/matst80/peerlink/internal/registry"
	"github.com/matst80/peerlink/internal/router"
	"github.com/matst80/peerlink/internal/turn"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cfg := Default()
	var configPath string
	cmd := &cobra.Command{
		Use:           "peerlink-router",
		Short:         "Rendezvous and relay point for peerlink servers and clients",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.resolve(cmd.Flags(), configPath); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML configuration file")
	bindFlags(cmd.Flags(), cfg)
	return cmd
}

func run(parent context.Context, cfg *Config) error {
	if parent == nil {
		parent = context.Background()
	}
	obs.SetOutput(os.Stdout, cfg.LogFormat == "console")
	obs.EnableDebug(cfg.Debug)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	gate, err := auth.NewGate(cfg.ProxySecret)
	if err != nil {
		return err
	}

	var regOpts []registry.Option
	var claimer *registry.RedisClaimer
	if cfg.Redis.Addr != "" {
		claimer, err = registry.NewRedisClaimer(ctx, registry.RedisOptions{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			KeyPrefix:  cfg.Redis.KeyPrefix,
			InstanceID: cfg.Redis.InstanceID,
			TTL:        cfg.Redis.TTL,
		})
		if err != nil {
			return err
		}
		defer claimer.Close()
		regOpts = append(regOpts, registry.WithClaimer(claimer))
		obs.Info("registry.redis", obs.Fields{"addr": cfg.Redis.Addr})
	}
	reg := registry.New(regOpts...)

	var tp *turn.Provider
	if cfg.P2P.Enabled {
		tp, err = turn.NewProvider(ctx, cfg.TURN)
		if err != nil {
			return err
		}
		obs.Info("turn.ready", obs.Fields{"url": tp.URL(), "time_scoped": cfg.TURN.SharedSecret != ""})
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.GlobalPerSec > 0 || cfg.RateLimit.PerIPPerSec > 0 {
		limiter = ratelimit.New(cfg.RateLimit.GlobalPerSec, cfg.RateLimit.PerIPPerSec, cfg.RateLimit.Burst)
	}

	rt := router.New(router.Options{
		Gate:               gate,
		Registry:           reg,
		TURN:               tp,
		Limiter:            limiter,
		QueueDepth:         cfg.Relay.QueueDepth,
		MaxMessageBytes:    cfg.Relay.MaxMessageBytes,
		IdleTimeout:        cfg.Relay.IdleTimeout,
		HandshakeTimeout:   cfg.Relay.HandshakeTimeout,
		NegotiationTimeout: cfg.P2P.NegotiationTimeout,
		NotifyTimeout:      cfg.Relay.NotifyTimeout,
		AllowedOrigins:     cfg.AllowedOrigins,
		TrustForwarded:     cfg.TrustForwarded,
	})

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, rt)
	peerSrv := &http.Server{Addr: cfg.Listen, Handler: mux, ReadHeaderTimeout: cfg.Relay.HandshakeTimeout}
	servers := []*http.Server{peerSrv}
	if cfg.AdminAddr != "" {
		servers = append(servers, newAdminServer(cfg.AdminAddr, rt, reg))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			obs.Info("listen", obs.Fields{"addr": srv.Addr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	if claimer != nil {
		g.Go(func() error {
			claimer.Maintain(gctx)
			return nil
		})
	}
	if limiter != nil {
		g.Go(func() error {
			runLimiterCleanup(gctx, limiter, cfg.RateLimit.IdleTTL)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		obs.Info("router.shutdown.signal", obs.Fields{})
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		_ = peerSrv.Shutdown(sctx)
		if err := rt.Shutdown(sctx); err != nil {
			obs.Warn("router.shutdown.forced", obs.Fields{"err": err.Error()})
		}
		for _, srv := range servers[1:] {
			_ = srv.Shutdown(sctx)
		}
		return nil
	})

	obs.Info("router.ready", obs.Fields{"listen": cfg.Listen, "path": cfg.Path, "admin": cfg.AdminAddr, "p2p": cfg.P2P.Enabled})
	err = g.Wait()
	obs.Info("router.shutdown.complete", obs.Fields{})
	return err
}

func runLimiterCleanup(ctx context.Context, l *ratelimit.Limiter, idle time.Duration) {
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	t := time.NewTicker(idle / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := l.CleanupIdle(idle); n > 0 {
				obs.Debug("ratelimit.cleanup", obs.Fields{"removed": n, "tracked": l.Len()})
			}
		}
	}
}
