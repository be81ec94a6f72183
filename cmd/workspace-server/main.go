package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/matst80/peerlink/internal/obs"
	"github.com/matst80/peerlink/internal/p2p"
	"github.com/matst80/peerlink/internal/peer"
	"github.com/matst80/peerlink/internal/proto"
)

const envProxySecret = "PEERLINK_PROXY_SECRET"

type Config struct {
	RouterURL   string
	ProxySecret string
	Name        string
	Secret      string
	Codec       string
	P2P         bool
	ExecTimeout time.Duration
	MaxBackoff  time.Duration
	P2PTimeout  time.Duration
	Debug       bool
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfg Config
	cmd := &cobra.Command{
		Use:          "workspace-server",
		Short:        "Register with a peerlink router and run relayed commands",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.ProxySecret == "" {
				cfg.ProxySecret = os.Getenv(envProxySecret)
			}
			if cfg.Name == "" || cfg.ProxySecret == "" {
				return errors.New("--name and --proxy-secret (or " + envProxySecret + ") are required")
			}
			obs.SetOutput(os.Stderr, true)
			obs.EnableDebug(cfg.Debug)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err := peer.Reconnect(ctx, cfg.MaxBackoff, func(ctx context.Context) error { return serve(ctx, cfg) })
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.RouterURL, "router", "ws://127.0.0.1:8000/ws", "router websocket url")
	f.StringVar(&cfg.ProxySecret, "proxy-secret", "", "router proxy secret (env "+envProxySecret+")")
	f.StringVar(&cfg.Name, "name", "", "name to register under")
	f.StringVar(&cfg.Secret, "secret", "", "registration secret clients must present")
	f.StringVar(&cfg.Codec, "codec", "json", "envelope encoding: json or cbor")
	f.BoolVar(&cfg.P2P, "p2p", true, "answer p2p upgrade offers")
	f.DurationVar(&cfg.ExecTimeout, "exec-timeout", 5*time.Minute, "kill commands running longer than this")
	f.DurationVar(&cfg.MaxBackoff, "max-backoff", 30*time.Second, "longest wait between reconnect attempts")
	f.DurationVar(&cfg.P2PTimeout, "p2p-timeout", 15*time.Second, "give up on a direct channel after this long")
	f.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	return cmd
}

type job struct {
	session string
	command string
	direct  *p2p.Negotiator
}

// serve runs one registered connection until it drops.
func serve(ctx context.Context, cfg Config) error {
	codec, err := proto.ByName(cfg.Codec)
	if err != nil {
		return err
	}
	conn, err := peer.Dial(ctx, cfg.RouterURL, peer.Options{ProxySecret: cfg.ProxySecret, Role: proto.RoleServer, Codec: codec})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.Register(cfg.Name, cfg.Secret); err != nil {
		return err
	}
	obs.Info("workspace.registered", obs.Fields{"name": cfg.Name, "router": cfg.RouterURL})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	jobs := make(chan job, 16)
	go runJobs(ctx, conn, jobs, cfg.ExecTimeout)

	var neg *p2p.Negotiator
	resetNeg := func() {
		if neg != nil {
			_ = neg.Close()
			neg = nil
		}
	}
	defer resetNeg()

	for {
		m, err := conn.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("router connection: %w", err)
		}
		switch m := m.(type) {
		case *proto.SessionOpened:
			resetNeg()
			obs.Info("workspace.session", obs.Fields{"session": m.SessionID, "p2p": m.P2P})
			if m.P2P && cfg.P2P {
				neg = answer(ctx, conn, m, jobs, cfg.P2PTimeout)
			}
		case *proto.SignalOffer, *proto.SignalCandidate:
			if neg != nil {
				if err := neg.Handle(m); err != nil {
					obs.Warn("workspace.p2p.signal", obs.Fields{"err": err.Error()})
					_ = neg.Fallback(err.Error())
				}
			}
		case *proto.ModeChanged:
			obs.Info("workspace.mode", obs.Fields{"mode": string(m.Mode), "reason": m.Reason})
			if m.Mode == proto.ModeRelay && neg != nil {
				resetNeg()
			}
		case *proto.Data:
			select {
			case jobs <- job{session: conn.SessionID(), command: string(m.Bytes)}:
			case <-ctx.Done():
				return ctx.Err()
			}
		case *proto.Close:
			resetNeg()
			obs.Info("workspace.session.closed", obs.Fields{"session": m.SessionID, "reason": m.Reason})
		}
	}
}

// answer prepares the answering side of a p2p upgrade. Commands that arrive
// over the direct channel are queued like relayed ones and answered on it.
func answer(ctx context.Context, conn *peer.Conn, opened *proto.SessionOpened, jobs chan<- job, timeout time.Duration) *p2p.Negotiator {
	neg, err := p2p.New(opened.SessionID, opened.TURN, false, conn)
	if err != nil {
		obs.Warn("workspace.p2p", obs.Fields{"err": err.Error()})
		_ = conn.Send(&proto.P2PFallback{SessionID: opened.SessionID, Reason: "peer_unavailable"})
		return nil
	}
	neg.OnData(func(b []byte) {
		select {
		case jobs <- job{session: opened.SessionID, command: string(b), direct: neg}:
		case <-ctx.Done():
		}
	})
	go func() {
		if err := neg.Wait(ctx, timeout); err != nil {
			obs.Info("workspace.p2p.fallback", obs.Fields{"session": opened.SessionID, "err": err.Error()})
		}
	}()
	return neg
}

// runJobs executes commands one at a time so replies keep request order.
func runJobs(ctx context.Context, conn *peer.Conn, jobs <-chan job, timeout time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-jobs:
			obs.Debug("workspace.exec", obs.Fields{"session": j.session, "command": j.command})
			out := []byte(execute(ctx, j.command, timeout))
			if j.direct != nil {
				if err := j.direct.Send(out); err == nil {
					continue
				}
			}
			if err := conn.Send(&proto.Data{SessionID: j.session, Bytes: out}); err != nil {
				obs.Warn("workspace.reply", obs.Fields{"session": j.session, "err": err.Error()})
			}
		}
	}
}
