package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
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
	P2PTimeout  time.Duration
	List        bool
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
		Use:          "workspace-client",
		Short:        "Connect to a workspace server through a peerlink router",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.ProxySecret == "" {
				cfg.ProxySecret = os.Getenv(envProxySecret)
			}
			if cfg.ProxySecret == "" || (cfg.Name == "" && !cfg.List) {
				return errors.New("--name and --proxy-secret (or " + envProxySecret + ") are required")
			}
			obs.SetOutput(os.Stderr, true)
			obs.EnableDebug(cfg.Debug)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.RouterURL, "router", "ws://127.0.0.1:8000/ws", "router websocket url")
	f.StringVar(&cfg.ProxySecret, "proxy-secret", "", "router proxy secret (env "+envProxySecret+")")
	f.StringVar(&cfg.Name, "name", "", "server name to connect to")
	f.StringVar(&cfg.Secret, "secret", "", "the server's registration secret")
	f.StringVar(&cfg.Codec, "codec", "json", "envelope encoding: json or cbor")
	f.BoolVar(&cfg.P2P, "p2p", false, "try a direct connection to the server")
	f.DurationVar(&cfg.P2PTimeout, "p2p-timeout", 15*time.Second, "give up on a direct channel after this long")
	f.BoolVar(&cfg.List, "list", false, "print the registered server names and exit")
	f.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	return cmd
}

func run(ctx context.Context, cfg Config, in io.Reader, out io.Writer) error {
	codec, err := proto.ByName(cfg.Codec)
	if err != nil {
		return err
	}
	conn, err := peer.Dial(ctx, cfg.RouterURL, peer.Options{ProxySecret: cfg.ProxySecret, Role: proto.RoleClient, Codec: codec})
	if err != nil {
		return err
	}
	defer conn.Close()

	if cfg.List {
		names, err := conn.ListServers()
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Fprintln(out, n)
		}
		return nil
	}

	res, err := conn.Connect(cfg.Name, cfg.Secret, cfg.P2P)
	if err != nil {
		return err
	}
	obs.Info("client.connected", obs.Fields{"name": res.Name, "session": res.SessionID, "p2p": res.P2P})

	var neg *p2p.Negotiator
	if res.P2P {
		neg, err = p2p.New(res.SessionID, res.TURN, true, conn)
		if err == nil {
			err = neg.Start()
		}
		if err != nil {
			obs.Warn("client.p2p", obs.Fields{"err": err.Error()})
			_ = conn.Send(&proto.P2PFallback{SessionID: res.SessionID, Reason: "peer_unavailable"})
			neg = nil
		} else {
			defer neg.Close()
			neg.OnData(func(b []byte) { printReply(out, b) })
			go func() {
				if err := neg.Wait(ctx, cfg.P2PTimeout); err != nil {
					obs.Info("client.p2p.fallback", obs.Fields{"err": err.Error()})
				}
			}()
		}
	}

	var direct atomic.Bool
	done := make(chan error, 1)
	go func() { done <- receive(conn, neg, &direct, out) }()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.CloseSession(proto.ReasonClientClosed)
			return nil
		case err := <-done:
			return err
		case line, ok := <-lines:
			if !ok {
				_ = conn.CloseSession(proto.ReasonClientClosed)
				select {
				case err := <-done:
					return err
				case <-time.After(2 * time.Second):
					return nil
				}
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if direct.Load() && neg != nil {
				if err := neg.Send([]byte(line)); err == nil {
					continue
				}
				_ = neg.Fallback("channel_closed")
			}
			if err := conn.SendData([]byte(line)); err != nil {
				return err
			}
		}
	}
}

// receive prints relayed replies until the session closes.
func receive(conn *peer.Conn, neg *p2p.Negotiator, direct *atomic.Bool, out io.Writer) error {
	for {
		m, err := conn.Recv()
		if err != nil {
			return fmt.Errorf("router connection: %w", err)
		}
		switch m := m.(type) {
		case *proto.Data:
			printReply(out, m.Bytes)
		case *proto.SignalAnswer, *proto.SignalCandidate:
			if neg != nil {
				if err := neg.Handle(m); err != nil {
					_ = neg.Fallback(err.Error())
				}
			}
		case *proto.ModeChanged:
			direct.Store(m.Mode == proto.ModeP2PEstablished)
			obs.Info("client.mode", obs.Fields{"mode": string(m.Mode), "reason": m.Reason})
		case *proto.Close:
			if m.Reason == proto.ReasonClientClosed {
				return nil
			}
			return &peer.RejectedError{Op: "session", Reason: m.Reason}
		}
	}
}

func printReply(out io.Writer, b []byte) {
	s := string(b)
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	_, _ = io.WriteString(out, s)
}
