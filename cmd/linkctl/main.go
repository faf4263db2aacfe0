package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/peerlink/internal/admin"
	"github.com/danmuck/peerlink/internal/config"
	"github.com/danmuck/peerlink/internal/link"
	"github.com/danmuck/peerlink/internal/logging"
	"github.com/danmuck/peerlink/internal/observability"
	"github.com/danmuck/peerlink/internal/transport/tcp"
)

func main() {
	logging.ConfigureRuntime()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "linkctl",
		Short:         "Run and inspect peerlink peers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newPeerCmd(), newConfigCmd(), newStatusCmd())
	return root
}

func newPeerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "peer",
		Short:   "Run one link peer with its transport and admin API",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg := defaultPeerConfig()
			if path != "" {
				loaded, err := loadPeerConfig(path)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
				cfg.LogLevel = lvl
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPeer(ctx, cfg)
		},
	}
	cmd.Flags().String("config", "", "path to a peer TOML config")
	cmd.Flags().String("log-level", "", "override log level (name or 0-3)")
	return cmd
}

// runPeer wires link, transport and admin together and blocks until ctx ends
// or one of them fails.
func runPeer(ctx context.Context, cfg peerConfig) error {
	logger := observability.InitLogger("linkctl", cfg.Link.Peer)
	if cfg.LogLevel != "" {
		if _, ok := logging.SetLevel(cfg.LogLevel); !ok {
			return fmt.Errorf("invalid log level %q", cfg.LogLevel)
		}
	}

	var l *link.Link
	tc := cfg.Transport
	tc.Epoch = func() int64 { return l.Epoch() }
	tr := tcp.New(tc, &logger)

	lc := cfg.Link
	lc.Logger = &logger
	l, err := link.New(lc, tr)
	if err != nil {
		return err
	}
	bindInboundLogging(l)

	g, gctx := errgroup.WithContext(ctx)
	if err := tr.Start(gctx, l); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	logger.Info().
		Str("role", l.Role().String()).
		Str("mode", string(tc.Mode)).
		Str("address", tc.Address).
		Int64("session", l.Epoch()).
		Msg("peer started")

	g.Go(func() error {
		<-gctx.Done()
		return tr.Close()
	})
	g.Go(func() error {
		return admin.New(cfg.Admin, l).Serve(gctx)
	})
	err = g.Wait()
	logger.Info().Err(err).Msg("peer stopped")
	return err
}

// bindInboundLogging gives a bare peer something to do with inbound traffic.
func bindInboundLogging(l *link.Link) {
	l.BindDefaultHandler(func(msgType string, body []byte) link.Disposition {
		log.Info().Str("type", msgType).Int("bytes", len(body)).Msg("message received")
		return link.Stop
	})
	l.BindBinaryHandler(func(ts int64, body []byte) {
		log.Info().Int64("ts", ts).Int("bytes", len(body)).Msg("binary received")
	})
	l.BindBackgroundHandler(func(ts int64, body []byte) {
		log.Info().Int64("ts", ts).Int("bytes", len(body)).Msg("background received")
	})
	l.BindStateHandler(func(ts int64, body []byte) {
		log.Info().Int64("ts", ts).Int("bytes", len(body)).Msg("state received")
	})
	l.BindResetHandler(func(epoch int64) {
		log.Warn().Int64("session", epoch).Msg("session reset")
	})
	l.BindReachabilityHandler(func(reachable bool) {
		log.Info().Bool("reachable", reachable).Msg("reachability changed")
	})
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Peer config helpers"}

	template := &cobra.Command{
		Use:   "template",
		Short: "Write a starter peer config",
		RunE: func(cmd *cobra.Command, args []string) error {
			role, _ := cmd.Flags().GetString("role")
			out, _ := cmd.Flags().GetString("out")
			force, _ := cmd.Flags().GetBool("force")
			if out == "" {
				text, err := config.Template(role)
				if err != nil {
					return err
				}
				_, err = io.WriteString(cmd.OutOrStdout(), text)
				return err
			}
			if err := config.WriteTemplate(out, role, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config to %s\n", role, out)
			return nil
		},
	}
	template.Flags().String("role", "follower", "follower or authority")
	template.Flags().String("out", "", "destination file (stdout when empty)")
	template.Flags().Bool("force", false, "overwrite an existing file")

	validate := &cobra.Command{
		Use:   "validate <path>",
		Short: "Check a peer config and print the resolved values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadPeerConfig(args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "peer:      %s\n", cfg.Link.Peer)
			fmt.Fprintf(w, "role:      %s\n", cfg.Link.Role)
			fmt.Fprintf(w, "transport: %s %s (tls=%t)\n", cfg.Transport.Mode, cfg.Transport.Address, cfg.Transport.Session.TLS.Enabled)
			fmt.Fprintf(w, "admin:     %s\n", cfg.Admin.Addr)
			return nil
		},
	}

	normalize := &cobra.Command{
		Use:   "fmt <path>",
		Short: "Print a peer config in canonical form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := config.LoadPeerFile(args[0])
			if err != nil {
				return err
			}
			data, err := config.Marshal(file)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.AddCommand(template, validate, normalize)
	return cmd
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print a running peer's link snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("admin")
			snap, err := fetchSnapshot(cmd.Context(), addr)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	cmd.Flags().String("admin", "127.0.0.1:7421", "admin API address")
	return cmd
}

func fetchSnapshot(ctx context.Context, addr string) (link.Snapshot, error) {
	base := strings.TrimSpace(addr)
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/link", nil)
	if err != nil {
		return link.Snapshot{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return link.Snapshot{}, fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return link.Snapshot{}, fmt.Errorf("status request failed: %s", resp.Status)
	}
	var snap link.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return link.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
