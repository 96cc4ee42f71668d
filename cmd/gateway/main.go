package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/projecteka/gateway"
	"github.com/projecteka/gateway/contracts"
	"github.com/projecteka/gateway/forwarding"
	"github.com/projecteka/gateway/internal/config"
	"github.com/projecteka/gateway/registry"
	"github.com/projecteka/gateway/transports/rabbitmq"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "gateway",
		Short: "Health-data exchange gateway",
		Long: `gateway relays requests and callbacks between consent managers, health
information providers and health information users, restoring request ids on
the way back and retrying the deliveries that must not be lost.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: search ./config.yaml, ./config/config.yaml, /etc/gateway/config.yaml)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log, os.Stderr)
			slog.SetDefault(logger)
			return serve(cmd.Context(), cfg, logger)
		},
	}

	registryCmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect participant registries",
	}
	registryValidateCmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a registry file and list its participants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registry.LoadFile(args[0])
			if err != nil {
				return err
			}
			printParticipants(cmd.OutOrStdout(), reg)
			return nil
		},
	}
	registryCmd.AddCommand(registryValidateCmd)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Load and validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			printConfig(cmd.OutOrStdout(), cfg)
			return nil
		},
	}

	queuesCmd := &cobra.Command{
		Use:   "queues",
		Short: "Show retry queue depths",
		Long:  "Connect to the broker and print the depth of every retry queue and its dead-letter queue.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Queue.Backend != config.BackendRabbitMQ {
				return fmt.Errorf("queue.backend is %s; only %s queues can be inspected", cfg.Queue.Backend, config.BackendRabbitMQ)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			return printQueueDepths(ctx, cmd.OutOrStdout(), cfg)
		},
	}

	rootCmd.AddCommand(serveCmd, registryCmd, configCmd, queuesCmd)
	return rootCmd
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := gateway.New(ctx, cfg, gateway.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	// SIGHUP reloads the participant registry without a restart
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := gw.ReloadRegistry(); err != nil {
					logger.Error("registry reload failed", "error", err)
				}
			}
		}
	}()

	logger.Info("gateway starting", "version", version, "commit", gitCommit)
	return gw.Run(ctx)
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func printParticipants(w io.Writer, reg *registry.Static) {
	ids := reg.IDs()
	if len(ids) == 0 {
		fmt.Fprintln(w, "No participants found")
		return
	}

	fmt.Fprintf(w, "%-30s %-16s %-8s %s\n", "ID", "Role", "Active", "URL")
	fmt.Fprintln(w, strings.Repeat("-", 90))
	for _, id := range ids {
		p, err := reg.Resolve(context.Background(), id)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "%-30s %-16s %-8t %s\n", truncate(p.ID, 30), p.Role, p.Active, p.BaseURL)
	}
	fmt.Fprintf(w, "\n%d participants\n", len(ids))
}

func printConfig(w io.Writer, cfg *config.Config) {
	auth := "hmac"
	if cfg.Auth.JWTPublicKeyFile != "" {
		auth = "rsa"
	}
	rows := [][2]string{
		{"server.addr", cfg.Server.Addr},
		{"auth", auth},
		{"registry.path", cfg.Registry.Path},
		{"cache.backend", cfg.Cache.Backend},
		{"cache.ttl", cfg.Cache.TTL.String()},
		{"cache.single_use", fmt.Sprint(cfg.Cache.SingleUse)},
		{"queue.backend", cfg.Queue.Backend},
		{"queue.partitions", fmt.Sprint(cfg.Queue.Partitions)},
		{"retry.max_attempts", fmt.Sprint(cfg.Retry.MaxAttempts)},
		{"forward.timeout", cfg.Forward.Timeout.String()},
	}
	for _, r := range rows {
		fmt.Fprintf(w, "%-22s %s\n", r[0], r[1])
	}

	flows := contracts.DefaultFlows(cfg.Queue.Link, cfg.Queue.DataFlow)
	queues := forwarding.QueueNames(flows, cfg.Queue.Partitions)
	sort.Strings(queues)
	fmt.Fprintf(w, "%-22s %s\n", "retry queues", strings.Join(queues, ", "))
}

func printQueueDepths(ctx context.Context, w io.Writer, cfg *config.Config) error {
	flows := contracts.DefaultFlows(cfg.Queue.Link, cfg.Queue.DataFlow)
	queues := forwarding.QueueNames(flows, cfg.Queue.Partitions)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	t, err := rabbitmq.New(ctx, rabbitmq.Config{URL: cfg.RabbitMQ.URL, Queues: queues}, rabbitmq.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer t.Close()

	fmt.Fprintf(w, "%-40s %-10s %-10s\n", "Queue", "Messages", "Dead")
	fmt.Fprintln(w, strings.Repeat("-", 62))
	for _, q := range queues {
		depth, err := t.Depth(ctx, q)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", q, err)
		}
		dead, err := t.Depth(ctx, rabbitmq.DeadLetterQueue(q))
		if err != nil {
			return fmt.Errorf("inspect %s: %w", rabbitmq.DeadLetterQueue(q), err)
		}
		fmt.Fprintf(w, "%-40s %-10d %-10d\n", truncate(q, 40), depth, dead)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
