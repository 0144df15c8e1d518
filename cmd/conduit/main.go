// Package main provides the CLI entry point for the conduit agent core.
//
// Conduit maintains a pool of tool-provider connections over three transports
// (subprocess, streaming HTTP, event stream), wraps outbound calls with retry
// and circuit breaking, and serves long-lived websocket sessions to UI
// clients with heartbeat-based dead-peer reaping.
//
// # Basic Usage
//
// Start the server:
//
//	conduit serve --config conduit.yaml
//
// Manage the provider registry:
//
//	conduit providers list
//	conduit providers add --id fs --transport subprocess --command conduit-provider-fs
//	conduit providers enable fs
//
// Check provider status:
//
//	conduit status
//
// # Environment Variables
//
// Provider registry entries may reference process environment via ${VAR} and
// ${VAR:-default} placeholders; they are resolved when a provider is
// activated, not when the registry is read.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/conduitworks/conduit/internal/config"
	"github.com/conduitworks/conduit/internal/fault"
	"github.com/conduitworks/conduit/internal/gateway"
	"github.com/conduitworks/conduit/internal/observability"
	"github.com/conduitworks/conduit/internal/provider"
	"github.com/conduitworks/conduit/internal/resilience"
	"github.com/conduitworks/conduit/internal/session"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "conduit",
		Short: "Conduit - resilient tool-provider gateway for LLM agents",
		Long: `Conduit aggregates tool providers reachable over subprocess, streaming
HTTP, and event-stream transports into one capability set, shields every
outbound call with retry and circuit breaking, and manages websocket
sessions to UI clients.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildProvidersCmd(),
		buildStatusCmd(),
	)
	return rootCmd
}

// buildServeCmd creates the "serve" command.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the conduit gateway",
		Long: `Start the gateway: connect enabled providers, begin the session
heartbeat sweep, and serve websocket clients plus metrics over HTTP.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  conduit serve

  # Start with custom config
  conduit serve --config /etc/conduit/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	return cmd
}

// runServe implements the serve command logic: configuration loading,
// component wiring, and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	slog.SetDefault(logger)

	logger.Info("starting conduit",
		"version", version,
		"commit", commit,
		"config", configPath,
		"providers_path", cfg.Providers.Path,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	policy := resilience.RetryPolicy{
		MaxAttempts:    cfg.Resilience.MaxAttempts,
		InitialDelay:   cfg.Resilience.InitialDelay,
		MaxDelay:       cfg.Resilience.MaxDelay,
		Multiplier:     cfg.Resilience.Multiplier,
		JitterFraction: cfg.Resilience.JitterFraction,
	}
	breakers := resilience.NewBreakerSet(resilience.BreakerConfig{
		Threshold:    cfg.Resilience.BreakerThreshold,
		ResetTimeout: cfg.Resilience.BreakerResetTimeout,
		OnTransition: func(target string, from, to resilience.State) {
			observability.BreakerTransitions.WithLabelValues(target, string(to)).Inc()
			logger.Info("circuit breaker transition", "target", target, "from", from, "to", to)
		},
	})
	exec := resilience.NewExecutor(logger, func(ev resilience.AttemptEvent) {
		if ev.Err != nil {
			observability.RetryAttempts.WithLabelValues(ev.Target, string(ev.Kind)).Inc()
		}
	})

	store := provider.NewStore(cfg.Providers.Path, logger)
	providers := provider.NewManager(store, provider.Options{
		Logger:   logger,
		Executor: exec,
		Breakers: breakers,
		Policy:   policy,
	})
	if err := providers.Load(); err != nil {
		return fmt.Errorf("failed to load provider registry: %w", err)
	}
	defer providers.Shutdown()

	if cfg.Providers.Watch {
		if err := providers.Watch(ctx); err != nil {
			logger.Warn("provider registry watch unavailable", "error", err)
		}
	}

	// Bring up enabled providers before accepting clients; failures are
	// logged and excluded rather than fatal.
	toolset := providers.ActiveToolset(ctx)
	logger.Info("provider pool ready", "operations", len(toolset))

	sessions := session.NewManager(session.Options{
		Logger:            logger,
		HeartbeatInterval: cfg.Session.HeartbeatInterval,
		StaleTimeout:      cfg.Session.StaleTimeout,
	})
	go sessions.Run(ctx)

	server := gateway.NewServer(gateway.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, logger, providers, sessions, invokeHandler(providers, sessions))

	logger.Info("conduit started", "addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
	if err := server.Start(ctx); err != nil {
		return err
	}
	logger.Info("conduit stopped gracefully")
	return nil
}

// invocationRequest is the message content clients send to call a tool
// operation directly.
type invocationRequest struct {
	Operation string         `json:"operation"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// invokeHandler bridges inbound session messages to the provider pool:
// the message content names an operation, the result streams back as
// chunk frames followed by a complete frame.
func invokeHandler(providers *provider.Manager, sessions *session.Manager) gateway.MessageHandler {
	return func(ctx context.Context, connectionID string, msg gateway.InboundMessage) {
		var req invocationRequest
		if err := json.Unmarshal([]byte(msg.Content), &req); err != nil || req.Operation == "" {
			sessions.Send(connectionID, session.Frame{
				Type:  session.FrameError,
				Error: "content must be a JSON object naming an operation",
			})
			return
		}

		result, err := providers.Invoke(ctx, req.Operation, req.Arguments)
		if err != nil {
			sessions.Send(connectionID, session.Frame{
				Type:  session.FrameError,
				Error: fmt.Sprintf("%s: %v", fault.KindOf(err), err),
			})
			return
		}

		for _, block := range result.Content {
			sessions.Send(connectionID, session.Frame{
				Type:    session.FrameChunk,
				Content: block.Text,
			})
		}
		sessions.Send(connectionID, session.Frame{Type: session.FrameComplete})
	}
}

// buildProvidersCmd creates the "providers" command group.
func buildProvidersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Manage the tool-provider registry",
	}
	cmd.PersistentFlags().StringP("config", "c", "", "Path to YAML configuration file")

	cmd.AddCommand(
		buildProvidersListCmd(),
		buildProvidersAddCmd(),
		buildProvidersRemoveCmd(),
		buildProvidersToggleCmd("enable", true),
		buildProvidersToggleCmd("disable", false),
	)
	return cmd
}

// openManager builds an offline provider manager over the registry named
// by the config file. No connections are made.
func openManager(cmd *cobra.Command) (*provider.Manager, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	store := provider.NewStore(cfg.Providers.Path, slog.Default())
	m := provider.NewManager(store, provider.Options{})
	if err := m.Load(); err != nil {
		return nil, err
	}
	return m, nil
}

func buildProvidersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager(cmd)
			if err != nil {
				return err
			}
			defer m.Shutdown()

			out := cmd.OutOrStdout()
			for _, c := range m.Configs() {
				state := "disabled"
				if c.Enabled {
					state = "enabled"
				}
				endpoint := c.URL
				if c.Transport == provider.TransportSubprocess {
					endpoint = strings.TrimSpace(c.Command + " " + strings.Join(c.Args, " "))
				}
				fmt.Fprintf(out, "%-20s %-15s %-9s %s\n", c.ID, c.Transport, state, endpoint)
			}
			return nil
		},
	}
}

func buildProvidersAddCmd() *cobra.Command {
	var (
		entry     provider.Config
		transport string
		envPairs  []string
		headers   []string
		disabled  bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a new provider",
		Example: `  # Subprocess provider
  conduit providers add --id fs --transport subprocess --command conduit-provider-fs --arg --root --arg /data

  # Streaming HTTP provider with auth
  conduit providers add --id search --transport streaming-http \
    --url 'https://search.internal/rpc' --header 'Authorization=Bearer ${SEARCH_TOKEN}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager(cmd)
			if err != nil {
				return err
			}
			defer m.Shutdown()

			entry.Transport = provider.TransportKind(transport)
			entry.Enabled = !disabled
			if entry.Name == "" {
				entry.Name = entry.ID
			}
			if entry.Env, err = parsePairs(envPairs); err != nil {
				return err
			}
			if entry.Headers, err = parsePairs(headers); err != nil {
				return err
			}

			if err := m.Add(&entry); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Provider %q registered\n", entry.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&entry.ID, "id", "", "Unique provider id (required)")
	cmd.Flags().StringVar(&entry.Name, "name", "", "Display name (defaults to id)")
	cmd.Flags().StringVar(&transport, "transport", "", "Transport: subprocess, streaming-http, or event-stream (required)")
	cmd.Flags().StringVar(&entry.Command, "command", "", "Executable path (subprocess)")
	cmd.Flags().StringArrayVar(&entry.Args, "arg", nil, "Command argument, repeatable (subprocess)")
	cmd.Flags().StringArrayVar(&envPairs, "env", nil, "KEY=VALUE environment override, repeatable (subprocess)")
	cmd.Flags().StringVar(&entry.WorkDir, "workdir", "", "Working directory (subprocess)")
	cmd.Flags().StringVar(&entry.URL, "url", "", "Endpoint URL (streaming-http, event-stream)")
	cmd.Flags().StringArrayVar(&headers, "header", nil, "KEY=VALUE request header, repeatable (streaming-http, event-stream)")
	cmd.Flags().DurationVar(&entry.Timeout, "timeout", 0, "Per-call timeout (default 30s)")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Register without enabling")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("transport")
	return cmd
}

func buildProvidersRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager(cmd)
			if err != nil {
				return err
			}
			defer m.Shutdown()

			if err := m.Remove(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Provider %q removed\n", args[0])
			return nil
		},
	}
}

func buildProvidersToggleCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager(cmd)
			if err != nil {
				return err
			}
			defer m.Shutdown()

			if enabled {
				err = m.Enable(args[0])
			} else {
				err = m.Disable(args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Provider %q %sd\n", args[0], use)
			return nil
		},
	}
}

// buildStatusCmd creates the "status" command. It connects enabled
// providers the same way serve does, reports, and tears down.
func buildStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Probe providers and report their status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			store := provider.NewStore(cfg.Providers.Path, slog.Default())
			m := provider.NewManager(store, provider.Options{})
			if err := m.Load(); err != nil {
				return err
			}
			defer m.Shutdown()

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			m.ActiveToolset(ctx)

			out := cmd.OutOrStdout()
			for _, s := range m.Statuses() {
				state := "disabled"
				switch {
				case s.Connected:
					state = fmt.Sprintf("connected (%d operations)", s.Operations)
				case s.Enabled:
					state = "unreachable"
				}
				fmt.Fprintf(out, "%-20s %-15s %s\n", s.ID, s.Transport, state)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func parsePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("malformed pair %q, want KEY=VALUE", pair)
		}
		out[key] = value
	}
	return out, nil
}
