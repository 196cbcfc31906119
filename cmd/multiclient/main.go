// multiclient serves a pool of redundant liteservers behind one HTTP gateway.
//
// The process splits the global config into one backend per liteserver,
// probes every backend for liveness and archival capability, and routes each
// gateway request to the healthy subset.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/fortiblox/multiclient/pkg/backend"
	"github.com/fortiblox/multiclient/pkg/backend/grpcbackend"
	"github.com/fortiblox/multiclient/pkg/backend/jsonrpc"
	"github.com/fortiblox/multiclient/pkg/config"
	"github.com/fortiblox/multiclient/pkg/dashboard"
	"github.com/fortiblox/multiclient/pkg/gateway"
	"github.com/fortiblox/multiclient/pkg/multiclient"
	"github.com/fortiblox/multiclient/pkg/rpcpool"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

var rootCmd = &cobra.Command{
	Use:           "multiclient",
	Short:         "Resilient multiplexing client for redundant liteservers",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(newServeCommand(), newVersionCommand(), newSplitCommand())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "multiclient failed: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "multiclient %s (%s)\n", Version, GitCommit)
		},
	}
}

func newSplitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "split-config <global-config> <out-dir>",
		Short: "Write one single-liteserver config per node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes, err := config.LoadGlobal(args[0])
			if err != nil {
				return err
			}
			if err := os.MkdirAll(args[1], 0o755); err != nil {
				return err
			}
			for _, n := range nodes {
				path := filepath.Join(args[1], fmt.Sprintf("node-%d.json", n.Index))
				if err := os.WriteFile(path, n.Document, 0o644); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", path, n.LiteServer.Address())
			}
			return nil
		},
	}
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the worker pool and the HTTP gateway",
		RunE:  runServe,
	}

	f := cmd.Flags()
	f.String("config", "", "Path to a YAML config file")
	f.String("global-config", "", "Path to the global liteserver config")
	f.String("keystore", "", "Key store root directory (one subdirectory per worker)")
	f.Bool("reset-keystore", false, "Wipe every worker key store on start")
	f.String("blockchain-name", "mainnet", "Blockchain name passed to backends")
	f.Int("threads", 1, "Scheduler threads")
	f.String("transport", config.TransportJSONRPC, "Backend transport: jsonrpc, grpc")
	f.String("token", "", "Auth token for gRPC backends (supports ${VAR})")
	f.Bool("use-tls", false, "Use TLS for gRPC backends")
	f.Duration("request-timeout", 10*time.Second, "Timeout of one gateway call")
	f.Duration("cache-ttl", 0, "Response cache TTL for raw requests (0 disables)")
	f.String("session-key", "", "Key for session tokens (empty disables sessions)")
	f.String("listen-addr", ":8081", "Gateway listen address")
	f.String("dashboard-addr", "", "Dashboard listen address (empty disables)")
	f.String("grpc-addr", "", "Serve the pool over gRPC on this address (empty disables)")
	f.String("grpc-token", "", "Token required from gRPC callers (supports ${VAR})")
	f.String("log-level", "info", "Log level: debug, info, warn, error")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("config")
	app, err := config.LoadApp(path, cmd.Flags())
	if err != nil {
		return err
	}
	if err := app.Validate(); err != nil {
		return err
	}

	log, err := newLogger(app.LogLevel)
	if err != nil {
		return err
	}
	log.Info().Str("version", Version).Str("transport", app.Transport).Msg("starting multiclient")

	factory, err := newFactory(app)
	if err != nil {
		return err
	}

	var health *dashboard.HealthLog
	if app.DashboardAddr != "" {
		health = dashboard.NewHealthLog(dashboard.DefaultHealthLogSize)
	}

	mcConfig := multiclient.Config{
		GlobalConfig: app.GlobalConfig,
		Factory:      factory,
		Threads:      app.Threads,
		CacheTTL:     app.CacheTTL,
		Pool: rpcpool.Config{
			CheckInterval:             app.Probe.Interval,
			FirstCheckDelay:           app.Probe.FirstCheckDelay,
			ArchivalInterval:          app.Probe.ArchivalInterval,
			FirstArchivalDelay:        app.Probe.FirstArchivalDelay,
			RetryInterval:             app.Probe.RetryInterval,
			MaxConsecutiveCheckErrors: app.Probe.MaxConsecutiveCheckErrors,
			KeyStoreRoot:              app.KeyStore,
			ResetKeyStore:             app.ResetKeyStore,
			BlockchainName:            app.BlockchainName,
			InitRetryInterval:         app.Probe.InitRetryInterval,
		},
		Logger: log,
	}
	if health != nil {
		mcConfig.OnHealthChange = health.Record
	}

	client, err := multiclient.New(mcConfig, nil)
	if err != nil {
		return fmt.Errorf("failed to start client: %w", err)
	}
	defer client.Close()

	gwConfig := gateway.DefaultConfig()
	gwConfig.Addr = app.ListenAddr
	gwConfig.RequestTimeout = app.RequestTimeout
	gwConfig.LogRequests = log.GetLevel() <= zerolog.DebugLevel
	if app.SessionKey != "" {
		gwConfig.SessionKey = []byte(app.SessionKey)
	}

	gw, err := gateway.New(gwConfig, client, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	if app.DashboardAddr != "" {
		dash, err := newDashboard(app.DashboardAddr, client, health)
		if err != nil {
			return err
		}
		go func() {
			if err := dash.Start(ctx); err != nil {
				log.Error().Err(err).Msg("dashboard stopped")
			}
		}()
		log.Info().Str("addr", dash.Address()).Msg("dashboard listening")
	}

	if app.GRPCAddr != "" {
		if err := serveGRPC(ctx, app.GRPCAddr, os.ExpandEnv(app.GRPCToken), client, log); err != nil {
			return err
		}
	}

	return gw.Start(ctx)
}

// serveGRPC exposes the pool with the grpcbackend protocol until ctx is done,
// so other multiclient instances can use this one as a backend.
func serveGRPC(ctx context.Context, addr, token string, h grpcbackend.Handler, log zerolog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	srv := grpc.NewServer()
	grpcbackend.RegisterServer(srv, h, token)

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()
	go func() {
		if err := srv.Serve(lis); err != nil {
			log.Error().Err(err).Msg("grpc server stopped")
		}
	}()

	log.Info().Str("addr", lis.Addr().String()).Bool("auth", token != "").Msg("grpc listening")
	return nil
}

func newDashboard(addr string, stats dashboard.PoolStats, health *dashboard.HealthLog) (*dashboard.Dashboard, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid dashboard address %q: %w", addr, err)
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid dashboard port %q: %w", portStr, err)
	}
	cfg := dashboard.DefaultConfig()
	if host != "" {
		cfg.BindAddress = host
	}
	cfg.Port = port
	cfg.HealthLog = health
	return dashboard.New(cfg, stats)
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().
		Timestamp().
		Logger(), nil
}

func newFactory(app *config.App) (backend.Factory, error) {
	switch app.Transport {
	case config.TransportGRPC:
		return grpcbackend.NewFactory(grpcbackend.Config{
			Token:          app.Token,
			UseTLS:         app.UseTLS,
			RequestTimeout: app.RequestTimeout,
		})
	default:
		return jsonrpc.NewFactory(jsonrpc.Config{Timeout: app.RequestTimeout}), nil
	}
}
