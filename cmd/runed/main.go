// Command runed runs the RuneAI knowledge backend.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/becomeliminal/runeai/config"
	"github.com/becomeliminal/runeai/logging"
	"github.com/becomeliminal/runeai/server"
	"github.com/becomeliminal/runeai/service"
	"github.com/becomeliminal/runeai/tools/mcpserver"
)

const closeTimeout = 30 * time.Second

var (
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "runed",
	Short: "RuneAI knowledge backend",
	Long: `runed stores links, runes, conversations and memories, enriches links in
the background and answers chat turns with retrieved context.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP and websocket API",
	RunE:  runServe,
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio or streamable HTTP",
	RunE:  runMCP,
}

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Summarize a user's latest conversation into a memory",
	RunE:  runConsolidate,
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check the database and the embedding dimension",
	RunE:  runProbe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "runeai.yaml", "configuration file (optional)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	mcpCmd.Flags().String("transport", "stdio", "transport: stdio or http")
	mcpCmd.Flags().String("addr", ":8081", "listen address for the http transport")
	consolidateCmd.Flags().String("email", service.DefaultEmail, "user email")

	rootCmd.AddCommand(serveCmd, mcpCmd, consolidateCmd, probeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runtime builds the service graph and returns a func that releases it.
func runtime(ctx context.Context) (*service.Runtime, func(), error) {
	rt, err := service.Build(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := rt.Close(ctx); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}
	return rt, release, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, release, err := runtime(ctx)
	if err != nil {
		return err
	}
	defer release()

	// A probe failure is reported but does not stop the server.
	_ = rt.Embedder.Probe(ctx)

	srv := server.New(rt.Service, *cfg, logging.For(logger, logging.CategoryHTTP))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx, cfg.Server.Addr) })
	g.Go(func() error { return rt.RunPeriodicConsolidation(gctx) })
	return g.Wait()
}

func runMCP(cmd *cobra.Command, args []string) error {
	transport, _ := cmd.Flags().GetString("transport")
	addr, _ := cmd.Flags().GetString("addr")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, release, err := runtime(ctx)
	if err != nil {
		return err
	}
	defer release()

	srv := mcpserver.New(rt.Service, logging.For(logger, logging.CategoryMCP))
	switch transport {
	case "stdio":
		logger.Info("mcp server starting", zap.String("transport", transport))
		return srv.Run(ctx, &mcp.StdioTransport{})
	case "http":
		handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil)
		httpSrv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}()
		logger.Info("mcp server listening", zap.String("addr", addr))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown transport %q (use stdio or http)", transport)
	}
}

func runConsolidate(cmd *cobra.Command, args []string) error {
	email, _ := cmd.Flags().GetString("email")
	rt, release, err := runtime(cmd.Context())
	if err != nil {
		return err
	}
	defer release()

	res, err := rt.Service.Consolidate(cmd.Context(), email)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func runProbe(cmd *cobra.Command, args []string) error {
	rt, release, err := runtime(cmd.Context())
	if err != nil {
		return err
	}
	defer release()

	if err := rt.Service.Ping(cmd.Context()); err != nil {
		return err
	}
	if err := rt.Embedder.Probe(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "database ok, embedding dimension %d ok\n", rt.Embedder.Dimensions())
	return nil
}
