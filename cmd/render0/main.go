package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"render0/internal/logger"
	"render0/internal/render0"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "render0",
		Short:         "Caching gateway in front of a headless-browser rendering service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", getenvDefault("RENDER0_CONFIG", "render0.yaml"), "path to render0.yaml (optional)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	})

	var format string
	fetchCmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Render one page and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetchOnce(cmd.Context(), configPath, args[0], format)
		},
	}
	fetchCmd.Flags().StringVar(&format, "format", "json", "response shape: json or html")
	root.AddCommand(fetchCmd)

	return root
}

func setup(configPath string) (render0.Config, logger.Logger, error) {
	cfg, err := render0.LoadConfig(configPath)
	if err != nil {
		return render0.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(logger.Config{Level: cfg.Logging.Level})
	if err != nil {
		return render0.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, log, nil
}

func serve(parent context.Context, configPath string) error {
	cfg, log, err := setup(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	svc, err := render0.NewService(cfg, log)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("render0 listening",
			logger.String("addr", addr),
			logger.String("content_upstream", cfg.Upstream.ContentURL),
		)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", logger.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func fetchOnce(ctx context.Context, configPath, target, format string) error {
	cfg, log, err := setup(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	svc, err := render0.NewService(cfg, log)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := svc.Fetch(ctx, target, format)
	if err != nil {
		return err
	}
	if resp.Format == render0.FormatJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp.JSON())
	}
	body, _ := resp.Raw()
	_, err = os.Stdout.Write(body)
	return err
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
