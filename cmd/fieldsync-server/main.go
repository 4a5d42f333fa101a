// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Command fieldsync-server runs the reference remote API for field agents.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-fieldsync/fieldapi"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newRootCommand() *cobra.Command {
	var (
		addr  string
		debug bool
		cfg   = ServerConfig{S3: &fieldapi.S3Config{}}
	)
	pathStyle, _ := strconv.ParseBool(os.Getenv("S3_USE_PATH_STYLE"))

	cmd := &cobra.Command{
		Use:           "fieldsync-server",
		Short:         "Reference remote API for field agents",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			level := slog.LevelInfo
			if debug {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)
			cfg.Logger = logger

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, addr, &cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&addr, "addr", envOr("ADDR", ":8080"), "listen address")
	f.BoolVar(&debug, "debug", false, "enable debug logging")
	f.BoolVar(&cfg.LogRequests, "log-requests", false, "log every HTTP request")
	f.StringVar(&cfg.DatabaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres URL (empty keeps state in memory)")
	f.StringVar(&cfg.JWTSecret, "jwt-secret", os.Getenv("JWT_SECRET"), "HMAC secret for bearer tokens")
	f.StringVar(&cfg.MediaDir, "media-dir", envOr("MEDIA_DIR", "media"), "directory for assembled media when S3 is not configured")
	f.StringVar(&cfg.MediaBaseURL, "media-base-url", os.Getenv("MEDIA_BASE_URL"), "public URL of media-dir (empty serves it at /media/)")
	f.Int64Var(&cfg.MaxChunkBytes, "max-chunk-bytes", 8<<20, "maximum size of one chunk")
	f.Int64Var(&cfg.MaxMediaBytes, "max-media-bytes", 512<<20, "maximum size of an assembled media file")
	f.StringVar(&cfg.S3.Bucket, "s3-bucket", os.Getenv("S3_BUCKET"), "S3 bucket for media (enables the S3 sink)")
	f.StringVar(&cfg.S3.Region, "s3-region", envOr("S3_REGION", "us-east-1"), "S3 region")
	f.StringVar(&cfg.S3.Endpoint, "s3-endpoint", os.Getenv("S3_ENDPOINT"), "S3 endpoint for MinIO and other compatible stores")
	f.StringVar(&cfg.S3.AccessKey, "s3-access-key", os.Getenv("S3_ACCESS_KEY"), "S3 access key (default credential chain when empty)")
	f.StringVar(&cfg.S3.SecretKey, "s3-secret-key", os.Getenv("S3_SECRET_KEY"), "S3 secret key")
	f.StringVar(&cfg.S3.PublicURL, "s3-public-url", os.Getenv("S3_PUBLIC_URL"), "public base URL replacing the bucket URL in links")
	f.BoolVar(&cfg.S3.UsePathStyle, "s3-path-style", pathStyle, "use path style S3 addressing")
	return cmd
}

func serve(ctx context.Context, addr string, cfg *ServerConfig) error {
	components, err := SetupServer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to setup server: %w", err)
	}
	defer components.Close()
	logger := components.Logger

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           components.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       120 * time.Second, // chunk uploads
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting field API server", "addr", addr)
		logger.Info("Endpoints:")
		logger.Info("  GET  " + fieldapi.PathHealth)
		logger.Info("  POST " + fieldapi.PathSignin + " - development sign in (user/device)")
		logger.Info("  GET  " + fieldapi.PathForms + "[/{id}], PUT " + fieldapi.PathForms + "/{id}")
		logger.Info("  POST " + fieldapi.PathSubmissions + ", GET " + fieldapi.PathSubmissions + "/{id}")
		logger.Info("  POST " + fieldapi.PathMediaChunk + ", POST " + fieldapi.PathMediaComplete)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("Server exited")
	return nil
}
