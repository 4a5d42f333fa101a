// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mobiletoly/go-fieldsync/fieldapi"
)

const defaultJWTSecret = "your-secret-key-change-in-production"

// ServerConfig holds configuration for the server
type ServerConfig struct {
	// DatabaseURL selects the Postgres repository; empty keeps state in memory.
	DatabaseURL string
	JWTSecret   string
	Logger      *slog.Logger

	// MediaDir and MediaBaseURL configure the file sink used when S3 is not set.
	MediaDir     string
	MediaBaseURL string
	S3           *fieldapi.S3Config

	MaxChunkBytes int64
	MaxMediaBytes int64
	LogRequests   bool
}

// ServerComponents holds the initialized server components
type ServerComponents struct {
	Pool    *pgxpool.Pool
	Service *fieldapi.Service
	JWTAuth *fieldapi.JWTAuth
	Handler http.Handler
	Logger  *slog.Logger
}

// SetupServer initializes the repository, media sink, service and routes.
func SetupServer(ctx context.Context, config *ServerConfig) (*ServerComponents, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sc := &ServerComponents{Logger: logger}

	var repo fieldapi.Repository
	if config.DatabaseURL != "" {
		poolConfig, err := pgxpool.ParseConfig(config.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse database URL: %w", err)
		}
		poolConfig.MaxConns = 20
		poolConfig.MinConns = 2
		poolConfig.MaxConnLifetime = time.Hour
		poolConfig.MaxConnIdleTime = 30 * time.Minute

		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to reach database: %w", err)
		}
		pg, err := fieldapi.NewPostgresRepository(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		sc.Pool = pool
		repo = pg
		logger.Info("Using Postgres repository")
	} else {
		repo = fieldapi.NewMemoryRepository()
		logger.Warn("DATABASE_URL not set, keeping server state in memory")
	}

	var (
		sink       fieldapi.Sink
		serveFiles string
	)
	if config.S3 != nil && config.S3.Bucket != "" {
		s3sink, err := fieldapi.NewS3Sink(ctx, *config.S3)
		if err != nil {
			sc.Close()
			return nil, err
		}
		sink = s3sink
		logger.Info("Storing media in S3", "bucket", config.S3.Bucket, "endpoint", config.S3.Endpoint)
	} else {
		dir := config.MediaDir
		if dir == "" {
			dir = "media"
		}
		base := config.MediaBaseURL
		if base == "" {
			// Served by this process below /media/.
			base = "/media"
			serveFiles = dir
		}
		sink = &fieldapi.FileSink{Dir: dir, BaseURL: base}
		logger.Info("Storing media on disk", "dir", dir, "base_url", base)
	}

	jwtSecret := config.JWTSecret
	if jwtSecret == "" {
		jwtSecret = defaultJWTSecret
		logger.Warn("Using default JWT secret - change in production!")
	}
	sc.JWTAuth = fieldapi.NewJWTAuth(jwtSecret, logger)
	sc.Service = fieldapi.NewService(repo, sink, &fieldapi.ServiceConfig{
		MaxChunkBytes: config.MaxChunkBytes,
		MaxMediaBytes: config.MaxMediaBytes,
	}, logger)

	var handler http.Handler = fieldapi.NewRouter(fieldapi.NewHTTPHandlers(sc.Service, sc.JWTAuth, logger), sc.JWTAuth)
	if serveFiles != "" {
		mux := http.NewServeMux()
		mux.Handle("/", handler)
		mux.Handle("GET /media/", http.StripPrefix("/media/", http.FileServer(http.Dir(serveFiles))))
		handler = mux
	}
	sc.Handler = LoggingMiddleware(config.LogRequests, handler, logger)
	return sc, nil
}

// Close releases the database pool.
func (sc *ServerComponents) Close() {
	if sc.Pool != nil {
		sc.Pool.Close()
	}
}

// LoggingMiddleware logs method, path, status and duration of every request.
func LoggingMiddleware(enableLogging bool, next http.Handler, logger *slog.Logger) http.Handler {
	if !enableLogging {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"bytes", wrapped.written,
			"duration", time.Since(start),
			"idempotency_key", r.Header.Get(fieldapi.HeaderIdempotency),
		)
	})
}

// responseWriter captures the status code and response size.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(data []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(data)
	rw.written += n
	return n, err
}
