// Command collab-server runs the collaboration coordinator: websocket
// protocol at /ws plus the informational HTTP surface.
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

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lanemc/real-time-collaboration-sdk/server"
	"github.com/lanemc/real-time-collaboration-sdk/storage"
)

type options struct {
	host        string
	port        int
	auth        bool
	authSecret  string
	corsOrigin  string
	logLevel    string
	mdns        bool
	boltPath    string
	databaseURL string
	redisAddr   string
}

// envString prefers an explicitly set flag, then the environment, then the
// default already in *dst.
func envString(cmd *cobra.Command, flag, env string, dst *string) {
	if cmd.Flags().Changed(flag) {
		return
	}
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func main() {
	opts := options{host: "0.0.0.0", port: 8080, logLevel: "info"}

	root := &cobra.Command{
		Use:          "collab-server",
		Short:        "Real-time collaborative editing server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			envString(cmd, "host", "HOST", &opts.host)
			envString(cmd, "auth-secret", "AUTH_SECRET", &opts.authSecret)
			envString(cmd, "cors-origin", "CORS_ORIGIN", &opts.corsOrigin)
			envString(cmd, "log-level", "LOG_LEVEL", &opts.logLevel)
			envString(cmd, "bolt-path", "BOLT_PATH", &opts.boltPath)
			envString(cmd, "database-url", "DATABASE_URL", &opts.databaseURL)
			envString(cmd, "redis-addr", "REDIS_ADDR", &opts.redisAddr)
			if !cmd.Flags().Changed("port") {
				if v := os.Getenv("PORT"); v != "" {
					p, err := strconv.Atoi(v)
					if err != nil {
						return fmt.Errorf("invalid PORT %q: %w", v, err)
					}
					opts.port = p
				}
			}
			if !cmd.Flags().Changed("auth") {
				if v := os.Getenv("AUTH_REQUIRED"); v != "" {
					opts.auth = v == "1" || v == "true"
				}
			}
			return run(opts)
		},
	}

	f := root.Flags()
	f.StringVar(&opts.host, "host", opts.host, "listen host")
	f.IntVar(&opts.port, "port", opts.port, "listen port")
	f.BoolVar(&opts.auth, "auth", false, "require authentication")
	f.StringVar(&opts.authSecret, "auth-secret", "", "HMAC secret for token verification")
	f.StringVar(&opts.corsOrigin, "cors-origin", "", "Access-Control-Allow-Origin value")
	f.StringVar(&opts.logLevel, "log-level", opts.logLevel, "log level (debug, info, warn, error)")
	f.BoolVar(&opts.mdns, "mdns", false, "advertise the server over mDNS")
	f.StringVar(&opts.boltPath, "bolt-path", "", "persist documents to a bbolt file at this path")
	f.StringVar(&opts.databaseURL, "database-url", "", "persist documents to Postgres at this URL")
	f.StringVar(&opts.redisAddr, "redis-addr", "", "persist documents to Redis at this address")

	if err := root.Execute(); err != nil {
		color.Red("collab-server: %v", err)
		os.Exit(1)
	}
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

func openStore(ctx context.Context, opts options, log *slog.Logger) (storage.Adapter, error) {
	switch {
	case opts.databaseURL != "":
		log.Info("using postgres persistence")
		return storage.OpenPostgres(ctx, opts.databaseURL)
	case opts.redisAddr != "":
		log.Info("using redis persistence", "addr", opts.redisAddr)
		return storage.OpenRedis(ctx, opts.redisAddr)
	case opts.boltPath != "":
		log.Info("using bbolt persistence", "path", opts.boltPath)
		return storage.OpenBolt(opts.boltPath)
	default:
		log.Info("using in-memory persistence")
		return storage.NewMemory(), nil
	}
}

func run(opts options) error {
	level, err := parseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, opts, log)
	if err != nil {
		return err
	}
	defer store.Close()

	co := server.New(server.Config{
		AuthRequired: opts.auth,
		AuthSecret:   opts.authSecret,
		CORSOrigin:   opts.corsOrigin,
		Logger:       log,
		Store:        store,
	})

	addr := fmt.Sprintf("%s:%d", opts.host, opts.port)
	srv := &http.Server{Addr: addr, Handler: co.Router()}

	if opts.mdns {
		shutdown, err := server.Advertise(opts.port, log)
		if err != nil {
			log.Warn("mdns advertisement failed", "err", err)
		} else {
			defer shutdown()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", addr, "auth", opts.auth)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	co.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("bye")
	return nil
}
