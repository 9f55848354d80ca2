package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"clinicedge/internal/clients"
	"clinicedge/internal/cronproxy"
	"clinicedge/internal/edge"
	"clinicedge/internal/middleware"
	"clinicedge/internal/pushbus"
	"clinicedge/internal/subscriptions"
)

func main() {
	var configPath string
	rootCmd := &cobra.Command{
		Use:           "clinicedge",
		Short:         "Offline cache and push delivery agent for the clinic web app",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getenvDefault("CLINICEDGE_CONFIG", "/clinicedge.yaml"), "path to clinicedge.yaml")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(precacheCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "clinicedge:", err)
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the caching proxy, window socket and push endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := edge.LoadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runServer(cfg, newLogger(cfg))
		},
	}
}

func precacheCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "precache",
		Short: "Install and activate the precache manifest once, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := edge.LoadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log := newLogger(cfg)
			svc, err := edge.NewService(cfg, edge.Options{Logger: log})
			if err != nil {
				return fmt.Errorf("init service: %w", err)
			}
			defer svc.Close()
			if err := svc.Start(cmd.Context()); err != nil {
				return err
			}
			v := svc.Lifecycle().Active()
			log.Info().Str("version", v.ID).Int("entries", svc.Precache().Len()).Msg("precache ready")
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the push subscription table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := edge.LoadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Subscriptions.DatabaseURL == "" {
				return errors.New("subscriptions.databaseURL (DATABASE_URL) is not set")
			}
			pool, err := subscriptions.OpenPool(cmd.Context(), cfg.Subscriptions.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := subscriptions.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			newLogger(cfg).Info().Msg("subscription schema applied")
			return nil
		},
	}
}

func runServer(cfg edge.Config, log zerolog.Logger) error {
	hub := clients.NewHub(log.With().Str("component", "windows").Logger())

	svc, err := edge.NewService(cfg, edge.Options{
		Logger:  log,
		Windows: hub,
		Display: hub,
		Claimer: hub,
	})
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	hub.OnNotificationClick = func(ctx context.Context, id string) {
		res, err := svc.HandleNotificationClick(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("notification", id).Msg("notification click")
			return
		}
		log.Debug().Str("notification", id).Str("action", string(res.Action)).Str("url", res.URL).Msg("notification click")
	}
	hub.OnNotificationClose = func(ctx context.Context, id string) {
		svc.Notifications().Close(ctx, id)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		// Navigations fall back to fetching the shell from origin until a
		// later reload succeeds.
		log.Error().Err(err).Msg("initial precache install failed")
	}

	r := mux.NewRouter()
	r.Use(middleware.RequestID, middleware.Recover(log), middleware.Logger(log))

	clients.NewHandler(hub, cfg.Server.PublicURL, log).RegisterRoutes(r)
	if cfg.Server.ControlToken == "" {
		log.Warn().Msg("no control token (CLINICEDGE_CONTROL_TOKEN or ADMIN_TOKEN); /_edge push and notification endpoints reject every request")
	}
	svc.RegisterRoutes(r)
	cronproxy.New(cfg.Cron.UpstreamURL, cfg.Cron.AdminToken, nil, log.With().Str("component", "cron").Logger()).RegisterRoutes(r)

	if cfg.Subscriptions.DatabaseURL != "" {
		pool, err := subscriptions.OpenPool(ctx, cfg.Subscriptions.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := subscriptions.Migrate(ctx, pool); err != nil {
			return err
		}
		verifier, err := newVerifier(cfg)
		if err != nil {
			return err
		}
		subscriptions.NewHandler(subscriptions.NewPGStore(pool), verifier, log.With().Str("component", "subscriptions").Logger()).RegisterRoutes(r)
	} else {
		log.Warn().Msg("DATABASE_URL not set; push subscription endpoint disabled")
	}

	r.PathPrefix("/").Handler(svc.Handler())

	if cfg.Push.NATS.URL != "" {
		sub, err := pushbus.Subscribe(cfg.Push.NATS.URL, cfg.Push.NATS.Subject, func(ctx context.Context, payload []byte) error {
			_, err := svc.HandlePush(ctx, payload)
			return err
		}, log.With().Str("component", "pushbus").Logger())
		if err != nil {
			return err
		}
		defer sub.Close()
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Str("origin", cfg.Server.Origin).Msg("clinicedge listening")
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			if cfg.Precache.Manifest == "" {
				continue
			}
			if err := svc.Reload(ctx); err != nil {
				log.Error().Err(err).Msg("manifest reload")
			}
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			return nil
		}
	}
}

func newVerifier(cfg edge.Config) (subscriptions.Verifier, error) {
	if cfg.Subscriptions.JWTSecret != "" {
		return subscriptions.NewJWTVerifier(cfg.Subscriptions.JWTSecret), nil
	}
	if cfg.Backend.URL != "" {
		return subscriptions.NewRemoteVerifier(cfg.Backend.URL, cfg.Subscriptions.AnonKey, nil), nil
	}
	return nil, errors.New("push subscriptions need SUPABASE_JWT_SECRET or SUPABASE_URL to verify users")
}

func newLogger(cfg edge.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.Logging.Format == "console" {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		log = zerolog.New(os.Stdout)
	}
	return log.Level(level).With().Timestamp().Logger()
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
