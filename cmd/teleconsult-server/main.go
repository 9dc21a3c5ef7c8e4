package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/teleconsult/internal/config"
	"github.com/ehr/teleconsult/internal/domain/consultation"
	"github.com/ehr/teleconsult/internal/platform/alert"
	"github.com/ehr/teleconsult/internal/platform/auth"
	"github.com/ehr/teleconsult/internal/platform/db"
	"github.com/ehr/teleconsult/internal/platform/locker"
	"github.com/ehr/teleconsult/internal/platform/meeting"
	"github.com/ehr/teleconsult/internal/platform/middleware"
	"github.com/ehr/teleconsult/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "teleconsult-server",
		Short: "Video consultation reservation API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(meetingsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the reservation API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// openPool loads the config and connects to the database for one-shot
// commands.
func openPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrations.FS)
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

func meetingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meetings",
		Short: "Operate on meeting providers and leftover meetings",
	}

	danglingCmd := &cobra.Command{
		Use:   "dangling",
		Short: "List meetings whose cleanup failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			facility, _ := cmd.Flags().GetString("facility")
			fid := uuid.Nil
			if facility != "" {
				var err error
				if fid, err = uuid.Parse(facility); err != nil {
					return fmt.Errorf("--facility must be a uuid: %w", err)
				}
			}

			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			items, total, err := consultation.NewReservationRepoPG(pool).ListDanglingMeetings(ctx, fid, limit, 0)
			if err != nil {
				return fmt.Errorf("list dangling meetings: %w", err)
			}
			printDangling(cmd, items, total)
			return nil
		},
	}
	danglingCmd.Flags().Int("limit", 50, "Maximum rows to show")
	danglingCmd.Flags().String("facility", "", "Only this facility (uuid); all facilities when empty")
	cmd.AddCommand(danglingCmd)

	setProviderCmd := &cobra.Command{
		Use:   "set-provider",
		Short: "Select the meeting provider for a facility",
		RunE: func(cmd *cobra.Command, args []string) error {
			facility, _ := cmd.Flags().GetString("facility")
			provider, _ := cmd.Flags().GetString("provider")
			fid, kind, err := parseProviderAssignment(facility, provider)
			if err != nil {
				return err
			}

			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := meeting.NewSettingsPG(pool).SetProvider(ctx, fid, kind); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Facility %s now uses %s.\n", fid, kind)
			return nil
		},
	}
	setProviderCmd.Flags().String("facility", "", "Facility id (uuid)")
	setProviderCmd.Flags().String("provider", "", "Meeting provider: zoom or daily")
	cmd.AddCommand(setProviderCmd)

	return cmd
}

func parseProviderAssignment(facility, provider string) (uuid.UUID, meeting.Kind, error) {
	if facility == "" {
		return uuid.Nil, "", fmt.Errorf("--facility is required")
	}
	fid, err := uuid.Parse(facility)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("--facility must be a uuid: %w", err)
	}
	kind, err := meeting.ParseKind(provider)
	if err != nil {
		return uuid.Nil, "", err
	}
	return fid, kind, nil
}

func printDangling(cmd *cobra.Command, items []*consultation.DanglingMeeting, total int) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d dangling meeting(s)\n", total)
	fmt.Fprintf(out, "%-20s %-8s %-24s %-28s %s\n", "CREATED AT", "PROVIDER", "EXTERNAL ID", "REASON", "RESERVATION")
	for _, d := range items {
		fmt.Fprintf(out, "%-20s %-8s %-24s %-28s %s\n",
			d.CreatedAt.Format("2006-01-02 15:04:05"), d.Provider, d.ExternalID, d.Reason, d.ReservationID)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// buildProviders returns a client for every provider with credentials. In
// development an unconfigured default still gets a client so the server
// starts; its calls fail at the provider.
func buildProviders(cfg *config.Config) []meeting.Provider {
	var providers []meeting.Provider
	if cfg.ZoomConfigured() || cfg.DefaultMeetingProvider == string(meeting.KindZoom) {
		providers = append(providers, meeting.WithTimeout(meeting.NewZoomClient(meeting.ZoomConfig{
			APIURL:       cfg.ZoomAPIURL,
			OAuthURL:     cfg.ZoomOAuthURL,
			AccountID:    cfg.ZoomAccountID,
			ClientID:     cfg.ZoomClientID,
			ClientSecret: cfg.ZoomClientSecret,
			UserID:       cfg.ZoomUserID,
		}), cfg.ProviderTimeout))
	}
	if cfg.DailyConfigured() || cfg.DefaultMeetingProvider == string(meeting.KindDaily) {
		providers = append(providers, meeting.WithTimeout(meeting.NewDailyClient(meeting.DailyConfig{
			APIURL:          cfg.DailyAPIURL,
			APIKey:          cfg.DailyAPIKey,
			ExplicitCleanup: cfg.DailyExplicitCleanup,
			ExpiryGrace:     cfg.DailyRoomExpiryGrace,
		}), cfg.ProviderTimeout))
	}
	return providers
}

// buildLocker returns the Redis marker store, or an in-process one when
// REDIS_URL is unset (single instance only).
func buildLocker(cfg *config.Config, logger zerolog.Logger) (locker.Locker, db.Pinger, func(), error) {
	if cfg.RedisURL == "" {
		logger.Warn().Msg("REDIS_URL not set; approval markers are per-process")
		return locker.NewMemory(), nil, func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	l := locker.NewRedis(client, "teleconsult:")
	return l, l, func() { _ = client.Close() }, nil
}

// buildAlerter publishes operator alerts to AMQP with the log as fallback.
func buildAlerter(cfg *config.Config, logger zerolog.Logger) (alert.Alerter, func(), error) {
	logAlerter := alert.NewLog(logger)
	if cfg.AMQPURL == "" {
		return logAlerter, func() {}, nil
	}
	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to AMQP: %w", err)
	}
	publisher, err := alert.NewAMQP(conn, cfg.AMQPAlertQueue)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return alert.NewFallback(publisher, logAlerter), func() {
		_ = publisher.Close()
		_ = conn.Close()
	}, nil
}

// newRouter builds the echo instance with middleware and routes.
func newRouter(cfg *config.Config, logger zerolog.Logger, handler *consultation.Handler, checks map[string]db.Pinger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.FacilityHeader},
	}))
	e.Use(echomw.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Auth middleware
	if cfg.ResolvedAuthMode() == "development" {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		jwtCfg := auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		}
		if cfg.AuthSigningKey != "" {
			jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
		}
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		Skipper:           auth.AuthSkipper,
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	dbChecks := map[string]db.Pinger{}
	if p, ok := checks["postgres"]; ok {
		dbChecks["postgres"] = p
	}
	e.GET("/health/db", db.HealthHandler(dbChecks))
	e.GET("/health/ready", db.HealthHandler(checks))

	apiV1 := e.Group("/api/v1")
	handler.RegisterRoutes(apiV1)
	handler.RegisterAdminRoutes(apiV1)

	return e
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	checks := map[string]db.Pinger{"postgres": pool}

	locks, lockPinger, closeLocks, err := buildLocker(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up approval markers")
	}
	defer closeLocks()
	if lockPinger != nil {
		checks["redis"] = lockPinger
	}

	alerts, closeAlerts, err := buildAlerter(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up alert publisher")
	}
	defer closeAlerts()

	fallback, err := meeting.ParseKind(cfg.DefaultMeetingProvider)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid default meeting provider")
	}
	registry, err := meeting.NewRegistry(fallback, meeting.NewSettingsPG(pool), buildProviders(cfg)...)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up meeting providers")
	}
	logger.Info().Interface("providers", registry.Kinds()).Str("default", string(fallback)).Msg("meeting providers ready")

	svc := consultation.NewService(
		consultation.NewReservationRepoPG(pool),
		db.NewTxManager(pool),
		registry,
		locks,
		alerts,
		logger,
		consultation.WithMarkerTTL(cfg.MarkerTTL),
	)
	e := newRouter(cfg, logger, consultation.NewHandler(svc), checks)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
