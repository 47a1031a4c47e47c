package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/tales/internal/auth"
	"github.com/MarcoPoloResearchLab/tales/internal/config"
	"github.com/MarcoPoloResearchLab/tales/internal/content"
	"github.com/MarcoPoloResearchLab/tales/internal/database"
	"github.com/MarcoPoloResearchLab/tales/internal/downloads"
	"github.com/MarcoPoloResearchLab/tales/internal/kvstore"
	"github.com/MarcoPoloResearchLab/tales/internal/library"
	"github.com/MarcoPoloResearchLab/tales/internal/logging"
	"github.com/MarcoPoloResearchLab/tales/internal/progress"
	"github.com/MarcoPoloResearchLab/tales/internal/reading"
	"github.com/MarcoPoloResearchLab/tales/internal/server"
	"github.com/MarcoPoloResearchLab/tales/internal/stories"
	"github.com/MarcoPoloResearchLab/tales/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	shutdownTimeout    = 10 * time.Second
	idleSweepFraction  = 4
	minIdleSweepPeriod = time.Second
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tales-api",
		Short: "English Tales reading service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newResetNamespaceCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Duration("progress-debounce", defaults.GetDuration("progress.debounce"), "Quiet period before progress is persisted")
	cmd.PersistentFlags().String("progress-policy", defaults.GetString("progress.policy"), "Progress policy (position, furthest)")
	cmd.PersistentFlags().Duration("session-idle-timeout", defaults.GetDuration("reading.idle_timeout"), "Close reading sessions idle this long (0 keeps them open)")
	cmd.PersistentFlags().String("sanity-project-id", "", "Sanity project serving story content")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "progress.debounce", "progress-debounce")
	bindFlag(cmd, "progress.policy", "progress-policy")
	bindFlag(cmd, "reading.idle_timeout", "session-idle-timeout")
	bindFlag(cmd, "content.sanity.project_id", "sanity-project-id")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newResetNamespaceCommand() *cobra.Command {
	var (
		namespace string
		force     bool
	)
	cmd := &cobra.Command{
		Use:   "reset-namespace",
		Short: "Delete every stored progress, download and library entry of a namespace",
		Long: "Delete every stored progress, download and library entry of a namespace.\n" +
			"Runs only while no server holds the database; a running server resets a namespace through DELETE /reading-state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := stories.NewNamespace(namespace)
			if err != nil {
				return err
			}
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if !force {
				if err := database.EnsureNotServed(appConfig.DatabasePath); err != nil {
					return err
				}
			}
			logger, err := logging.NewLogger(appConfig.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, closeDB, err := openDatabase(appConfig, logger)
			if err != nil {
				return err
			}
			defer closeDB()

			store, err := kvstore.New(kvstore.Config{Database: db, Logger: logger})
			if err != nil {
				return err
			}
			if err := store.Clear(cmd.Context(), target); err != nil {
				return err
			}
			logger.Info("namespace reset", zap.String("namespace", target.String()))
			return nil
		},
	}
	cmd.Flags().StringVar(&namespace, "namespace", "", "Namespace to clear, e.g. user:42 or guest:<id>")
	cmd.Flags().BoolVar(&force, "force", false, "Ignore a server lock left behind by a crashed server")
	if err := cmd.MarkFlagRequired("namespace"); err != nil {
		panic(err)
	}
	return cmd
}

func openDatabase(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, func(), error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	return db, func() { _ = sqlDB.Close() }, nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, closeDB, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	serverLock, err := database.AcquireServerLock(appConfig.DatabasePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := serverLock.Release(); err != nil {
			logger.Warn("failed to release server lock", zap.Error(err))
		}
	}()

	store, err := kvstore.New(kvstore.Config{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher()
	tracker, err := progress.NewTracker(progress.TrackerConfig{
		Store:               store,
		Debounce:            appConfig.ProgressDebounce,
		CompletionThreshold: appConfig.ProgressCompletionThreshold,
		Policy:              appConfig.ProgressPolicy,
		Publisher:           dispatcher,
		Logger:              logger,
	})
	if err != nil {
		return err
	}

	managerConfig := downloads.ManagerConfig{Store: store, Logger: logger}
	if appConfig.ContentSourceEnabled() {
		sanity, err := content.NewSanityClient(content.SanityConfig{
			ProjectID:  appConfig.SanityProjectID,
			Dataset:    appConfig.SanityDataset,
			APIVersion: appConfig.SanityAPIVersion,
			Token:      appConfig.SanityToken,
			Timeout:    appConfig.ContentTimeout,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		managerConfig.Source = sanity
	} else {
		logger.Info("content source disabled; downloads require a request body")
	}
	manager, err := downloads.NewManager(managerConfig)
	if err != nil {
		return err
	}

	registry, err := library.NewRegistry(library.RegistryConfig{Store: store, Logger: logger})
	if err != nil {
		return err
	}

	readingSessions, err := reading.NewSessions(reading.SessionsConfig{
		Tracker:      tracker,
		FlushOnClose: appConfig.FlushOnClose,
		OnCompleted: func(namespace stories.Namespace, completed progress.Progress) {
			logger.Info("story completed",
				zap.String("namespace", namespace.String()),
				zap.String("story_id", completed.StoryID.String()))
		},
		IdleTimeout: appConfig.SessionIdleTimeout,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	resetter, err := reading.NewResetter(reading.ResetterConfig{
		Store:     store,
		Progress:  tracker,
		Downloads: manager,
		Sessions:  readingSessions,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	identities, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	signingSecret := []byte(appConfig.AuthSigningSecret)
	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: signingSecret,
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}
	guestTokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: signingSecret,
		Issuer:        appConfig.AuthIssuer,
		TokenTTL:      appConfig.GuestTokenTTL,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:    sessionValidator,
		GuestTokens: guestTokens,
		Namespaces:  identities,
		Progress:    tracker,
		Downloads:   manager,
		Library:     registry,
		Reading:     readingSessions,
		Reset:       resetter,
		Realtime:    dispatcher,
		CookieName:  appConfig.AuthCookieName,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go readingSessions.SweepIdle(signalCtx, idleSweepInterval(appConfig.SessionIdleTimeout))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		if err := readingSessions.CloseAll(shutdownCtx); err != nil {
			logger.Error("failed to close reading sessions", zap.Error(err))
		}
		if err := tracker.Close(shutdownCtx); err != nil {
			return errors.Join(shutdownErr, fmt.Errorf("flush progress: %w", err))
		}
		return shutdownErr
	case err := <-errCh:
		return err
	}
}

func idleSweepInterval(idleTimeout time.Duration) time.Duration {
	interval := idleTimeout / idleSweepFraction
	if interval < minIdleSweepPeriod {
		return minIdleSweepPeriod
	}
	return interval
}
