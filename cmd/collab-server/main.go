package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Longshot123/collabREate/internal/auth"
	"github.com/Longshot123/collabREate/internal/collab"
	"github.com/Longshot123/collabREate/internal/config"
	"github.com/Longshot123/collabREate/internal/database"
	"github.com/Longshot123/collabREate/internal/logging"
	"github.com/Longshot123/collabREate/internal/perms"
	"github.com/Longshot123/collabREate/internal/project"
	"github.com/Longshot123/collabREate/internal/server"
	"github.com/Longshot123/collabREate/internal/session"
	"github.com/Longshot123/collabREate/internal/updatelog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "collab-server",
		Short: "Collaborative reverse engineering server",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newAddUserCommand())
	rootCmd.AddCommand(newImportProjectCommand())

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
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().Int("challenge-ttl-seconds", defaults.GetInt("auth.challenge_ttl_seconds"), "Authentication challenge TTL in seconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "auth.challenge_ttl_seconds", "challenge-ttl-seconds")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	chapService, err := auth.NewService(auth.ServiceConfig{
		Database:     db,
		Logger:       logger,
		ChallengeTTL: appConfig.ChallengeTTL,
	})
	if err != nil {
		return err
	}
	tokenManager, err := auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	sessions := session.NewRegistry()
	projects, err := project.NewRegistry(project.RegistryConfig{
		Database: db,
		Logger:   logger,
		Peers:    sessions,
	})
	if err != nil {
		return err
	}
	updates, err := updatelog.NewStore(updatelog.StoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	coordinator, err := collab.NewCoordinator(collab.CoordinatorConfig{
		Database: db,
		Projects: projects,
		Updates:  updates,
		Sessions: sessions,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Auth:        chapService,
		Tokens:      tokenManager,
		Coordinator: coordinator,
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newAddUserCommand() *cobra.Command {
	var (
		pubMaskHex string
		subMaskHex string
	)
	cmd := &cobra.Command{
		Use:   "add-user <username> <password>",
		Short: "Register a user account in the server database",
		Args:  cobra.ExactArgs(2),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAddUser(cmd.Context(), args[0], args[1], pubMaskHex, subMaskHex)
		},
	}
	cmd.Flags().StringVar(&pubMaskHex, "publish-mask", "ffffffffffffffff", "Publish permission mask (hex)")
	cmd.Flags().StringVar(&subMaskHex, "subscribe-mask", "ffffffffffffffff", "Subscribe permission mask (hex)")
	return cmd
}

func runAddUser(ctx context.Context, username, password, pubMaskHex, subMaskHex string) error {
	pub, err := parseMaskFlag(pubMaskHex)
	if err != nil {
		return fmt.Errorf("invalid publish mask: %w", err)
	}
	sub, err := parseMaskFlag(subMaskHex)
	if err != nil {
		return fmt.Errorf("invalid subscribe mask: %w", err)
	}

	databasePath := viper.GetString("database.path")
	logger, err := logging.NewLogger(viper.GetString("log.level"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(databasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	chapService, err := auth.NewService(auth.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	account, err := chapService.CreateUser(ctx, username, password, pub, sub)
	if err != nil {
		return err
	}
	logger.Info("user created",
		zap.Uint64("userid", account.UserID),
		zap.String("username", account.Username))
	return nil
}

func newImportProjectCommand() *cobra.Command {
	var (
		description string
		pubMaskHex  string
		subMaskHex  string
	)
	cmd := &cobra.Command{
		Use:   "import-project <owner> <gpid> <hash>",
		Short: "Import a project from another server under its existing global id",
		Args:  cobra.ExactArgs(3),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImportProject(cmd.Context(), args[0], args[1], args[2], description, pubMaskHex, subMaskHex)
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "Project description")
	cmd.Flags().StringVar(&pubMaskHex, "publish-mask", "ffffffffffffffff", "Publish permission mask (hex)")
	cmd.Flags().StringVar(&subMaskHex, "subscribe-mask", "ffffffffffffffff", "Subscribe permission mask (hex)")
	return cmd
}

func runImportProject(ctx context.Context, owner, gpid, contentHash, description, pubMaskHex, subMaskHex string) error {
	pub, err := parseMaskFlag(pubMaskHex)
	if err != nil {
		return fmt.Errorf("invalid publish mask: %w", err)
	}
	sub, err := parseMaskFlag(subMaskHex)
	if err != nil {
		return fmt.Errorf("invalid subscribe mask: %w", err)
	}

	logger, err := logging.NewLogger(viper.GetString("log.level"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(viper.GetString("database.path"), logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	projects, err := project.NewRegistry(project.RegistryConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	record, err := projects.Migrate(ctx, owner, gpid, contentHash, description, pub, sub)
	if err != nil {
		return err
	}
	logger.Info("project imported",
		zap.Uint64("pid", record.LocalID),
		zap.String("gpid", record.GlobalID))
	return nil
}

func parseMaskFlag(value string) (perms.Mask, error) {
	parsed, err := strconv.ParseUint(value, 16, 64)
	if err != nil {
		return perms.None, err
	}
	return perms.Mask(parsed), nil
}
