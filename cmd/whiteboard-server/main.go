package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/config"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/persistence"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/room"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

var (
	cfgFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "whiteboard-server",
		Short: "Collaborative whiteboard room server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	setupFlags(rootCmd)
	rootCmd.AddCommand(newExportCommand(), newTokenCommand())
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString(config.KeyHTTPAddress), "HTTP listen address")
	flags.StringSlice("allowed-origins", defaults.GetStringSlice(config.KeyAllowedOrigins), "Origins allowed for CORS and websocket upgrades")
	flags.String("log-level", defaults.GetString(config.KeyLogLevel), "Log level (debug, info, warn, error)")
	flags.String("database-path", defaults.GetString(config.KeyDatabasePath), "SQLite database path")
	flags.String("persistence-backend", defaults.GetString(config.KeyPersistenceBackend), "Snapshot backend (file, sqlite, dynamodb, memory, none)")
	flags.String("persistence-dir", defaults.GetString(config.KeyPersistenceDir), "Directory for the file backend")
	flags.String("assets-dir", defaults.GetString(config.KeyAssetsDir), "Directory for uploaded assets")
	flags.String("signing-secret", "", "Session token signing secret; empty disables authentication")

	bindFlag(cmd, config.KeyHTTPAddress, "http-address")
	bindFlag(cmd, config.KeyAllowedOrigins, "allowed-origins")
	bindFlag(cmd, config.KeyLogLevel, "log-level")
	bindFlag(cmd, config.KeyDatabasePath, "database-path")
	bindFlag(cmd, config.KeyPersistenceBackend, "persistence-backend")
	bindFlag(cmd, config.KeyPersistenceDir, "persistence-dir")
	bindFlag(cmd, config.KeyAssetsDir, "assets-dir")
	bindFlag(cmd, config.KeyAuthSigningSecret, "signing-secret")
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

	app, err := newApplication(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer app.Close() //nolint:errcheck

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("persistence", appConfig.Persistence.Backend))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Registry shutdown closes the websockets the HTTP server is waiting on.
		registryErr := app.registry.Shutdown(shutdownCtx)
		httpErr := httpServer.Shutdown(shutdownCtx)
		logger.Info("server stopped")
		return errors.Join(registryErr, httpErr)
	})
	return group.Wait()
}

func newExportCommand() *cobra.Command {
	var roomID string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Print the stored snapshot of a room as JSON, or list stored rooms",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			app, err := newApplication(cmd.Context(), appConfig, logger)
			if err != nil {
				return err
			}
			defer app.Close() //nolint:errcheck
			return exportRoom(cmd.Context(), app, roomID, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&roomID, "room", "", "Room id to export; lists stored rooms when empty")
	return cmd
}

func exportRoom(ctx context.Context, app *application, rawRoomID string, out io.Writer) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if rawRoomID == "" {
		lister, ok := app.backend.(persistence.Lister)
		if !ok {
			return fmt.Errorf("the configured backend cannot list rooms; pass --room")
		}
		rooms, err := lister.ListRooms(ctx)
		if err != nil {
			return err
		}
		return encoder.Encode(map[string][]string{"rooms": rooms})
	}
	id, err := room.NewRoomID(rawRoomID)
	if err != nil {
		return err
	}
	snapshot, found, err := app.registry.Snapshot(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("room %q has no stored snapshot", id)
	}
	return encoder.Encode(snapshot)
}

func newTokenCommand() *cobra.Command {
	var (
		userID      string
		displayName string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if !appConfig.Auth.Enabled() {
				return fmt.Errorf("%s is not set; authentication is disabled", config.KeyAuthSigningSecret)
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.Auth.SigningSecret),
				Issuer:        appConfig.Auth.Issuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, _, err := issuer.Issue(auth.SessionClaims{UserID: userID, UserDisplayName: displayName})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id placed in the token")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name placed in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
