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

	"github.com/MarcoPoloResearchLab/rojgar/internal/auth"
	"github.com/MarcoPoloResearchLab/rojgar/internal/config"
	"github.com/MarcoPoloResearchLab/rojgar/internal/database"
	"github.com/MarcoPoloResearchLab/rojgar/internal/jobs"
	"github.com/MarcoPoloResearchLab/rojgar/internal/logging"
	"github.com/MarcoPoloResearchLab/rojgar/internal/messaging"
	"github.com/MarcoPoloResearchLab/rojgar/internal/notifications"
	"github.com/MarcoPoloResearchLab/rojgar/internal/profiles"
	"github.com/MarcoPoloResearchLab/rojgar/internal/server"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rojgar-api",
		Short: "Rojgar messaging backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newSystemMessageCommand(), newRepairUnreadCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "Browser origins allowed to call the API with credentials")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Postgres connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for notification fan-out")
	cmd.PersistentFlags().Int("read-batch-limit", defaults.GetInt("messaging.read_batch_limit"), "Messages marked read per request")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "messaging.read_batch_limit", "read-batch-limit")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

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

// stack holds the services shared by the server and the maintenance commands.
type stack struct {
	config    config.AppConfig
	logger    *zap.Logger
	db        *gorm.DB
	profiles  *profiles.Service
	sink      *notifications.Sink
	realtime  *server.RealtimeDispatcher
	messaging *messaging.Service
	closers   []func() error
}

func openStack() (*stack, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	s := &stack{config: appConfig, logger: logger, db: db, closers: []func() error{sqlDB.Close}}

	profileService, err := profiles.NewService(profiles.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	s.profiles = profileService

	var publisher notifications.Publisher
	if appConfig.RedisEnabled() {
		client := notifications.NewRedisClient(notifications.RedisOptions{
			Address:  appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
		})
		s.closers = append(s.closers, client.Close)
		publisher = notifications.NewRedisPublisher(client, appConfig.RedisChannelPrefix)
		logger.Info("notification fan-out enabled", zap.String("redis_address", appConfig.RedisAddress))
	}

	idProvider := messaging.NewUUIDProvider()
	sink, err := notifications.NewSink(notifications.SinkConfig{
		Database:   db,
		Publisher:  publisher,
		IDProvider: idProvider,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	s.sink = sink

	s.realtime = server.NewRealtimeDispatcher()
	messagingService, err := messaging.NewService(messaging.ServiceConfig{
		Database:       db,
		Clock:          time.Now,
		IDProvider:     idProvider,
		Logger:         logger,
		Profiles:       profileService,
		Jobs:           jobs.NewDirectory(db),
		Notifications:  sink,
		Events:         s.realtime,
		ReadBatchLimit: appConfig.ReadBatchLimit,
	})
	if err != nil {
		return nil, err
	}
	s.messaging = messagingService
	return s, nil
}

func (s *stack) Close() {
	if s.messaging != nil {
		s.messaging.WaitForNotifications()
	}
	for index := len(s.closers) - 1; index >= 0; index-- {
		if err := s.closers[index](); err != nil {
			s.logger.Warn("shutdown close failed", zap.Error(err))
		}
	}
	_ = s.logger.Sync()
}

func runServer(ctx context.Context) error {
	s, err := openStack()
	if err != nil {
		return err
	}
	defer s.Close()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(s.config.AuthSigningSecret),
		Issuer:        s.config.AuthIssuer,
		CookieName:    s.config.AuthCookieName,
		Leeway:        s.config.AuthLeeway,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessionValidator,
		Profiles:       s.profiles,
		Messaging:      s.messaging,
		Notifications:  s.sink,
		Realtime:       s.realtime,
		Logger:         s.logger,
		AllowedOrigins: s.config.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              s.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", zap.String("address", s.config.HTTPAddress))
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

func newSystemMessageCommand() *cobra.Command {
	var conversationID, body string
	cmd := &cobra.Command{
		Use:   "system-message",
		Short: "Append a platform notice to a conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStack()
			if err != nil {
				return err
			}
			defer s.Close()

			messageID, err := s.messaging.SendSystemMessage(cmd.Context(), conversationID, body)
			if err != nil {
				return err
			}
			s.logger.Info("system message stored",
				zap.String("conversation_id", conversationID),
				zap.String("message_id", messageID))
			return nil
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Conversation identifier")
	cmd.Flags().StringVar(&body, "body", "", "Notice text")
	_ = cmd.MarkFlagRequired("conversation")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func newRepairUnreadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "repair-unread",
		Short: "Recompute every conversation's unread counters from its messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStack()
			if err != nil {
				return err
			}
			defer s.Close()

			if err := database.RepairUnreadCounters(s.db.WithContext(cmd.Context())); err != nil {
				return err
			}
			s.logger.Info("unread counters repaired")
			return nil
		},
	}
}
