package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/tokenauth/internal/authkit"
	"github.com/tyemirov/tokenauth/internal/authkitpg"
	"github.com/tyemirov/tokenauth/internal/web"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
	return authkit.NewGoogleTokenValidator(ctx)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "tokenauth",
		Short:   "Token issuance, validation, and revocation service with role-based access control",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for bearer tokens")
	rootCmd.Flags().String("jwt_issuer", defaultIssuer, "Issuer embedded in every token")
	rootCmd.Flags().Duration("session_ttl", time.Hour, "Session token TTL")
	rootCmd.Flags().Duration("password_reset_ttl", authkit.DefaultPasswordResetTTL, "Password reset token TTL")
	rootCmd.Flags().String("revocation_store", revocationStoreMemory, "Revocation store: memory, database, redis, or postgres")
	rootCmd.Flags().String("database_url", "", "Database URL for users and revocations (postgres:// or sqlite://; leave empty for in-memory stores)")
	rootCmd.Flags().String("redis_addr", "", "Redis address for the redis revocation store")
	rootCmd.Flags().Duration("sweep_interval", time.Minute, "Interval between revocation sweeps")
	rootCmd.Flags().Int("bcrypt_cost", 12, "bcrypt cost for password hashes")
	rootCmd.Flags().Int("reset_max_attempts", 5, "Password reset requests allowed per email within reset_window")
	rootCmd.Flags().Duration("reset_window", 15*time.Minute, "Window for reset_max_attempts")
	rootCmd.Flags().String("reset_url_base", "", "Base URL of the password reset page")
	rootCmd.Flags().String("google_web_client_id", "", "Google Web OAuth Client ID; empty disables Google sign-in")
	rootCmd.Flags().Duration("nonce_ttl", 5*time.Minute, "Nonce lifetime for Google Sign-In exchanges")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")

	for _, key := range []string{
		"listen_addr", "jwt_signing_key", "jwt_issuer", "session_ttl", "password_reset_ttl",
		"revocation_store", "database_url", "redis_addr", "sweep_interval", "bcrypt_cost",
		"reset_max_attempts", "reset_window", "reset_url_base", "google_web_client_id",
		"nonce_ttl", "dev_insecure_http", "enable_cors", "cors_allowed_origins",
	} {
		_ = viper.BindPFlag(key, rootCmd.Flags().Lookup(key))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	defaultIssuer = "tokenauth"

	revocationStoreMemory   = "memory"
	revocationStoreDatabase = "database"
	revocationStoreRedis    = "redis"
	revocationStorePostgres = "postgres"

	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeInvalidSessionTTL       = "config.invalid_session_ttl"
	configCodeInvalidResetTTL         = "config.invalid_password_reset_ttl"
	configCodeInvalidRevocationStore  = "config.invalid_revocation_store"
	configCodeMissingDatabaseURL      = "config.missing_database_url"
	configCodeMissingRedisAddr        = "config.missing_redis_addr"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads and validates the token and password settings.
func LoadServerConfig() (authkit.ServerConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	sessionTTL := viper.GetDuration("session_ttl")
	if sessionTTL < time.Second {
		return authkit.ServerConfig{}, configError(configCodeInvalidSessionTTL, "session_ttl must be at least one second")
	}

	resetTTL := viper.GetDuration("password_reset_ttl")
	if resetTTL == 0 {
		resetTTL = authkit.DefaultPasswordResetTTL
	}
	if resetTTL < time.Second {
		return authkit.ServerConfig{}, configError(configCodeInvalidResetTTL, "password_reset_ttl must be at least one second")
	}

	issuer := strings.TrimSpace(viper.GetString("jwt_issuer"))
	if issuer == "" {
		issuer = defaultIssuer
	}

	return authkit.ServerConfig{
		GoogleWebClientID: strings.TrimSpace(viper.GetString("google_web_client_id")),
		JWTSigningKey:     []byte(jwtSigningKey),
		JWTIssuer:         issuer,
		SessionTTL:        sessionTTL,
		PasswordResetTTL:  resetTTL,
		BcryptCost:        viper.GetInt("bcrypt_cost"),
		ResetMaxAttempts:  viper.GetInt("reset_max_attempts"),
		ResetWindow:       viper.GetDuration("reset_window"),
		PasswordHistory:   authkit.DefaultPasswordHistory,
		ResetURLBase:      viper.GetString("reset_url_base"),
		AllowInsecureHTTP: viper.GetBool("dev_insecure_http"),
	}, nil
}

type storage struct {
	users       authkit.UserStore
	revocations authkit.RevocationStore
	closers     []func()
}

func (resources *storage) close() {
	for index := len(resources.closers) - 1; index >= 0; index-- {
		resources.closers[index]()
	}
}

func buildStorage(ctx context.Context, logger *zap.Logger, clock authkit.Clock, historyLimit int) (*storage, error) {
	resources := &storage{}
	databaseURL := strings.TrimSpace(viper.GetString("database_url"))
	storeKind := strings.ToLower(strings.TrimSpace(viper.GetString("revocation_store")))
	if storeKind == "" {
		storeKind = revocationStoreMemory
	}

	var database *authkit.Database
	if databaseURL != "" {
		opened, openErr := authkit.OpenDatabase(ctx, databaseURL)
		if openErr != nil {
			return nil, openErr
		}
		database = opened
		resources.closers = append(resources.closers, func() { _ = opened.Close() })
		resources.users = authkit.NewDatabaseUserStore(opened, historyLimit)
		logger.Info("using persistent user store", zap.String("driver", opened.Driver()))
	} else {
		resources.users = web.NewInMemoryUsers(historyLimit)
		logger.Info("using in-memory user store")
	}

	switch storeKind {
	case revocationStoreMemory:
		resources.revocations = authkit.NewMemoryRevocationStore(clock)
	case revocationStoreDatabase:
		if database == nil {
			resources.close()
			return nil, configError(configCodeMissingDatabaseURL, "revocation_store=database requires database_url")
		}
		resources.revocations = authkit.NewDatabaseRevocationStore(database, clock)
	case revocationStoreRedis:
		redisAddr := strings.TrimSpace(viper.GetString("redis_addr"))
		if redisAddr == "" {
			resources.close()
			return nil, configError(configCodeMissingRedisAddr, "revocation_store=redis requires redis_addr")
		}
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		resources.closers = append(resources.closers, func() { _ = client.Close() })
		if pingErr := client.Ping(ctx).Err(); pingErr != nil {
			resources.close()
			return nil, fmt.Errorf("redis.ping: %w", pingErr)
		}
		resources.revocations = authkit.NewRedisRevocationStore(client, authkit.DefaultRevocationKeyPrefix, clock)
	case revocationStorePostgres:
		if databaseURL == "" {
			resources.close()
			return nil, configError(configCodeMissingDatabaseURL, "revocation_store=postgres requires database_url")
		}
		pool, poolErr := authkitpg.BuildPool(ctx, databaseURL)
		if poolErr != nil {
			resources.close()
			return nil, poolErr
		}
		resources.closers = append(resources.closers, pool.Close)
		if schemaErr := authkitpg.EnsureSchema(ctx, pool); schemaErr != nil {
			resources.close()
			return nil, schemaErr
		}
		resources.revocations = authkitpg.NewPostgresRevocationStore(pool, clock)
	default:
		resources.close()
		return nil, configError(configCodeInvalidRevocationStore, fmt.Sprintf("unknown revocation_store %q", storeKind))
	}
	logger.Info("using revocation store", zap.String("kind", storeKind))
	return resources, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	shutdownCtx, shutdownCancel := context.WithCancel(commandContext)
	defer shutdownCancel()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	clock := authkit.NewSystemClock()
	metricsRecorder := authkit.NewCounterMetrics()

	resources, storageErr := buildStorage(shutdownCtx, logger, clock, serverConfig.PasswordHistory)
	if storageErr != nil {
		return storageErr
	}
	defer func() {
		shutdownCancel()
		resources.close()
	}()

	codec, codecErr := authkit.NewTokenCodec(serverConfig.JWTSigningKey, serverConfig.JWTIssuer, clock)
	if codecErr != nil {
		return codecErr
	}
	tokens, tokensErr := authkit.NewTokenService(authkit.TokenServiceDependencies{
		Codec:       codec,
		Revocations: resources.revocations,
		Clock:       clock,
		Logger:      logger,
		Metrics:     metricsRecorder,
	})
	if tokensErr != nil {
		return tokensErr
	}
	accessControl := authkit.NewAccessControl(nil)
	authenticator := authkit.NewRequestAuthenticator(tokens, resources.users, accessControl, logger, metricsRecorder)
	passwords := authkit.NewPasswordManager(authkit.PasswordManagerDependencies{
		Tokens:       tokens,
		Users:        resources.users,
		Limiter:      authkit.NewResetRateLimiter(serverConfig.ResetMaxAttempts, serverConfig.ResetWindow, clock),
		Clock:        clock,
		Logger:       logger,
		Metrics:      metricsRecorder,
		BcryptCost:   serverConfig.BcryptCost,
		ResetTTL:     serverConfig.PasswordResetTTL,
		HistoryLimit: serverConfig.PasswordHistory,
	})

	authRoutes := authkit.AuthRoutes{
		Config:        serverConfig,
		Tokens:        tokens,
		Authenticator: authenticator,
		Passwords:     passwords,
		Users:         resources.users,
		Logger:        logger,
	}
	if serverConfig.GoogleWebClientID != "" {
		validator, validatorErr := buildGoogleTokenValidator(shutdownCtx)
		if validatorErr != nil {
			return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
		}
		nonceTTL := viper.GetDuration("nonce_ttl")
		if nonceTTL <= 0 {
			nonceTTL = 5 * time.Minute
		}
		authRoutes.GoogleValidator = validator
		authRoutes.Nonces = authkit.NewMemoryNonceStore(nonceTTL, clock)
	} else {
		logger.Info("google sign-in disabled")
	}
	authkit.MountAuthRoutes(router, authRoutes)
	authkit.MountAccessRoutes(router, authenticator, accessControl, logger)

	protected := router.Group("/api")
	protected.Use(authenticator.RequireBearer())
	protected.GET("/me", web.HandleWhoAmI(logger, resources.users, accessControl))

	sweepInterval := viper.GetDuration("sweep_interval")
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	sweeper := authkit.NewRevocationSweeper(resources.revocations, sweepInterval, clock, logger, metricsRecorder)
	go sweeper.Run(shutdownCtx)

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
