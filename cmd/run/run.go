// Package run contains the command to run an ObjectStack server.
package run

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/objectstack/objectstack/cmd/util"
	"github.com/objectstack/objectstack/internal/build"
	"github.com/objectstack/objectstack/pkg/cache"
	"github.com/objectstack/objectstack/pkg/logger"
	"github.com/objectstack/objectstack/pkg/schema"
	"github.com/objectstack/objectstack/pkg/server"
	"github.com/objectstack/objectstack/pkg/storage"
	"github.com/objectstack/objectstack/pkg/storage/memory"
	"github.com/objectstack/objectstack/pkg/storage/postgres"
	"github.com/objectstack/objectstack/pkg/storage/sqlcommon"
	"github.com/objectstack/objectstack/pkg/storage/sqlite"
	"github.com/objectstack/objectstack/pkg/triggers"
)

const (
	datastoreEngineFlag          = "datastore-engine"
	datastoreURIFlag             = "datastore-uri"
	datastoreMaxOpenConnsFlag    = "datastore-max-open-conns"
	datastoreMaxIdleConnsFlag    = "datastore-max-idle-conns"
	datastoreConnMaxIdleTimeFlag = "datastore-conn-max-idle-time"
	datastoreConnMaxLifetimeFlag = "datastore-conn-max-lifetime"

	cacheEngineFlag        = "cache-engine"
	cacheAddrFlag          = "cache-addr"
	cacheRedisPasswordFlag = "cache-redis-password"

	logFormatFlag = "log-format"
	logLevelFlag  = "log-level"

	metricsEnabledFlag = "metrics-enabled"
	metricsAddrFlag    = "metrics-addr"

	schemaCacheTTLFlag      = "schema-cache-ttl"
	sessionCacheTTLFlag     = "session-cache-ttl"
	clientClassCreationFlag = "allow-client-class-creation"
)

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the ObjectStack server",
		Long:  "Run the ObjectStack server.",
		RunE:  run,
		Args:  cobra.NoArgs,
		PreRun: func(cmd *cobra.Command, _ []string) {
			cmd.Flags().VisitAll(func(f *pflag.Flag) {
				util.MustBindPFlag(f.Name, f)
			})
		},
	}

	defaultConfig := server.DefaultConfig()
	flags := cmd.Flags()

	flags.String(datastoreEngineFlag, "memory", "the datastore engine that will be used for persistence ('memory', 'postgres', or 'sqlite')")
	flags.String(datastoreURIFlag, "", "the connection uri to use to connect to the datastore (for any engine other than 'memory')")
	flags.Int(datastoreMaxOpenConnsFlag, 30, "the maximum number of open connections to the datastore")
	flags.Int(datastoreMaxIdleConnsFlag, 10, "the maximum number of connections to the datastore in the idle connection pool")
	flags.Duration(datastoreConnMaxIdleTimeFlag, 0, "the maximum amount of time a connection to the datastore may be idle")
	flags.Duration(datastoreConnMaxLifetimeFlag, 0, "the maximum amount of time a connection to the datastore may be reused")

	flags.String(cacheEngineFlag, "memory", "the cache engine backing schema and session caches ('memory' or 'redis')")
	flags.String(cacheAddrFlag, "localhost:6379", "the host:port address of the redis cache (for the 'redis' cache engine)")
	flags.String(cacheRedisPasswordFlag, "", "the password of the redis cache (for the 'redis' cache engine)")

	flags.String(logFormatFlag, "text", "the log format to output logs in ('text' or 'json')")
	flags.String(logLevelFlag, "info", "the log level to use ('none', 'debug', 'info', 'warn', 'error', 'fatal')")

	flags.Bool(metricsEnabledFlag, true, "enable/disable prometheus metrics on the '/metrics' endpoint")
	flags.String(metricsAddrFlag, "0.0.0.0:2112", "the host:port address to serve the prometheus metrics server on")

	flags.Duration(schemaCacheTTLFlag, schema.DefaultCacheTTL, "how long class schemas are served from cache (zero disables schema caching)")
	flags.Duration(sessionCacheTTLFlag, defaultConfig.SessionCacheTTL, "how long session token lookups are served from cache")
	flags.Bool(clientClassCreationFlag, defaultConfig.AllowClientClassCreation, "allow non-master writes to create classes on the fly")

	return cmd
}

func run(_ *cobra.Command, _ []string) error {
	log, err := logger.NewLogger(viper.GetString(logFormatFlag), viper.GetString(logLevelFlag))
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}

	store, err := buildDatastore(log)
	if err != nil {
		return err
	}

	cacheAdapter, err := buildCache()
	if err != nil {
		store.Close()
		return err
	}

	cfg := server.DefaultConfig()
	cfg.SchemaCacheTTL = viper.GetDuration(schemaCacheTTLFlag)
	cfg.SessionCacheTTL = viper.GetDuration(sessionCacheTTLFlag)
	cfg.AllowClientClassCreation = viper.GetBool(clientClassCreationFlag)

	engine := server.New(store, cacheAdapter, triggers.NewRegistry(), log, cfg)
	defer engine.Close()

	log.Info("starting objectstack",
		zap.String("version", build.Version),
		zap.String("commit", build.Commit),
		zap.String("datastore", viper.GetString(datastoreEngineFlag)),
		zap.String("cache", viper.GetString(cacheEngineFlag)),
	)

	var metricsServer *http.Server
	if viper.GetBool(metricsEnabledFlag) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		metricsServer = &http.Server{
			Addr:    viper.GetString(metricsAddrFlag),
			Handler: mux,
		}
		go func() {
			log.Info("metrics server listening", zap.String("addr", metricsServer.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done
	log.Info("shutting down")

	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Warn("metrics server shutdown", zap.Error(err))
		}
	}

	return nil
}

func buildDatastore(log logger.Logger) (storage.Adapter, error) {
	engine := viper.GetString(datastoreEngineFlag)
	uri := viper.GetString(datastoreURIFlag)

	sqlOpts := []sqlcommon.DatastoreOption{
		sqlcommon.WithLogger(log),
		sqlcommon.WithMaxOpenConns(viper.GetInt(datastoreMaxOpenConnsFlag)),
		sqlcommon.WithMaxIdleConns(viper.GetInt(datastoreMaxIdleConnsFlag)),
		sqlcommon.WithConnMaxIdleTime(viper.GetDuration(datastoreConnMaxIdleTimeFlag)),
		sqlcommon.WithConnMaxLifetime(viper.GetDuration(datastoreConnMaxLifetimeFlag)),
		sqlcommon.WithMetrics(),
	}

	switch engine {
	case "memory":
		return memory.New(), nil
	case "postgres":
		return postgres.New(uri, sqlOpts...)
	case "sqlite":
		return sqlite.New(uri, sqlOpts...)
	default:
		return nil, fmt.Errorf("storage engine '%s' is unsupported", engine)
	}
}

func buildCache() (cache.Adapter, error) {
	switch engine := viper.GetString(cacheEngineFlag); engine {
	case "memory":
		return cache.NewInMemoryCache()
	case "redis":
		return cache.NewRedisCache(viper.GetString(cacheAddrFlag), viper.GetString(cacheRedisPasswordFlag), "objectstack")
	default:
		return nil, fmt.Errorf("cache engine '%s' is unsupported", engine)
	}
}
