package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lapig-ufg/tiles/internal/blobstore"
	"github.com/lapig-ufg/tiles/internal/config"
	"github.com/lapig-ufg/tiles/internal/controlplane"
	"github.com/lapig-ufg/tiles/internal/jobengine"
	"github.com/lapig-ufg/tiles/internal/limiter"
	"github.com/lapig-ufg/tiles/internal/localcache"
	"github.com/lapig-ufg/tiles/internal/metastore"
	"github.com/lapig-ufg/tiles/internal/mosaiccache"
	"github.com/lapig-ufg/tiles/internal/server"
	"github.com/lapig-ufg/tiles/internal/tileengine"
	"github.com/lapig-ufg/tiles/internal/upstream"
	"github.com/lapig-ufg/tiles/internal/visparam"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve XYZ mosaic tiles over HTTP",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Listen port (overrides config/env default)")
	serveCmd.Flags().String("upstream-base-url", "", "Base URL of the imagery-mosaic upstream")
	serveCmd.Flags().String("redis-addr", "", "Redis address (host:port) for the MetaStore and job broker; empty keeps the configured default")
	serveCmd.Flags().String("local-blob-dir", "", "Local directory used as BlobStore fallback or primary store")
	serveCmd.Flags().String("s3-bucket", "", "S3 bucket for the durable BlobStore; empty uses local-blob-dir only")
	serveCmd.Flags().String("s3-access-key", "", "Static S3 access key (e.g. for a MinIO endpoint); empty uses the default AWS credential chain")
	serveCmd.Flags().String("s3-secret-key", "", "Static S3 secret key; paired with --s3-access-key")
	serveCmd.Flags().String("mongo-uri", "", "MongoDB URI for the VisParamRegistry catalogue; empty uses a built-in static catalogue")
	serveCmd.Flags().String("sqlite-path", "", "Path to the JobEngine's SQLite store")

	mustBind := func(key string, name string) {
		if err := viper.BindPFlag(key, serveCmd.Flags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag: %v", err))
		}
	}
	mustBind("port", "port")
	mustBind("upstream_base_url", "upstream-base-url")
	mustBind("redis_addr", "redis-addr")
	mustBind("local_blob_dir", "local-blob-dir")
	mustBind("s3_bucket", "s3-bucket")
	mustBind("s3_access_key", "s3-access-key")
	mustBind("s3_secret_key", "s3-secret-key")
	mustBind("mongo_uri", "mongo-uri")
	mustBind("sqlite_path", "sqlite-path")
}

// loadConfig builds a config.Config from spec-mandated defaults (§6),
// overridden by environment variables and flags bound above.
func loadConfig() (config.Config, error) {
	cfg := config.Default()

	if viper.IsSet("port") && viper.GetInt("port") != 0 {
		cfg.Port = viper.GetInt("port")
	}
	if v := viper.GetString("redis_addr"); v != "" {
		cfg.RedisAddr = v
	}
	if v := viper.GetString("local_blob_dir"); v != "" {
		cfg.LocalBlobDir = v
	}
	if v := viper.GetString("s3_bucket"); v != "" {
		cfg.S3Bucket = v
	}
	if v := viper.GetString("s3_access_key"); v != "" {
		cfg.S3AccessKey = v
	}
	if v := viper.GetString("s3_secret_key"); v != "" {
		cfg.S3SecretKey = v
	}
	if v := viper.GetString("mongo_uri"); v != "" {
		cfg.MongoURI = v
	}
	if v := viper.GetString("sqlite_path"); v != "" {
		cfg.SQLitePath = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var redisClient redis.UniversalClient
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	}

	meta := buildMetaStore(redisClient)
	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build blobstore: %w", err)
	}

	upstreamBaseURL := viper.GetString("upstream_base_url")
	if upstreamBaseURL == "" {
		upstreamBaseURL = "http://localhost:9000"
	}
	upstreamClient := upstream.NewHTTPClient(upstreamBaseURL, nil, logger)

	upstreamLimiter := limiter.NewUpstreamLimiter(limiter.UpstreamOptions{
		Concurrency: cfg.UpstreamConcurrency,
		Pacing:      cfg.UpstreamPacing,
	}, logger)

	mosaics := mosaiccache.New(meta, upstreamClient, upstreamLimiter, mosaiccache.Options{
		MosaicTTL:   cfg.MosaicTTL,
		ElectionTTL: cfg.ElectionTTL,
		CoolDownTTL: cfg.CoolDownTTL,
	})

	fetchLimiter := limiter.NewFetchLimiter(cfg.TileFetchConcurrency)

	edgeLimiter := limiter.NewEdgeLimiter(meta, limiter.EdgeOptions{
		RatePerMinute: cfg.EdgeRatePerMinute,
		Burst:         cfg.EdgeBurst,
	})

	registry, err := buildVisParamRegistry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build visparam registry: %w", err)
	}

	localCache := localcache.New(cfg.LocalCacheBytes)
	engine := &tileengine.Engine{
		Local:    localCache,
		Blob:     blobs,
		Mosaics:  mosaics,
		Upstream: upstreamClient,
		Limiter:  fetchLimiter,
		Checker:  registry,
		Logger:   logger,
	}

	jobStore, err := jobengine.NewStore(cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	if redisClient == nil {
		return fmt.Errorf("redis_addr is required for the job broker")
	}
	broker := jobengine.NewBroker(redisClient, int64(cfg.EdgeBurst))
	jobs := jobengine.NewEngine(jobStore, broker)

	pool := jobengine.New(jobStore, broker, engine, controlplane.NopCampaignStore{}, jobengine.Options{
		Workers:           cfg.JobPoolSize,
		PerJobConcurrency: cfg.UpstreamConcurrency,
		DequeueTimeout:    2 * time.Second,
	}, logger)
	go pool.Run(ctx)

	tilesHandler := server.NewTilesHandler(engine, server.TilesConfig{
		Edge:    edgeLimiter,
		Checker: registry,
	}, logger)
	capsHandler := server.NewCapabilitiesHandler(registry, 10*time.Second)

	var users controlplane.UserStore
	if cfg.AdminUsername != "" && cfg.AdminPasswordHash != "" {
		users = controlplane.StaticUserStore{
			Username:     cfg.AdminUsername,
			PasswordHash: cfg.AdminPasswordHash,
			Role:         cfg.AdminRequiredRole,
		}
	}
	adminHandler := controlplane.NewHandler(controlplane.Deps{
		Jobs:   jobs,
		Store:  jobStore,
		Broker: broker,
		Blobs:  blobs,
		Local:  localCache,
		Users:  users,
		Role:   cfg.AdminRequiredRole,
	}, logger)

	mux := server.Router(tilesHandler, capsHandler, cfg.RequestDeadline, logger)
	root := http.NewServeMux()
	root.Handle("/", mux)
	root.Handle("/admin/", http.StripPrefix("/admin", adminHandler))
	root.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.Info("tile server listening",
		"addr", addr,
		"upstream", upstreamBaseURL,
		"redis_addr", cfg.RedisAddr,
		"s3_bucket", cfg.S3Bucket,
		"job_pool_size", cfg.JobPoolSize,
	)

	srv := &http.Server{Addr: addr, Handler: root, ReadHeaderTimeout: 5 * time.Second}
	return srv.ListenAndServe()
}

// buildMetaStore wires a Redis-backed MetaStore with an in-process
// MemoryStore fallback, per §9's degrade-open rule: MetaStore outage
// narrows coalescing/rate-limiting to per-process rather than disabling
// it. client is nil when no Redis address was configured, in which case
// the MemoryStore alone is used (single-process coordination only).
func buildMetaStore(client redis.UniversalClient) metastore.MetaStore {
	if client == nil {
		return metastore.NewMemoryStore()
	}
	primary := metastore.NewRedisStore(client, logger)
	return metastore.NewFailoverStore(primary, metastore.NewMemoryStore(), logger)
}

// buildBlobStore wires an S3-backed BlobStore with a local-disk fallback
// when an S3 bucket is configured, or a bare LocalStore otherwise.
func buildBlobStore(ctx context.Context, cfg config.Config) (blobstore.BlobStore, error) {
	local, err := blobstore.NewLocalStore(cfg.LocalBlobDir)
	if err != nil {
		return nil, fmt.Errorf("local blobstore: %w", err)
	}
	if cfg.S3Bucket == "" {
		return local, nil
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3Region)}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
	})
	s3Store := blobstore.NewS3Store(client, cfg.S3Bucket, logger)
	return blobstore.NewFailoverStore(s3Store, local), nil
}

// buildVisParamRegistry wires a Mongo-backed catalogue when mongo_uri is
// configured, or a small built-in static catalogue otherwise (so serve
// still starts in a bare dev environment with no external Mongo).
func buildVisParamRegistry(ctx context.Context, cfg config.Config) (*visparam.Registry, error) {
	var source visparam.Source
	if cfg.MongoURI != "" {
		mongoSource, err := visparam.NewMongoSource(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection)
		if err != nil {
			return nil, err
		}
		source = mongoSource
	} else {
		source = visparam.StaticSource{VisParams: defaultVisParams()}
	}
	return visparam.New(ctx, source, 30*time.Second, logger)
}

func defaultVisParams() []visparam.VisParam {
	return []visparam.VisParam{
		{Name: "tvi-red", Category: visparam.CategorySentinel, Active: true},
		{Name: "tvi-green", Category: visparam.CategorySentinel, Active: true},
		{Name: "landsat-tvi-false", Category: visparam.CategoryLandsat, Active: true},
		{Name: "landsat-ndvi", Category: visparam.CategoryLandsat, Active: true},
	}
}
