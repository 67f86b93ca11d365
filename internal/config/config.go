// Package config defines the closed, enumerated configuration record for
// the tile server, replacing the dynamic "kwargs" config dicts the source
// used (§9) with defaulted fields bound through cobra/viper the way the
// teacher's internal/cmd package binds its own flags.
package config

import (
	"fmt"
	"time"
)

// Config is every option enumerated in spec §6, plus the connection
// strings the distilled spec treats as given (Redis, S3, Mongo).
type Config struct {
	Port int `mapstructure:"port"`

	MosaicTTL   time.Duration `mapstructure:"mosaic_ttl"`
	TileBlobTTL time.Duration `mapstructure:"tile_blob_ttl"`
	ElectionTTL time.Duration `mapstructure:"election_ttl"`
	CoolDownTTL time.Duration `mapstructure:"cool_down_ttl"`

	UpstreamConcurrency  int           `mapstructure:"upstream_concurrency"`
	UpstreamPacing       time.Duration `mapstructure:"upstream_pacing"`
	TileFetchConcurrency int           `mapstructure:"tile_fetch_concurrency"`

	EdgeRatePerMinute int `mapstructure:"edge_rate_per_minute"`
	EdgeBurst         int `mapstructure:"edge_burst"`

	RequestDeadline time.Duration `mapstructure:"request_deadline"`

	LocalCacheBytes int64 `mapstructure:"local_cache_bytes"`

	JobPoolSize       int    `mapstructure:"job_pool_size"`
	AdminRequiredRole string `mapstructure:"admin_required_role"`

	AdminUsername     string `mapstructure:"admin_username"`
	AdminPasswordHash string `mapstructure:"admin_password_hash"` // bcrypt hash; see internal/controlplane

	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`

	S3Bucket    string `mapstructure:"s3_bucket"`
	S3Endpoint  string `mapstructure:"s3_endpoint"`
	S3Region    string `mapstructure:"s3_region"`
	S3AccessKey string `mapstructure:"s3_access_key"` // static credentials for S3-compatible stores (e.g. MinIO); empty uses the default AWS credential chain
	S3SecretKey string `mapstructure:"s3_secret_key"`

	MongoURI        string `mapstructure:"mongo_uri"`
	MongoDatabase   string `mapstructure:"mongo_database"`
	MongoCollection string `mapstructure:"mongo_collection"`

	SQLitePath string `mapstructure:"sqlite_path"`

	LogLevel string `mapstructure:"log_level"`

	LocalBlobDir string `mapstructure:"local_blob_dir"`
}

// Default returns the configuration defaults named in spec §6.
func Default() Config {
	return Config{
		Port: 8080,

		MosaicTTL:   24 * time.Hour,
		TileBlobTTL: 30 * 24 * time.Hour,
		ElectionTTL: 60 * time.Second,
		CoolDownTTL: 15 * time.Second,

		UpstreamConcurrency:  25,
		UpstreamPacing:       50 * time.Millisecond,
		TileFetchConcurrency: 4096,

		EdgeRatePerMinute: 100_000,
		EdgeBurst:         10_000,

		RequestDeadline: 30 * time.Second,

		LocalCacheBytes: 512 << 20,

		JobPoolSize:       8,
		AdminRequiredRole: "super-admin",

		RedisAddr: "127.0.0.1:6379",

		S3Region: "us-east-1",

		MongoDatabase:   "tiles",
		MongoCollection: "visparams",

		SQLitePath: "./jobs.db",

		LogLevel: "info",

		LocalBlobDir: "./data/blobs",
	}
}

// Validate fails fast on malformed configuration before serve starts, in
// the style of the teacher's cobra.OnInitialize chain.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.UpstreamConcurrency <= 0 {
		return fmt.Errorf("config: upstream_concurrency must be positive")
	}
	if c.TileFetchConcurrency <= 0 {
		return fmt.Errorf("config: tile_fetch_concurrency must be positive")
	}
	if c.EdgeRatePerMinute <= 0 {
		return fmt.Errorf("config: edge_rate_per_minute must be positive")
	}
	if c.JobPoolSize <= 0 {
		return fmt.Errorf("config: job_pool_size must be positive")
	}
	switch c.AdminRequiredRole {
	case "":
		return fmt.Errorf("config: admin_required_role must not be empty")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	return nil
}
