package config

import "os"

const (
	defaultNATSURL          = "nats://localhost:4222"
	defaultRedisURL         = "redis://localhost:6379"
	defaultListenAddr       = ":8080"
	defaultLockBackend      = "redis"
	defaultS3Prefix         = "coordination/"
	defaultSQLitePath       = "corral.db"
	defaultCoordinationPath = "config/coordination.yaml"

	envNATSURL          = "NATS_URL"
	envRedisURL         = "REDIS_URL"
	envListenAddr       = "CORRAL_LISTEN_ADDR"
	envLockBackend      = "CORRAL_LOCK_BACKEND"
	envS3Bucket         = "CORRAL_S3_BUCKET"
	envS3Prefix         = "CORRAL_S3_PREFIX"
	envSQLitePath       = "CORRAL_SQLITE_PATH"
	envCoordinationPath = "COORDINATION_CONFIG_PATH"
)

// Config holds runtime configuration for the coordinator and its tools.
type Config struct {
	NatsURL              string
	RedisURL             string
	ListenAddr           string
	LockBackend          string
	S3Bucket             string
	S3Prefix             string
	SQLitePath           string
	CoordinationConfPath string
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	natsURL := os.Getenv(envNATSURL)
	if natsURL == "" {
		natsURL = defaultNATSURL
	}

	redisURL := os.Getenv(envRedisURL)
	if redisURL == "" {
		redisURL = defaultRedisURL
	}

	listenAddr := os.Getenv(envListenAddr)
	if listenAddr == "" {
		listenAddr = defaultListenAddr
	}

	backend := os.Getenv(envLockBackend)
	if backend == "" {
		backend = defaultLockBackend
	}

	s3Prefix := os.Getenv(envS3Prefix)
	if s3Prefix == "" {
		s3Prefix = defaultS3Prefix
	}

	sqlitePath := os.Getenv(envSQLitePath)
	if sqlitePath == "" {
		sqlitePath = defaultSQLitePath
	}

	coordinationPath := os.Getenv(envCoordinationPath)
	if coordinationPath == "" {
		coordinationPath = defaultCoordinationPath
	}

	return &Config{
		NatsURL:              natsURL,
		RedisURL:             redisURL,
		ListenAddr:           listenAddr,
		LockBackend:          backend,
		S3Bucket:             os.Getenv(envS3Bucket),
		S3Prefix:             s3Prefix,
		SQLitePath:           sqlitePath,
		CoordinationConfPath: coordinationPath,
	}
}
