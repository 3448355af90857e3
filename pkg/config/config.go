package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration for a many-go node.
type Config struct {
	ListenAddress string

	LogLevel string

	// SQLitePath is the durable backing store for the storage engine.
	SQLitePath string

	// TreeVersion selects the Merkle hashing scheme the storage engine
	// dispatches with (spec.md §4.4.1).
	TreeVersion int

	// TimestampSkew bounds how far a request's timestamp may drift from
	// the server clock before validation rejects it (spec.md §4.2).
	TimestampSkew time.Duration

	// MigrationHeight is the block height at which the node's token
	// migration activates; 0 activates it at genesis.
	MigrationHeight uint64

	// AsyncRedisURL, if set, backs the async-token result cache with Redis
	// instead of the in-memory fallback (spec.md §4.3.3).
	AsyncRedisURL string
}

// Load loads configuration from environment variables, applying the
// network's defaults where unset.
func Load() *Config {
	listen := os.Getenv("MANY_LISTEN_ADDRESS")
	if listen == "" {
		listen = ":8000"
	}

	logLevel := os.Getenv("MANY_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	sqlitePath := os.Getenv("MANY_SQLITE_PATH")
	if sqlitePath == "" {
		sqlitePath = "many.db"
	}

	treeVersion := 1
	if v := os.Getenv("MANY_TREE_VERSION"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			treeVersion = parsed
		}
	}

	skew := 300 * time.Second
	if v := os.Getenv("MANY_TIMESTAMP_SKEW_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			skew = time.Duration(parsed) * time.Second
		}
	}

	var migrationHeight uint64
	if v := os.Getenv("MANY_MIGRATION_HEIGHT"); v != "" {
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil {
			migrationHeight = parsed
		}
	}

	return &Config{
		ListenAddress:   listen,
		LogLevel:        logLevel,
		SQLitePath:      sqlitePath,
		TreeVersion:     treeVersion,
		TimestampSkew:   skew,
		MigrationHeight: migrationHeight,
		AsyncRedisURL:   os.Getenv("MANY_ASYNC_REDIS_URL"),
	}
}
