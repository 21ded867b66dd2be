package env

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

const (
	EngineMemory = "memory"
	EngineRedis  = "redis"
)

type Config struct {
	Region    string `env:"LODESTAR_REGION"`
	DebugHTTP bool   `env:"LODESTAR_DEBUG_HTTP"`

	// NodeAddress is the address clients reach this node on. Readers and
	// task results report it so clients know where to continue.
	NodeAddress string   `env:"LODESTAR_NODE_ADDR"`
	Peers       []string `env:"LODESTAR_PEERS"`
	ViewID      int64    `env:"LODESTAR_VIEW_ID,default=1"`

	Engine       string `env:"LODESTAR_ENGINE,default=memory"`
	RedisAddr    string `env:"LODESTAR_REDIS_ADDR,default=127.0.0.1:6379"`
	SnapshotPath string `env:"LODESTAR_SNAPSHOT_PATH"`
	MaxBytes     int64  `env:"LODESTAR_MAX_BYTES"`
	MaxWriteGap  int64  `env:"LODESTAR_MAX_WRITE_GAP,default=16777216"`

	ChunkSize      int           `env:"LODESTAR_CHUNK_SIZE,default=100"`
	MaxChunkBytes  int           `env:"LODESTAR_MAX_CHUNK_BYTES,default=4194304"`
	MaxStreamIO    int           `env:"LODESTAR_MAX_STREAM_IO,default=1048576"`
	RequestTimeout time.Duration `env:"LODESTAR_REQUEST_TIMEOUT,default=3s"`
	TaskWorkers    int           `env:"LODESTAR_TASK_WORKERS,default=4"`
	TaskRetention  time.Duration `env:"LODESTAR_TASK_RETENTION,default=15m"`
	TaskMaxBytes   int64         `env:"LODESTAR_TASK_MAX_BYTES,default=67108864"`

	LogLevel      string `env:"LODESTAR_LOG_LEVEL,default=info"`
	LogFile       string `env:"LODESTAR_LOG_FILE"`
	LogMaxSizeMB  int    `env:"LODESTAR_LOG_MAX_SIZE,default=100"`
	LogMaxBackups int    `env:"LODESTAR_LOG_MAX_BACKUPS,default=3"`
	LogMaxAgeDays int    `env:"LODESTAR_LOG_MAX_AGE,default=28"`
}

func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			panic(err)
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Engine {
	case EngineMemory, EngineRedis:
	default:
		return fmt.Errorf("LODESTAR_ENGINE must be %q or %q, got %q", EngineMemory, EngineRedis, c.Engine)
	}

	if c.ChunkSize < 1 {
		return fmt.Errorf("LODESTAR_CHUNK_SIZE must be positive, got %d", c.ChunkSize)
	}

	if c.TaskWorkers < 1 {
		return fmt.Errorf("LODESTAR_TASK_WORKERS must be positive, got %d", c.TaskWorkers)
	}

	if c.TaskRetention <= 0 {
		return fmt.Errorf("LODESTAR_TASK_RETENTION must be positive, got %s", c.TaskRetention)
	}

	if c.ViewID < 0 {
		return fmt.Errorf("LODESTAR_VIEW_ID must not be negative, got %d", c.ViewID)
	}

	return nil
}
