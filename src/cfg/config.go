package cfg

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/Blackdeer1524/rawstore/src/rawstore"
	"github.com/Blackdeer1524/rawstore/src/storage/page"
	"github.com/Blackdeer1524/rawstore/src/wal"
)

const EnvPrefix = "RAWSTORE"

const (
	EnvDev  Environment = "dev"
	EnvProd Environment = "prod"

	DefaultEnv = EnvDev
)

type Environment string

func (e Environment) Validate() error {
	if e != EnvDev && e != EnvProd {
		return errors.New("environment must be either dev or prod")
	}

	return nil
}

type Config struct {
	Environment Environment `default:"dev"`

	DataDir              string        `default:"./data" split_words:"true"`
	PageSize             int           `default:"4096" split_words:"true"`
	BufferPoolSize       uint64        `default:"256" split_words:"true"`
	LogFileSize          uint32        `default:"1048576" split_words:"true"`
	LogCompressThreshold int           `default:"1024" split_words:"true"`
	LockTimeout          time.Duration `default:"5s" split_words:"true"`
	CheckpointInterval   time.Duration `default:"0s" split_words:"true"`
	FlushWorkers         int           `default:"4" split_words:"true"`
}

// Default is the configuration used when nothing is set.
func Default() Config {
	return Config{
		Environment:          DefaultEnv,
		DataDir:              "./data",
		PageSize:             page.DefaultPageSize,
		BufferPoolSize:       256,
		LogFileSize:          wal.DefaultMaxFileSize,
		LogCompressThreshold: 1024,
		LockTimeout:          5 * time.Second,
		FlushWorkers:         4,
	}
}

// Load reads RAWSTORE_* variables. A non-empty envFile is loaded into the
// environment first, variables already set win.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var c Config
	if err := envconfig.Process(EnvPrefix, &c); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}

	return c, nil
}

func (c Config) Validate() error {
	if err := c.Environment.Validate(); err != nil {
		return fmt.Errorf("environment validation: %w", err)
	}
	if c.DataDir == "" {
		return errors.New("data dir must be set")
	}
	if c.PageSize < page.MinPageSize || c.PageSize > page.MaxPageSize || c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("page size %d is not a power of two in [%d, %d]",
			c.PageSize, page.MinPageSize, page.MaxPageSize)
	}
	if c.BufferPoolSize == 0 {
		return errors.New("buffer pool size must be positive")
	}
	if c.CheckpointInterval < 0 {
		return errors.New("checkpoint interval must not be negative")
	}

	return nil
}

// Store converts the configuration into the store's own.
func (c Config) Store() rawstore.Config {
	return rawstore.Config{
		Dir:                  c.DataDir,
		PageSize:             c.PageSize,
		BufferPoolSize:       c.BufferPoolSize,
		LogFileSize:          c.LogFileSize,
		LogCompressThreshold: c.LogCompressThreshold,
		LockTimeout:          c.LockTimeout,
		FlushWorkers:         c.FlushWorkers,
	}
}
