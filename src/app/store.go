package app

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/rawstore/src"
	"github.com/Blackdeer1524/rawstore/src/cfg"
	"github.com/Blackdeer1524/rawstore/src/rawstore"
)

// NewLogger builds the zap logger for the environment.
func NewLogger(env cfg.Environment) (src.Logger, error) {
	var (
		l   *zap.Logger
		err error
	)
	if env == cfg.EnvProd {
		l, err = zap.NewProduction()
	} else {
		l, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	return l.Sugar(), nil
}

// OpenStore loads the configuration and boots the store, running restart
// recovery.
func OpenStore(fs afero.Fs, envFile string) (*rawstore.RawStoreContext, cfg.Config, src.Logger, error) {
	c, err := cfg.Load(envFile)
	if err != nil {
		return nil, cfg.Config{}, nil, fmt.Errorf("load config: %w", err)
	}

	log, err := NewLogger(c.Environment)
	if err != nil {
		return nil, cfg.Config{}, nil, err
	}

	s, err := rawstore.Open(fs, c.Store(), log)
	if err != nil {
		return nil, cfg.Config{}, nil, fmt.Errorf("open store: %w", err)
	}

	return s, c, log, nil
}

// StoreEntrypoint keeps a store open and checkpoints it periodically until
// the context ends.
type StoreEntrypoint struct {
	EnvFile string
	Fs      afero.Fs

	store *rawstore.RawStoreContext
	cfg   cfg.Config
	log   src.Logger
}

func (e *StoreEntrypoint) Init(_ context.Context) error {
	if e.Fs == nil {
		e.Fs = afero.NewOsFs()
	}

	s, c, log, err := OpenStore(e.Fs, e.EnvFile)
	if err != nil {
		return err
	}

	e.store, e.cfg, e.log = s, c, log
	return nil
}

func (e *StoreEntrypoint) Run(ctx context.Context) error {
	e.log.Infow("store is running",
		"data_dir", e.cfg.DataDir,
		"checkpoint_interval", e.cfg.CheckpointInterval.String(),
	)

	if e.cfg.CheckpointInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	return e.store.RunCheckpoints(ctx, e.cfg.CheckpointInterval)
}

func (e *StoreEntrypoint) Close() (err error) {
	if e.store != nil {
		err = e.store.Close()
	}

	if e.log != nil {
		if err != nil {
			e.log.Errorw("failed to close store", "error", err)
		}
		// syncing a console logger fails on some platforms
		_ = e.log.Sync()
	}

	return err
}
