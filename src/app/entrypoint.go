package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

type Entrypoint interface {
	io.Closer
	Init(ctx context.Context) error
	Run(ctx context.Context) error
}

// Run initializes e and runs it until it fails or the process receives
// SIGINT or SIGTERM, then closes it.
func Run(ctx context.Context, e Entrypoint) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := e.Init(ctx); err != nil {
		return fmt.Errorf("entrypoint init error: %w", err)
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return e.Run(ctx)
	})

	// graceful shutdown
	eg.Go(func() error {
		<-ctx.Done()
		return e.Close()
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("app was shut down: %w", err)
	}

	return nil
}
