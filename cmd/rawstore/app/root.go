package app

import (
	"context"

	"github.com/Blackdeer1524/rawstore/src/cli"
)

var rootCmd = cli.Init("rawstore")

func MustExecute(ctx context.Context) {
	rootCmd.Short = "Transactional page store"

	initStart()
	initRecover()
	initCheckpoint()
	initDumpLog()
	rootCmd.MustExecute(ctx)
}
