package app

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/Blackdeer1524/rawstore/src/app"
)

func initRecover() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "recover",
		Short: "Runs restart recovery, takes a checkpoint and exits",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, c, log, err := app.OpenStore(afero.NewOsFs(), rootCmd.Options.EnvFile)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			if err := s.Close(); err != nil {
				return fmt.Errorf("close store: %w", err)
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "store in %s recovered\n", c.DataDir)
			return err
		},
	})
}
