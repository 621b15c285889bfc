package app

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/Blackdeer1524/rawstore/src/app"
)

func initCheckpoint() {
	var switchLog bool

	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Takes a checkpoint and removes log files recovery no longer needs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, _, log, err := app.OpenStore(afero.NewOsFs(), rootCmd.Options.EnvFile)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			if switchLog {
				if err := s.SwitchLogFile(); err != nil {
					_ = s.Close()
					return fmt.Errorf("switch log file: %w", err)
				}
			}

			lsn, err := s.Checkpoint(cmd.Context())
			if err != nil {
				_ = s.Close()
				return err
			}
			if err := s.Close(); err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "checkpoint at %s\n", lsn)
			return err
		},
	}
	cmd.Flags().BoolVar(&switchLog, "switch", false, "start a new log file first")

	rootCmd.AddCommand(cmd)
}
