package app

import (
	"github.com/spf13/cobra"

	"github.com/Blackdeer1524/rawstore/src/app"
)

func initStart() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Boots the store and checkpoints it until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Run(cmd.Context(), &app.StoreEntrypoint{
				EnvFile: rootCmd.Options.EnvFile,
			})
		},
	})
}
