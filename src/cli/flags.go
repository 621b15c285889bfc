package cli

func (c *RootCommand) initFlags() {
	c.PersistentFlags().StringVarP(
		&c.Options.EnvFile,
		"env",
		"e",
		"",
		"Path to a .env file with RAWSTORE_* settings",
	)
}
