package app

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/Blackdeer1524/rawstore/src/app"
	"github.com/Blackdeer1524/rawstore/src/cfg"
	"github.com/Blackdeer1524/rawstore/src/recovery"
	"github.com/Blackdeer1524/rawstore/src/wal"
)

func initDumpLog() {
	var limit int

	cmd := &cobra.Command{
		Use:   "dumplog",
		Short: "Prints the log records without recovering the store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := cfg.Load(rootCmd.Options.EnvFile)
			if err != nil {
				return err
			}
			log, err := app.NewLogger(c.Environment)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			l, err := wal.Open(afero.NewOsFs(), wal.Config{
				Dir:               filepath.Join(c.DataDir, "log"),
				MaxFileSize:       c.LogFileSize,
				CompressThreshold: c.LogCompressThreshold,
			}, log)
			if err != nil {
				return err
			}
			defer l.Close()

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"LSN", "TXN", "PREV", "KIND", "TARGET"})

			n := 0
			it := l.Iterate(l.FirstLSN())
			for it.Next() && (limit <= 0 || n < limit) {
				rec := it.Record()
				target := ""
				if op, ok := recovery.PageOpOf(rec.Body); ok {
					target = op.Target().String()
				}
				table.Append([]string{
					rec.LSN.String(),
					strconv.FormatUint(uint64(rec.TxnID), 10),
					rec.PrevLSN.String(),
					rec.Body.Kind().String(),
					target,
				})
				n++
			}
			if err := it.Err(); err != nil {
				return err
			}

			table.Render()
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d records, checkpoint at %s\n", n, l.CheckpointLSN())
			return err
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "print at most n records")

	rootCmd.AddCommand(cmd)
}
