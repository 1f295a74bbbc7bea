package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/changestream/pkg/changestream"
	"github.com/ajitpratap0/changestream/pkg/store"
)

func newStateCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Print the partition state saved in the metadata store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			st, err := store.Open(cmd.Context(), cfg.Store, zap.NewNop())
			if err != nil {
				return err
			}
			defer st.Close()

			states, err := st.Load(cmd.Context())
			if err != nil {
				return err
			}
			return printStates(cmd.OutOrStdout(), states)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to YAML configuration")
	return cmd
}

func printStates(w io.Writer, states []changestream.PartitionState) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TOKEN\tSTATUS\tRANGE\tPOSITION\tPARENTS\tFLAGS")
	for _, s := range states {
		keyRange := "unknown"
		if s.RangeKnown {
			keyRange = s.KeyRange.String()
		}
		flags := ""
		switch {
		case s.Retired:
			flags = "retired"
		case s.Failed:
			flags = "failed"
		case s.Drained:
			flags = "drained"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\t%s\n", s.Token, s.Status, keyRange, s.Position, s.ParentTokens, flags)
	}
	return tw.Flush()
}
